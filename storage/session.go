package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps per-user visual-search state and the catalog link hash
// in Redis. The last uploaded image is retained so a follow-up question
// without an attachment can reuse it.
type SessionStore struct {
	rdb        *redis.Client
	catalogKey string
	ttl        time.Duration
}

func NewSessionStore(rdb *redis.Client, catalogKey string, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{rdb: rdb, catalogKey: catalogKey, ttl: ttl}
}

func lastImageKey(userID string) string {
	return fmt.Sprintf("user:%s:last_image", userID)
}

// SetLastImage stores the user's most recent uploaded image bytes.
func (s *SessionStore) SetLastImage(ctx context.Context, userID string, image []byte) error {
	if err := s.rdb.Set(ctx, lastImageKey(userID), image, s.ttl).Err(); err != nil {
		return fmt.Errorf("set last image: %w", err)
	}
	return nil
}

// LastImage returns the stored image for the user, or nil when none exists
// (or the TTL expired). Absence is not an error.
func (s *SessionStore) LastImage(ctx context.Context, userID string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, lastImageKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last image: %w", err)
	}
	return data, nil
}

// CatalogLinks returns the catalog-name -> PDF-URL hash maintained by the
// sync job. Empty map when the hash is missing.
func (s *SessionStore) CatalogLinks(ctx context.Context) (map[string]string, error) {
	links, err := s.rdb.HGetAll(ctx, s.catalogKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.catalogKey, err)
	}
	return links, nil
}
