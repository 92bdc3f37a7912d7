package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vetassist/instrubot/config"
	"github.com/vetassist/instrubot/models"
)

// ChatStore is the append-only conversation log backed by MongoDB.
type ChatStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        zerolog.Logger
}

func NewChatStore(cfg *config.Config, log zerolog.Logger) (*ChatStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log = log.With().Str("component", "chat_store").Logger()
	log.Info().Str("database", cfg.MongoDatabase).Str("collection", cfg.MongoCollection).Msg("connected to MongoDB")

	return &ChatStore{
		client:     client,
		collection: client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection),
		log:        log,
	}, nil
}

func (s *ChatStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the lookup indexes the history queries rely on.
// Failure is logged, not fatal: the log still works, just slower.
func (s *ChatStore) EnsureIndexes(ctx context.Context) {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_email", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}

	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		s.log.Warn().Err(err).Msg("failed to create chat indexes")
		return
	}
	s.log.Info().Msg("chat indexes ensured")
}

// SaveMessages bulk-inserts log entries. Used fire-and-forget after a
// response has been sent.
func (s *ChatStore) SaveMessages(ctx context.Context, messages []models.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	docs := make([]interface{}, len(messages))
	for i, m := range messages {
		docs[i] = m
	}

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert messages: %w", err)
	}

	s.log.Debug().Int("count", len(messages)).Msg("messages saved")
	return nil
}

// ReadRecent returns the user's last messages in chronological order.
func (s *ChatStore) ReadRecent(ctx context.Context, userEmail string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 5
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{"user_email": userEmail}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []models.ChatMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	// Newest-first from Mongo, oldest-first for callers.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
