package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// VectorField names the indexed embedding fields of the product index.
type VectorField string

const (
	FieldItemVector     VectorField = "item_keyword_vector"
	FieldCategoryVector VectorField = "category_name_vector"
	FieldImageVector    VectorField = "image_vector"
)

// distanceAlias is the score alias requested in every KNN clause.
const distanceAlias = "vector_distance"

// Hit is one candidate returned by a KNN query. Distance follows the index
// metric (cosine): 0 is identical, larger is less similar.
type Hit struct {
	Distance float64
	Fields   map[string]string
}

// SearchIndex runs FT.SEARCH KNN queries against the RediSearch product index.
type SearchIndex struct {
	rdb     *redis.Client
	index   string
	timeout time.Duration
	log     zerolog.Logger
}

func NewSearchIndex(rdb *redis.Client, index string, timeout time.Duration, log zerolog.Logger) *SearchIndex {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SearchIndex{
		rdb:     rdb,
		index:   index,
		timeout: timeout,
		log:     log.With().Str("component", "search_index").Logger(),
	}
}

// KNNSearch runs a k-nearest-neighbor query over the given vector field,
// optionally restricted by a filter expression (see TagFilter/ContainsFilter).
// Results come back sorted ascending by distance.
func (s *SearchIndex) KNNSearch(ctx context.Context, field VectorField, vector []float32, k int, filter string, returnFields []string) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := BuildKNNQuery(field, k, filter)

	ret := make([]redis.FTSearchReturn, 0, len(returnFields)+1)
	for _, f := range returnFields {
		ret = append(ret, redis.FTSearchReturn{FieldName: f})
	}
	ret = append(ret, redis.FTSearchReturn{FieldName: distanceAlias})

	res, err := s.rdb.FTSearchWithArgs(ctx, s.index, query, &redis.FTSearchOptions{
		SortBy:         []redis.FTSearchSortBy{{FieldName: distanceAlias, Asc: true}},
		Return:         ret,
		LimitOffset:    0,
		Limit:          k,
		Params:         map[string]interface{}{"vec": VectorBytes(vector)},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ft.search %s: %w", s.index, err)
	}

	hits := make([]Hit, 0, len(res.Docs))
	for _, doc := range res.Docs {
		hit := Hit{Distance: 1.0, Fields: doc.Fields}
		if raw, ok := doc.Fields[distanceAlias]; ok {
			if d, err := strconv.ParseFloat(raw, 64); err == nil {
				hit.Distance = d
			}
		}
		hits = append(hits, hit)
	}

	s.log.Debug().
		Str("field", string(field)).
		Str("filter", filter).
		Int("hits", len(hits)).
		Msg("knn search")

	return hits, nil
}

// BuildKNNQuery assembles the FT.SEARCH query string. An empty filter matches
// the whole index.
func BuildKNNQuery(field VectorField, k int, filter string) string {
	base := filter
	if base == "" {
		base = "*"
	}
	return fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", base, k, field, distanceAlias)
}

// tagEscaper covers the punctuation RediSearch treats as syntax inside tag
// values. SKUs routinely carry hyphens, so this matters on every SKU lookup.
var tagEscaper = strings.NewReplacer(
	"-", "\\-",
	" ", "\\ ",
	".", "\\.",
	":", "\\:",
	"(", "\\(",
	")", "\\)",
	"{", "\\{",
	"}", "\\}",
	"|", "\\|",
	"@", "\\@",
)

// TagFilter builds an exact tag-equality filter: @field:{value}.
func TagFilter(field, value string) string {
	return fmt.Sprintf("@%s:{%s}", field, tagEscaper.Replace(value))
}

// ContainsFilter builds a substring tag filter: @field:{*value*}.
func ContainsFilter(field, value string) string {
	return fmt.Sprintf("@%s:{*%s*}", field, tagEscaper.Replace(value))
}

// OrFilter combines filter expressions with RediSearch union syntax.
func OrFilter(exprs ...string) string {
	return "(" + strings.Join(exprs, " | ") + ")"
}

// VectorBytes serializes a float32 vector the way the index stores it:
// little-endian, 4 bytes per component.
func VectorBytes(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}
