package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetassist/instrubot/models"
	"github.com/vetassist/instrubot/storage"
)

type indexCall struct {
	Field  storage.VectorField
	Filter string
}

// fakeIndex serves canned hits keyed by vector field and records every call.
// Category retrieval runs on its own goroutine, hence the mutex.
type fakeIndex struct {
	mu    sync.Mutex
	hits  map[storage.VectorField][]storage.Hit
	err   error
	calls []indexCall
}

func (f *fakeIndex) KNNSearch(_ context.Context, field storage.VectorField, _ []float32, _ int, filter string, _ []string) ([]storage.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, indexCall{Field: field, Filter: filter})
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[field], nil
}

func (f *fakeIndex) callsFor(field storage.VectorField) []indexCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []indexCall
	for _, c := range f.calls {
		if c.Field == field {
			out = append(out, c)
		}
	}
	return out
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeChatStore struct {
	mu    sync.Mutex
	saved []models.ChatMessage
	err   error
}

func (f *fakeChatStore) SaveMessages(_ context.Context, messages []models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, messages...)
	return nil
}

func (f *fakeChatStore) ReadRecent(context.Context, string, int) ([]models.ChatMessage, error) {
	return nil, nil
}

func (f *fakeChatStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func productHit(name, url, sku string, distance float64) storage.Hit {
	return storage.Hit{
		Distance: distance,
		Fields: map[string]string{
			"product_name": name,
			"product_url":  url,
			"sku":          sku,
		},
	}
}

func newTextService(index *fakeIndex, chats *fakeChatStore) *TextSearchService {
	return NewTextSearchService(index, fakeEmbedder{}, chats, TextSearchConfig{}, zerolog.Nop())
}

func TestDiscoverContext_SKUShortCircuit(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: {productHit("Mayo Scissors", "https://x/mayo", "G12-345", 0.1)},
	}}
	svc := newTextService(index, &fakeChatStore{})

	found := svc.DiscoverContext(context.Background(), "G12-345")

	require.Len(t, found.Products, 1)
	assert.Equal(t, "Mayo Scissors", found.Products[0].Name)

	// Exactly one item-vector call, and it carried the SKU filter. No
	// unfiltered semantic call happened.
	itemCalls := index.callsFor(storage.FieldItemVector)
	require.Len(t, itemCalls, 1)
	assert.Contains(t, itemCalls[0].Filter, "@sku:")
	assert.Contains(t, itemCalls[0].Filter, "@sub_products:")
}

func TestDiscoverContext_SKUFallbackToSemantic(t *testing.T) {
	// No records carry this SKU; the empty filtered result must fall through
	// to the unfiltered semantic search.
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{}}
	svc := newTextService(index, &fakeChatStore{})

	found := svc.DiscoverContext(context.Background(), "ZZ99-000")

	assert.Empty(t, found.Products)

	itemCalls := index.callsFor(storage.FieldItemVector)
	require.Len(t, itemCalls, 2)
	assert.NotEmpty(t, itemCalls[0].Filter)
	assert.Empty(t, itemCalls[1].Filter)
}

func TestDiscoverContext_NonSKUSkipsFilteredLookup(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{}}
	svc := newTextService(index, &fakeChatStore{})

	svc.DiscoverContext(context.Background(), "mayo scissors")

	itemCalls := index.callsFor(storage.FieldItemVector)
	require.Len(t, itemCalls, 1)
	assert.Empty(t, itemCalls[0].Filter)
}

func TestDiscoverContext_ThresholdFiltersSemanticHits(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: {
			productHit("Close Match", "https://x/close", "A-1", 0.2),  // similarity 0.8
			productHit("Far Match", "https://x/far", "A-2", 0.5),      // similarity 0.5
			productHit("Border Match", "https://x/border", "A-3", 0.35), // similarity 0.65
		},
	}}
	svc := newTextService(index, &fakeChatStore{})

	found := svc.DiscoverContext(context.Background(), "mayo scissors")

	require.Len(t, found.Products, 2)
	assert.Equal(t, "Close Match", found.Products[0].Name)
	assert.Equal(t, 0.8, found.Products[0].SimilarityScore)
	assert.Equal(t, "Border Match", found.Products[1].Name)
}

func TestDiscoverContext_SKUPathAppliesPromotion(t *testing.T) {
	hit := productHit("Mayo Scissors", "https://x/mayo", "G12-34", 0.4)
	hit.Fields["sub_products"] = `[{"sku":"G12-345","name":"Mayo Scissors 14cm"}]`

	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: {hit},
	}}
	svc := newTextService(index, &fakeChatStore{})

	found := svc.DiscoverContext(context.Background(), "G12-345")

	require.Len(t, found.Products, 1)
	got := found.Products[0]
	assert.Equal(t, 1.0, got.SimilarityScore)
	assert.Equal(t, "Mayo Scissors 14cm", got.Name)
	assert.Equal(t, "G12-345", got.SKU)
	assert.Equal(t, MatchedViaSKUExact, got.MatchedVia)
}

func TestDiscoverContext_SKUPathIgnoresThreshold(t *testing.T) {
	// Filtered hits are kept even when the raw vector distance is far; the
	// promotion score is authoritative.
	hit := productHit("Mayo Scissors", "https://x/mayo", "G12-345", 0.9)

	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: {hit},
	}}
	svc := newTextService(index, &fakeChatStore{})

	found := svc.DiscoverContext(context.Background(), "G12-345")

	require.Len(t, found.Products, 1)
	assert.Equal(t, 1.0, found.Products[0].SimilarityScore)
}

func TestRetrieveCategories_ZipAndDedup(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldCategoryVector: {
			{Distance: 0.1, Fields: map[string]string{
				"category_names": `["Scissors","Forceps"]`,
				"categories":     `["https://x/scissors","https://x/forceps"]`,
			}},
			{Distance: 0.2, Fields: map[string]string{
				"category_names": `["Scissors"]`,
				"categories":     `["https://x/scissors"]`,
			}},
		},
	}}
	svc := newTextService(index, &fakeChatStore{})

	categories := svc.retrieveCategories(context.Background(), "surgical scissors")

	require.Len(t, categories, 2)
	assert.Equal(t, "Scissors", categories[0].Name)
	assert.Equal(t, "Show me Scissors", categories[0].DataPrompt)
	assert.Equal(t, "Forceps", categories[1].Name)
}

func TestAnswerQuestion_IndexErrorYieldsEmptyFallback(t *testing.T) {
	index := &fakeIndex{err: fmt.Errorf("connection refused")}
	svc := newTextService(index, &fakeChatStore{})

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", "mayo scissors")

	assert.Empty(t, resp.Data.CoreMessage.Products)
	assert.Empty(t, resp.Data.CoreMessage.Categories)
	assert.Contains(t, resp.Data.StartMessage, "couldn't find")
	assert.False(t, resp.ShowPagination)
}

func TestAnswerQuestion_PaginationFlag(t *testing.T) {
	var hits []storage.Hit
	for i := 0; i < 6; i++ {
		hits = append(hits, productHit(fmt.Sprintf("P%d", i), fmt.Sprintf("https://x/p%d", i), "A-1", 0.1))
	}
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: hits,
	}}
	svc := newTextService(index, &fakeChatStore{})

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", "scissors")

	assert.Len(t, resp.Data.CoreMessage.Products, 6)
	assert.True(t, resp.ShowPagination)
}

func TestAnswerQuestion_SavesConversation(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: {productHit("Mayo Scissors", "https://x/mayo", "G12-345", 0.1)},
	}}
	chats := &fakeChatStore{}
	svc := newTextService(index, chats)

	svc.AnswerQuestion(context.Background(), "u1", "u@example.com", "scissors")

	assert.Eventually(t, func() bool {
		return chats.savedCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestAnswerQuestion_SaveFailureDoesNotAffectResponse(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldItemVector: {productHit("Mayo Scissors", "https://x/mayo", "G12-345", 0.1)},
	}}
	chats := &fakeChatStore{err: fmt.Errorf("mongo down")}
	svc := newTextService(index, chats)

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", "scissors")

	require.Len(t, resp.Data.CoreMessage.Products, 1)
	assert.Contains(t, resp.Data.StartMessage, "scissors")
}
