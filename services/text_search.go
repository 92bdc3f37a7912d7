package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vetassist/instrubot/models"
	"github.com/vetassist/instrubot/storage"
)

// VectorIndex is the narrow slice of the search index the services need.
type VectorIndex interface {
	KNNSearch(ctx context.Context, field storage.VectorField, vector []float32, k int, filter string, returnFields []string) ([]storage.Hit, error)
}

// MessageStore persists and reads the conversation log.
type MessageStore interface {
	SaveMessages(ctx context.Context, messages []models.ChatMessage) error
	ReadRecent(ctx context.Context, userEmail string, limit int) ([]models.ChatMessage, error)
}

// productReturnFields is the record shape requested from the index for
// product queries.
var productReturnFields = []string{
	"product_name", "product_url", "product_image", "sku",
	"pdf_url", "sub_products", "short_description",
	"full_description", "video_url", "category_names", "categories",
}

var categoryReturnFields = []string{"category_names", "categories"}

// TextSearchConfig carries the ranking knobs so tests can tighten or loosen
// them without touching globals.
type TextSearchConfig struct {
	SimilarityThreshold float64
	ExactMaxResults     int
	CategoryMaxResults  int
	SaveTimeout         time.Duration
}

func (c *TextSearchConfig) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.65
	}
	if c.ExactMaxResults == 0 {
		c.ExactMaxResults = 10
	}
	if c.CategoryMaxResults == 0 {
		c.CategoryMaxResults = 15
	}
	if c.SaveTimeout == 0 {
		c.SaveTimeout = 5 * time.Second
	}
}

// TextSearchService answers product-search questions: SKU lookup first,
// semantic vector search as fallback, category discovery alongside.
type TextSearchService struct {
	index    VectorIndex
	embedder Embedder
	chats    MessageStore
	cfg      TextSearchConfig
	log      zerolog.Logger
}

func NewTextSearchService(index VectorIndex, embedder Embedder, chats MessageStore, cfg TextSearchConfig, log zerolog.Logger) *TextSearchService {
	cfg.applyDefaults()
	return &TextSearchService{
		index:    index,
		embedder: embedder,
		chats:    chats,
		cfg:      cfg,
		log:      log.With().Str("component", "text_search").Logger(),
	}
}

// DiscoveredContext is the merged retrieval result handed to answer assembly.
type DiscoveredContext struct {
	Products   []models.Candidate
	Categories []models.CategoryMatch
}

// AnswerQuestion is the orchestration entry point for a text product query.
// It never returns an error to the caller: every degraded condition collapses
// into a well-formed fallback answer.
func (s *TextSearchService) AnswerQuestion(ctx context.Context, userID, userEmail, question string) (resp models.SearchResponse) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("question", question).Msg("text search panicked")
			resp = s.fallbackResponse(question)
		}
	}()

	s.log.Info().Str("question", question).Str("user", userEmail).Msg("product search")

	found := s.DiscoverContext(ctx, question)

	answer := models.Answer{
		StartMessage: fmt.Sprintf("I found some products related to '%s'.", question),
		CoreMessage: models.CoreMessage{
			Products:   found.Products,
			Categories: found.Categories,
		},
		EndMessage: "Click any product to explore more details.",
	}
	if len(found.Products) == 0 && len(found.Categories) == 0 {
		answer.StartMessage = fmt.Sprintf("I couldn't find exact matches for '%s'.", question)
		answer.EndMessage = "Please try a different term."
	}

	s.saveChat(userID, userEmail, question, answer)

	return models.SearchResponse{
		Message:        "Product search processed.",
		Data:           answer,
		ShowPagination: len(found.Products) > 5,
	}
}

// DiscoverContext retrieves products and categories for a question.
// SKU-shaped queries try the filtered lookup first; any hit there
// short-circuits semantic search entirely so exact intent is not diluted by
// semantic neighbors. Category retrieval has no ordering dependency on the
// product path and runs concurrently.
func (s *TextSearchService) DiscoverContext(ctx context.Context, question string) DiscoveredContext {
	categoryCh := make(chan []models.CategoryMatch, 1)
	go func() {
		categoryCh <- s.retrieveCategories(ctx, question)
	}()

	var products []models.Candidate
	if IsSKUPattern(question) {
		products = s.retrieveBySKU(ctx, models.NormalizeSKU(question))
		if len(products) > 0 {
			s.log.Info().Str("sku", models.NormalizeSKU(question)).Int("matches", len(products)).
				Msg("sku match found, skipping vector search")
		}
	}
	if len(products) == 0 {
		products = s.retrieveExact(ctx, question)
	}

	// Variants share catalog pages, so both paths can return the same URL
	// more than once.
	return DiscoveredContext{
		Products:   MergeByURL(products, nil),
		Categories: <-categoryCh,
	}
}

// retrieveBySKU runs a filtered KNN restricted to records whose parent SKU
// equals the target or whose variant list contains it. The query embeds the
// raw SKU string so the distance stays on the same scale as the fuzzy path;
// the promotion score then supersedes it for any variant match.
func (s *TextSearchService) retrieveBySKU(ctx context.Context, sku string) []models.Candidate {
	vector, err := s.embedder.EmbedText(ctx, sku)
	if err != nil {
		s.log.Warn().Err(err).Str("sku", sku).Msg("sku embedding failed")
		return nil
	}

	filter := storage.OrFilter(
		storage.TagFilter("sku", sku),
		storage.ContainsFilter("sub_products", sku),
	)

	hits, err := s.index.KNNSearch(ctx, storage.FieldItemVector, vector, s.cfg.ExactMaxResults, filter, productReturnFields)
	if err != nil {
		s.log.Warn().Err(err).Str("sku", sku).Msg("sku search failed")
		return nil
	}
	if len(hits) == 0 {
		s.log.Info().Str("sku", sku).Msg("no sku records found")
		return nil
	}

	return s.processHits(hits, sku)
}

// retrieveExact is the semantic product search: KNN over the item vector,
// similarity-thresholded.
func (s *TextSearchService) retrieveExact(ctx context.Context, query string) []models.Candidate {
	vector, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.log.Warn().Err(err).Msg("query embedding failed")
		return nil
	}

	hits, err := s.index.KNNSearch(ctx, storage.FieldItemVector, vector, s.cfg.ExactMaxResults, "", productReturnFields)
	if err != nil {
		s.log.Warn().Err(err).Msg("semantic search failed")
		return nil
	}

	return s.processHits(hits, "")
}

// retrieveCategories runs the parallel category-name KNN. One record may
// carry several category names/urls as parallel lists; they are zipped
// pairwise and deduplicated by URL.
func (s *TextSearchService) retrieveCategories(ctx context.Context, query string) []models.CategoryMatch {
	vector, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.log.Warn().Err(err).Msg("category embedding failed")
		return nil
	}

	hits, err := s.index.KNNSearch(ctx, storage.FieldCategoryVector, vector, s.cfg.CategoryMaxResults, "", categoryReturnFields)
	if err != nil {
		s.log.Warn().Err(err).Msg("category search failed")
		return nil
	}

	seen := make(map[string]struct{})
	var categories []models.CategoryMatch
	for _, hit := range hits {
		similarity := 1 - hit.Distance
		if similarity < s.cfg.SimilarityThreshold {
			continue
		}

		for _, c := range zipCategories(hit.Fields["category_names"], hit.Fields["categories"]) {
			if _, ok := seen[c.URL]; ok {
				continue
			}
			seen[c.URL] = struct{}{}
			c.DataPrompt = "Show me " + c.Name
			categories = append(categories, c)
		}
	}

	return categories
}

// zipCategories pairs the parallel category name/url lists a record carries.
// Entries without a URL are dropped.
func zipCategories(rawNames, rawURLs string) []models.CategoryMatch {
	names := models.ParseStringList(rawNames)
	urls := models.ParseStringList(rawURLs)

	var categories []models.CategoryMatch
	for i := 0; i < len(names) && i < len(urls); i++ {
		if urls[i] == "" {
			continue
		}
		categories = append(categories, models.CategoryMatch{Name: names[i], URL: urls[i]})
	}
	return categories
}

// processHits turns raw index hits into scored candidates. With a target SKU
// the promotion rules produce the authoritative score and the threshold does
// not apply; without one the score is 1 - distance and sub-threshold hits
// are discarded.
func (s *TextSearchService) processHits(hits []storage.Hit, targetSKU string) []models.Candidate {
	products := make([]models.Candidate, 0, len(hits))

	for _, hit := range hits {
		fields := hit.Fields

		candidate := models.Candidate{
			Name:            fields["product_name"],
			URL:             fields["product_url"],
			ImageURL:        models.ExtractImageURL(fields["product_image"]),
			PDFURL:          fields["pdf_url"],
			Video:           models.ExtractVideoLinks(fields["video_url"]),
			Description:     fields["short_description"],
			FullDescription: fields["full_description"],
			SKU:             fields["sku"],
			Variants:        models.ParseVariants(fields["sub_products"]),
			Categories:      zipCategories(fields["category_names"], fields["categories"]),
			MatchedVia:      MatchedViaVector,
		}

		if targetSKU != "" {
			promo := ScoreAndPromote(candidate.Name, candidate.SKU, candidate.Variants, targetSKU)
			candidate.Name = promo.Name
			candidate.SKU = promo.SKU
			candidate.SimilarityScore = promo.Score
			candidate.MatchedVia = promo.MatchedVia
			if promo.MatchedVia != MatchedViaVector {
				s.log.Debug().Str("sku", targetSKU).Str("via", promo.MatchedVia).
					Float64("score", promo.Score).Msg("promoted sub-product")
			}
		} else {
			similarity := 1 - hit.Distance
			if similarity < s.cfg.SimilarityThreshold {
				continue
			}
			candidate.SimilarityScore = Round4(similarity)
		}

		products = append(products, candidate)
	}

	return products
}

// saveChat appends the exchange to the conversation log. Fire-and-forget:
// the response must not wait on, or fail with, the write.
func (s *TextSearchService) saveChat(userID, userEmail, question string, answer models.Answer) {
	messages := []models.ChatMessage{
		models.NewUserMessage(userID, userEmail, question, ""),
		models.NewAssistantMessage(userID, userEmail, answer),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SaveTimeout)
		defer cancel()
		if err := s.chats.SaveMessages(ctx, messages); err != nil {
			s.log.Error().Err(err).Str("user", userEmail).Msg("failed to save chat")
		}
	}()
}

func (s *TextSearchService) fallbackResponse(question string) models.SearchResponse {
	return models.SearchResponse{
		Message: "I'm having trouble searching right now.",
		Data: models.Answer{
			StartMessage: fmt.Sprintf("I couldn't find exact matches for '%s' right now.", question),
			CoreMessage:  models.CoreMessage{Products: []models.Candidate{}, Categories: []models.CategoryMatch{}},
			EndMessage:   "Please try a different term.",
		},
		ShowPagination: false,
	}
}
