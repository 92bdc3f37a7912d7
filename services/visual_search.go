package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vetassist/instrubot/models"
	"github.com/vetassist/instrubot/storage"
)

// SessionState is the per-user visual-search state the service needs from
// Redis.
type SessionState interface {
	SetLastImage(ctx context.Context, userID string, image []byte) error
	LastImage(ctx context.Context, userID string) ([]byte, error)
	CatalogLinks(ctx context.Context) (map[string]string, error)
}

// defaultVisualQuestion stands in when the user uploads an image without
// asking anything. It is never written to the conversation log.
const defaultVisualQuestion = "I have sent you the image"

const reuploadPrompt = "Please upload an image so I can assist you with your question."

var pdfKeywords = []string{
	"pdf", "document", "link", "url", "file",
	"brochure", "guide", "catalog", "catalogs",
}

var videoKeywords = []string{
	"video", "demo", "tutorial", "youtube", "vimeo",
	"visualization", "visual", "demonstration",
}

// affirmations are the openers the responder is instructed to use for a
// confident match; a catalog PDF line is inserted right after one of them.
var affirmations = []string{
	"Yes, we certainly have this product!",
	"Yes, we certainly have those available!",
	"Yes, we have it!",
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9\s]`)

// catalogStopWords are filler tokens ignored when fuzzy-matching a query
// against catalog names.
var catalogStopWords = map[string]struct{}{
	"can": {}, "you": {}, "please": {}, "provide": {}, "me": {}, "the": {},
	"for": {}, "with": {}, "show": {}, "tell": {}, "about": {}, "file": {},
	"download": {}, "of": {}, "in": {}, "is": {}, "it": {}, "to": {},
	"give": {}, "want": {}, "search": {}, "find": {},
}

// VisualSearchConfig carries the knobs of the image path.
type VisualSearchConfig struct {
	SimilarityThreshold float64
	MaxResults          int
	HistoryLimit        int
	SaveTimeout         time.Duration
	VideoPageURL        string
}

func (c *VisualSearchConfig) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.2
	}
	if c.MaxResults == 0 {
		c.MaxResults = 20
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 10
	}
	if c.SaveTimeout == 0 {
		c.SaveTimeout = 5 * time.Second
	}
}

// VisualSearchService answers image queries: CLIP embedding, KNN over the
// image vectors, then a vision-capable responder turns the matches into a
// conversational answer.
type VisualSearchService struct {
	index     VectorIndex
	encoder   ImageEncoder
	sessions  SessionState
	responder Responder
	chats     MessageStore
	cfg       VisualSearchConfig
	log       zerolog.Logger
}

func NewVisualSearchService(index VectorIndex, encoder ImageEncoder, sessions SessionState, responder Responder, chats MessageStore, cfg VisualSearchConfig, log zerolog.Logger) *VisualSearchService {
	cfg.applyDefaults()
	return &VisualSearchService{
		index:     index,
		encoder:   encoder,
		sessions:  sessions,
		responder: responder,
		chats:     chats,
		cfg:       cfg,
		log:       log.With().Str("component", "visual_search").Logger(),
	}
}

// AnswerQuestion handles a visual query in one of three states: a new image
// with a question, a new image alone, or a follow-up question that reuses the
// last uploaded image. Degraded conditions collapse into fallback shapes; no
// error reaches the caller.
func (s *VisualSearchService) AnswerQuestion(ctx context.Context, userID, userEmail string, image []byte, question string) (resp models.SearchResponse) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("visual search panicked")
			resp = models.SearchResponse{
				Message: "Visual search processed.",
				Data: models.Answer{
					StartMessage: "Sorry, unable to process your question, please try again later",
					CoreMessage:  models.CoreMessage{Products: []models.Candidate{}, Options: []string{"Yes", "No"}},
				},
			}
		}
	}()

	saveImage := len(image) > 0
	saveQuestion := strings.TrimSpace(question) != ""

	if saveImage {
		if err := s.sessions.SetLastImage(ctx, userID, image); err != nil {
			s.log.Warn().Err(err).Str("user", userID).Msg("failed to store last image")
		}
	} else {
		stored, err := s.sessions.LastImage(ctx, userID)
		if err != nil {
			s.log.Warn().Err(err).Str("user", userID).Msg("failed to load last image")
		}
		if len(stored) == 0 {
			return s.noImageFallback(userID, userEmail, question)
		}
		image = stored
	}

	if !saveQuestion {
		question = defaultVisualQuestion
	}

	s.log.Info().Str("user", userEmail).Bool("new_image", saveImage).
		Str("question", question).Msg("visual search")

	products := s.retrieveSimilar(ctx, image)

	hasPDFRequest := containsAnyKeyword(question, pdfKeywords)
	hasVideoRequest := containsAnyKeyword(question, videoKeywords)
	catalogURL := s.searchCatalogPDF(ctx, question)

	answer := s.composeAnswer(ctx, question, userEmail, image, products)
	s.enrichAnswer(&answer, catalogURL, hasPDFRequest, hasVideoRequest)

	loggedQuestion, loggedImage := "", ""
	if saveQuestion {
		loggedQuestion = question
	}
	if saveImage {
		loggedImage = fmt.Sprintf("user:%s:last_image", userID)
	}
	s.saveChat(userID, userEmail, loggedQuestion, loggedImage, answer)

	return models.SearchResponse{
		Message: "Visual search processed.",
		Data:    answer,
	}
}

// retrieveSimilar embeds the image and runs the unfiltered KNN over the image
// vectors. The image threshold is far looser than the text one: CLIP
// similarities for matching instruments sit much lower.
func (s *VisualSearchService) retrieveSimilar(ctx context.Context, image []byte) []models.Candidate {
	vector, err := s.encoder.EmbedImage(ctx, image)
	if err != nil {
		s.log.Warn().Err(err).Msg("image embedding failed")
		return nil
	}

	hits, err := s.index.KNNSearch(ctx, storage.FieldImageVector, vector, s.cfg.MaxResults, "", productReturnFields)
	if err != nil {
		s.log.Warn().Err(err).Msg("image search failed")
		return nil
	}

	products := make([]models.Candidate, 0, len(hits))
	for _, hit := range hits {
		similarity := 1 - hit.Distance
		if similarity < s.cfg.SimilarityThreshold {
			continue
		}

		fields := hit.Fields
		products = append(products, models.Candidate{
			Name:            fields["product_name"],
			URL:             fields["product_url"],
			ImageURL:        models.ExtractImageURL(fields["product_image"]),
			PDFURL:          strings.TrimSpace(fields["pdf_url"]),
			Video:           models.ExtractVideoLinks(fields["video_url"]),
			Description:     fields["short_description"],
			FullDescription: fields["full_description"],
			SKU:             fields["sku"],
			Variants:        models.ParseVariants(fields["sub_products"]),
			Categories:      zipCategories(fields["category_names"], fields["categories"]),
			SimilarityScore: Round4(similarity),
			MatchedVia:      MatchedViaVector,
		})
	}

	s.log.Info().Int("hits", len(hits)).Int("kept", len(products)).Msg("image knn done")
	return products
}

// composeAnswer asks the responder for the conversational wrapper. Failure
// falls back to a canned shape so the caller still receives valid structure.
func (s *VisualSearchService) composeAnswer(ctx context.Context, question, userEmail string, image []byte, products []models.Candidate) models.Answer {
	history := ""
	if recent, err := s.chats.ReadRecent(ctx, userEmail, s.cfg.HistoryLimit); err == nil {
		history = models.FormatHistory(recent)
	} else {
		s.log.Warn().Err(err).Msg("failed to load chat history")
	}

	answer, err := s.responder.ComposeAnswer(ctx, question, history, image, products)
	if err != nil {
		s.log.Error().Err(err).Msg("responder failed")
		return models.Answer{
			StartMessage: "I'm sorry, I encountered an issue while processing the product information.",
			CoreMessage:  models.CoreMessage{Products: products, Options: []string{"Yes", "No"}},
		}
	}
	return answer
}

// searchCatalogPDF fuzzy-matches the question against the catalog-name hash.
// An exact name-in-query hit wins outright; otherwise the best token overlap
// of at least half the query tokens does.
func (s *VisualSearchService) searchCatalogPDF(ctx context.Context, question string) string {
	catalogs, err := s.sessions.CatalogLinks(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load catalog links")
		return ""
	}
	if len(catalogs) == 0 {
		return ""
	}

	queryClean := nonAlnum.ReplaceAllString(strings.ToLower(question), " ")
	queryTokens := make(map[string]struct{})
	for _, word := range strings.Fields(queryClean) {
		if _, stop := catalogStopWords[word]; stop || len(word) < 2 {
			continue
		}
		queryTokens[word] = struct{}{}
	}
	if len(queryTokens) == 0 {
		return ""
	}

	bestURL, bestScore := "", 0.0
	for name, url := range catalogs {
		nameClean := strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(name), " "))
		if nameClean != "" && strings.Contains(queryClean, nameClean) {
			return url
		}

		overlap := 0
		for _, word := range strings.Fields(nameClean) {
			if len(word) < 2 {
				continue
			}
			if _, ok := queryTokens[word]; ok {
				overlap++
			}
		}

		score := float64(overlap) / float64(len(queryTokens))
		if score >= 0.5 && score > bestScore {
			bestScore, bestURL = score, url
		}
	}

	return bestURL
}

// enrichAnswer appends catalog PDF and video-page links the user asked for
// but the responder did not surface on its own.
func (s *VisualSearchService) enrichAnswer(answer *models.Answer, catalogURL string, hasPDFRequest, hasVideoRequest bool) {
	var morePrompts []string
	if answer.MorePrompt != "" {
		morePrompts = append(morePrompts, strings.TrimSpace(strings.ReplaceAll(answer.MorePrompt, "(YES/NO)", "")))
	}

	if catalogURL != "" && hasPDFRequest {
		linkShown := strings.Contains(answer.StartMessage, catalogURL)
		for _, p := range answer.CoreMessage.Products {
			if p.PDFURL == catalogURL {
				linkShown = true
				break
			}
		}

		if !linkShown {
			pdfLine := "Technical PDF: " + catalogURL
			inserted := false
			for _, aff := range affirmations {
				if strings.Contains(answer.StartMessage, aff) {
					answer.StartMessage = strings.Replace(answer.StartMessage, aff, aff+" "+pdfLine+"\n", 1)
					inserted = true
					break
				}
			}
			if !inserted {
				answer.StartMessage = pdfLine + "\n" + answer.StartMessage
			}
		}
	}

	if hasVideoRequest && s.cfg.VideoPageURL != "" {
		videoLine := "Watch Videos: " + s.cfg.VideoPageURL
		if !strings.Contains(answer.StartMessage, s.cfg.VideoPageURL) &&
			!strings.Contains(strings.Join(morePrompts, " "), s.cfg.VideoPageURL) {
			morePrompts = append(morePrompts, videoLine)
		}
		answer.EndMessage = "Click any product to explore more details."
	}

	if len(morePrompts) > 0 {
		seen := make(map[string]struct{}, len(morePrompts))
		var unique []string
		for _, p := range morePrompts {
			if _, ok := seen[p]; ok || p == "" {
				continue
			}
			seen[p] = struct{}{}
			unique = append(unique, p)
		}
		answer.MorePrompt = strings.Join(unique, ". ")
	} else {
		answer.MorePrompt = ""
	}
}

// noImageFallback is the terminal response for a follow-up question with no
// stored image. The exchange is still logged.
func (s *VisualSearchService) noImageFallback(userID, userEmail, question string) models.SearchResponse {
	answer := models.Answer{
		StartMessage: reuploadPrompt,
		CoreMessage:  models.CoreMessage{Products: []models.Candidate{}, Options: []string{"Yes", "No"}},
	}

	s.saveChat(userID, userEmail, question, "", answer)

	return models.SearchResponse{
		Message: "Visual search processed.",
		Data:    answer,
	}
}

func (s *VisualSearchService) saveChat(userID, userEmail, question, image string, answer models.Answer) {
	messages := []models.ChatMessage{
		models.NewUserMessage(userID, userEmail, question, image),
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

func containsAnyKeyword(query string, keywords []string) bool {
	lower := strings.ToLower(query)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
