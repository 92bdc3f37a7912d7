package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetassist/instrubot/models"
	"github.com/vetassist/instrubot/storage"
)

type fakeSessions struct {
	images   map[string][]byte
	catalogs map[string]string
}

func (f *fakeSessions) SetLastImage(_ context.Context, userID string, image []byte) error {
	if f.images == nil {
		f.images = map[string][]byte{}
	}
	f.images[userID] = image
	return nil
}

func (f *fakeSessions) LastImage(_ context.Context, userID string) ([]byte, error) {
	return f.images[userID], nil
}

func (f *fakeSessions) CatalogLinks(context.Context) (map[string]string, error) {
	return f.catalogs, nil
}

type fakeEncoder struct {
	err error
}

func (f fakeEncoder) EmbedImage(context.Context, []byte) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0, 1, 0}, nil
}

// echoResponder returns a fixed answer shell around whatever products it
// receives, recording the image it was handed.
type echoResponder struct {
	start     string
	morePrompt string
	err       error
	gotImage  []byte
}

func (r *echoResponder) ComposeAnswer(_ context.Context, _, _ string, image []byte, products []models.Candidate) (models.Answer, error) {
	r.gotImage = image
	if r.err != nil {
		return models.Answer{}, r.err
	}
	return models.Answer{
		StartMessage: r.start,
		CoreMessage:  models.CoreMessage{Products: products},
		MorePrompt:   r.morePrompt,
	}, nil
}

func newVisualService(index *fakeIndex, sessions *fakeSessions, responder *echoResponder, chats *fakeChatStore) *VisualSearchService {
	return NewVisualSearchService(index, fakeEncoder{}, sessions, responder, chats, VisualSearchConfig{
		VideoPageURL: "https://shop.example/pages/videos",
	}, zerolog.Nop())
}

func imageHit(name, url string, distance float64) storage.Hit {
	return storage.Hit{
		Distance: distance,
		Fields: map[string]string{
			"product_name": name,
			"product_url":  url,
		},
	}
}

func TestVisualAnswer_NewImageStoredAndSearched(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldImageVector: {
			imageHit("Mayo Scissors", "https://x/mayo", 0.3),  // similarity 0.7
			imageHit("Wrong Object", "https://x/wrong", 0.95), // similarity 0.05
		},
	}}
	sessions := &fakeSessions{}
	responder := &echoResponder{start: "Based on your image, here are the closest matches we have."}
	svc := newVisualService(index, sessions, responder, &fakeChatStore{})

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", []byte("jpeg-bytes"), "what is this?")

	require.Len(t, resp.Data.CoreMessage.Products, 1)
	assert.Equal(t, "Mayo Scissors", resp.Data.CoreMessage.Products[0].Name)
	assert.Equal(t, 0.7, resp.Data.CoreMessage.Products[0].SimilarityScore)
	assert.False(t, resp.ShowPagination)

	// Stored for follow-ups, and handed to the responder.
	assert.Equal(t, []byte("jpeg-bytes"), sessions.images["u1"])
	assert.Equal(t, []byte("jpeg-bytes"), responder.gotImage)
}

func TestVisualAnswer_FollowupReusesStoredImage(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldImageVector: {imageHit("Mayo Scissors", "https://x/mayo", 0.3)},
	}}
	sessions := &fakeSessions{images: map[string][]byte{"u1": []byte("earlier-upload")}}
	responder := &echoResponder{start: "Here you go."}
	svc := newVisualService(index, sessions, responder, &fakeChatStore{})

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", nil, "does it come in 16cm?")

	require.Len(t, resp.Data.CoreMessage.Products, 1)
	assert.Equal(t, []byte("earlier-upload"), responder.gotImage)
}

func TestVisualAnswer_FollowupWithoutStoredImage(t *testing.T) {
	index := &fakeIndex{}
	chats := &fakeChatStore{}
	svc := newVisualService(index, &fakeSessions{}, &echoResponder{}, chats)

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", nil, "does it come in 16cm?")

	assert.Equal(t, reuploadPrompt, resp.Data.StartMessage)
	assert.Empty(t, resp.Data.CoreMessage.Products)
	assert.Equal(t, []string{"Yes", "No"}, resp.Data.CoreMessage.Options)

	// No retrieval happened, but the exchange was still logged.
	assert.Empty(t, index.calls)
	assert.Eventually(t, func() bool {
		return chats.savedCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestVisualAnswer_ResponderFailureFallsBack(t *testing.T) {
	index := &fakeIndex{hits: map[storage.VectorField][]storage.Hit{
		storage.FieldImageVector: {imageHit("Mayo Scissors", "https://x/mayo", 0.3)},
	}}
	responder := &echoResponder{err: fmt.Errorf("upstream 500")}
	svc := newVisualService(index, &fakeSessions{}, responder, &fakeChatStore{})

	resp := svc.AnswerQuestion(context.Background(), "u1", "u@example.com", []byte("img"), "what is this?")

	assert.Contains(t, resp.Data.StartMessage, "encountered an issue")
	// Retrieved products still ride along so the UI can render cards.
	require.Len(t, resp.Data.CoreMessage.Products, 1)
	assert.Equal(t, []string{"Yes", "No"}, resp.Data.CoreMessage.Options)
}

func TestSearchCatalogPDF(t *testing.T) {
	sessions := &fakeSessions{catalogs: map[string]string{
		"Dental Instruments":     "https://x/dental.pdf",
		"Orthopedic Instruments": "https://x/ortho.pdf",
	}}
	svc := newVisualService(&fakeIndex{}, sessions, &echoResponder{}, &fakeChatStore{})

	// Exact catalog name inside the query wins outright.
	got := svc.searchCatalogPDF(context.Background(), "can you show me the dental instruments catalog")
	assert.Equal(t, "https://x/dental.pdf", got)

	// Token overlap of at least half the query tokens.
	got = svc.searchCatalogPDF(context.Background(), "orthopedic catalog")
	assert.Equal(t, "https://x/ortho.pdf", got)

	// Stop words alone never match.
	got = svc.searchCatalogPDF(context.Background(), "can you please show me the file")
	assert.Empty(t, got)

	got = svc.searchCatalogPDF(context.Background(), "suture needles price")
	assert.Empty(t, got)
}

func TestEnrichAnswer_PDFInsertedAfterAffirmation(t *testing.T) {
	svc := newVisualService(&fakeIndex{}, &fakeSessions{}, &echoResponder{}, &fakeChatStore{})

	answer := models.Answer{StartMessage: "Yes, we certainly have this product! It is a mayo scissor."}
	svc.enrichAnswer(&answer, "https://x/dental.pdf", true, false)

	assert.Contains(t, answer.StartMessage, "Yes, we certainly have this product! Technical PDF: https://x/dental.pdf")
}

func TestEnrichAnswer_PDFPrependedWithoutAffirmation(t *testing.T) {
	svc := newVisualService(&fakeIndex{}, &fakeSessions{}, &echoResponder{}, &fakeChatStore{})

	answer := models.Answer{StartMessage: "Here are the closest matches."}
	svc.enrichAnswer(&answer, "https://x/dental.pdf", true, false)

	assert.True(t, len(answer.StartMessage) > 0)
	assert.Contains(t, answer.StartMessage, "Technical PDF: https://x/dental.pdf\n")
}

func TestEnrichAnswer_PDFSkippedWhenAlreadyShown(t *testing.T) {
	svc := newVisualService(&fakeIndex{}, &fakeSessions{}, &echoResponder{}, &fakeChatStore{})

	answer := models.Answer{
		StartMessage: "See the guide",
		CoreMessage: models.CoreMessage{Products: []models.Candidate{
			{Name: "Mayo", URL: "https://x/mayo", PDFURL: "https://x/dental.pdf"},
		}},
	}
	svc.enrichAnswer(&answer, "https://x/dental.pdf", true, false)

	assert.NotContains(t, answer.StartMessage, "Technical PDF")
}

func TestEnrichAnswer_VideoRequestAppendsLink(t *testing.T) {
	svc := newVisualService(&fakeIndex{}, &fakeSessions{}, &echoResponder{}, &fakeChatStore{})

	answer := models.Answer{
		StartMessage: "Here are the matches.",
		MorePrompt:   "Want to see more sizes? (YES/NO)",
	}
	svc.enrichAnswer(&answer, "", false, true)

	assert.Equal(t, "Want to see more sizes?. Watch Videos: https://shop.example/pages/videos", answer.MorePrompt)
	assert.Equal(t, "Click any product to explore more details.", answer.EndMessage)
}

func TestEnrichAnswer_NoRequestsClearsMorePrompt(t *testing.T) {
	svc := newVisualService(&fakeIndex{}, &fakeSessions{}, &echoResponder{}, &fakeChatStore{})

	answer := models.Answer{StartMessage: "Matches below."}
	svc.enrichAnswer(&answer, "https://x/dental.pdf", false, false)

	// PDF found but not asked for: leave the message alone.
	assert.Equal(t, "Matches below.", answer.StartMessage)
	assert.Empty(t, answer.MorePrompt)
}

func TestContainsAnyKeyword(t *testing.T) {
	assert.True(t, containsAnyKeyword("Can I get the PDF brochure?", pdfKeywords))
	assert.True(t, containsAnyKeyword("show me a DEMO video", videoKeywords))
	assert.False(t, containsAnyKeyword("how much is this?", pdfKeywords))
}
