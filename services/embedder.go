package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder converts text into a fixed-length L2-normalized vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ImageEncoder converts raw image bytes into a 512-dim L2-normalized CLIP
// vector.
type ImageEncoder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// TextEmbedder calls an OpenAI-compatible /embeddings endpoint. The "simple"
// model runs a deterministic local hash embedding for development setups
// without an inference service.
type TextEmbedder struct {
	BaseURL string
	Model   string
	APIKey  string
	Client  *http.Client
}

func NewTextEmbedder(baseURL, model, apiKey string) *TextEmbedder {
	return &TextEmbedder{
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *TextEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if e.Model == "simple" {
		return e.simpleEmbedding(text), nil
	}

	reqBody := embeddingRequest{
		Model: e.Model,
		Input: []string{text},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embeddings", strings.TrimSuffix(e.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body))
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding")
	}

	return Normalize(embResp.Data[0].Embedding), nil
}

// simpleEmbedding builds a word-frequency hash embedding. Deterministic and
// cheap, good enough to exercise the pipeline locally.
func (e *TextEmbedder) simpleEmbedding(text string) []float32 {
	words := strings.Fields(strings.ToLower(text))

	embedding := make([]float32, 128)
	if len(words) == 0 {
		return embedding
	}

	wordCounts := make(map[string]int)
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) > 0 {
			wordCounts[word]++
		}
	}

	for word, count := range wordCounts {
		hash := 0
		for _, char := range word {
			hash = hash*31 + int(char)
		}
		pos := (hash & 0x7FFFFFFF) % 128
		embedding[pos] += float32(count) / float32(len(words))
	}

	return Normalize(embedding)
}

// TestConnection checks the embedding service is reachable. Simple mode is
// local and always passes.
func (e *TextEmbedder) TestConnection() error {
	if e.Model == "simple" {
		return nil
	}

	url := fmt.Sprintf("%s/models", strings.TrimSuffix(e.BaseURL, "/"))
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to embeddings API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embeddings API returned status %d", resp.StatusCode)
	}

	return nil
}

// ClipEmbedder calls a CLIP inference sidecar that turns image bytes into a
// 512-dim vector.
type ClipEmbedder struct {
	BaseURL string
	Client  *http.Client
}

func NewClipEmbedder(baseURL string) *ClipEmbedder {
	return &ClipEmbedder{
		BaseURL: baseURL,
		Client: &http.Client{
			// CLIP inference on CPU can be slow for large uploads.
			Timeout: 60 * time.Second,
		},
	}
}

type clipRequest struct {
	Image string `json:"image"` // base64-encoded bytes
}

type clipResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *ClipEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	reqBody := clipRequest{Image: base64.StdEncoding.EncodeToString(image)}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embed/image", strings.TrimSuffix(e.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call CLIP service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("CLIP service error (status %d): %s", resp.StatusCode, string(body))
	}

	var clipResp clipResponse
	if err := json.NewDecoder(resp.Body).Decode(&clipResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(clipResp.Embedding) == 0 {
		return nil, fmt.Errorf("received empty image embedding")
	}

	return Normalize(clipResp.Embedding), nil
}

// Normalize scales a vector to unit L2 norm in place. Zero vectors pass
// through unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
