package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vetassist/instrubot/models"
)

// Responder turns retrieved product context into a conversational answer.
// Implementations must return a fully-populated Answer or an error; the
// search services fall back to canned shapes on failure. A non-nil image is
// attached to the request for visual queries.
type Responder interface {
	ComposeAnswer(ctx context.Context, question, history string, image []byte, products []models.Candidate) (models.Answer, error)
}

// HTTPResponder calls an OpenAI-compatible chat-completions endpoint in JSON
// mode and parses the structured answer out of the reply.
type HTTPResponder struct {
	BaseURL string
	Model   string
	APIKey  string
	Client  *http.Client
}

func NewHTTPResponder(baseURL, model, apiKey string) *HTTPResponder {
	return &HTTPResponder{
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: 120 * time.Second, // longer timeout for generation
		},
	}
}

// chatMessage content is a plain string for text-only turns or a list of
// contentParts when an image rides along.
type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const composeSystemPrompt = `You are a professional veterinary instrument specialist.
Analyze the retrieved product matches (and the provided image, if any) to identify and explain products.
You MUST always respond with a single valid JSON object of this shape:
{"start_message": "...", "core_message": {"product": [], "options": []}, "end_message": "...", "more_prompt": "..."}
Keep start_message and end_message short and friendly. Echo the provided products into core_message.product unchanged.
If a match is near-certain (similarity >= 0.85), begin with "Yes, we certainly have this product!".
If no product is a veterinary instrument, say so plainly.
Set core_message.options to ["Yes", "No"] when you ask the user a yes/no question, otherwise leave it empty.`

func (r *HTTPResponder) ComposeAnswer(ctx context.Context, question, history string, image []byte, products []models.Candidate) (models.Answer, error) {
	userPrompt, err := buildComposePrompt(question, history, products)
	if err != nil {
		return models.Answer{}, err
	}

	userContent := interface{}(userPrompt)
	if len(image) > 0 {
		imagePart := contentPart{Type: "image_url"}
		imagePart.ImageURL = &struct {
			URL string `json:"url"`
		}{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)}
		userContent = []contentPart{
			{Type: "text", Text: userPrompt},
			imagePart,
		}
	}

	reqBody := chatRequest{
		Model: r.Model,
		Messages: []chatMessage{
			{Role: "system", Content: composeSystemPrompt},
			{Role: "user", Content: userContent},
		},
		MaxTokens: 4096,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return models.Answer{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(r.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return models.Answer{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return models.Answer{}, fmt.Errorf("failed to call chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return models.Answer{}, fmt.Errorf("chat API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return models.Answer{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return models.Answer{}, fmt.Errorf("received empty completion")
	}

	answer, err := ParseAnswerJSON(chatResp.Choices[0].Message.Content)
	if err != nil {
		return models.Answer{}, err
	}

	// The model occasionally drops or reorders products; the retrieved set is
	// authoritative.
	answer.CoreMessage.Products = products
	return answer, nil
}

func buildComposePrompt(question, history string, products []models.Candidate) (string, error) {
	productJSON, err := json.Marshal(products)
	if err != nil {
		return "", fmt.Errorf("failed to marshal products: %w", err)
	}

	var sb strings.Builder
	if history != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(history)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Retrieved products:\n")
	sb.Write(productJSON)
	sb.WriteString("\n\nUser question: ")
	sb.WriteString(question)
	return sb.String(), nil
}

// ParseAnswerJSON decodes an answer payload from model output, tolerating
// the usual markdown code fences around the JSON.
func ParseAnswerJSON(raw string) (models.Answer, error) {
	clean := strings.TrimSpace(raw)
	if strings.HasPrefix(clean, "```") {
		clean = strings.TrimPrefix(clean, "```json")
		clean = strings.TrimPrefix(clean, "```")
		clean = strings.TrimSuffix(strings.TrimSpace(clean), "```")
		clean = strings.TrimSpace(clean)
	}

	var answer models.Answer
	if err := json.Unmarshal([]byte(clean), &answer); err != nil {
		return models.Answer{}, fmt.Errorf("failed to parse answer JSON: %w", err)
	}
	return answer, nil
}

// TestConnection checks the chat endpoint is reachable.
func (r *HTTPResponder) TestConnection() error {
	url := fmt.Sprintf("%s/models", strings.TrimSuffix(r.BaseURL, "/"))
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to chat API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}

	return nil
}
