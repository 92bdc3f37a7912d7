package models

import (
	"encoding/json"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Question is what the user sent: text, an image reference, or both.
type Question struct {
	Text  string `bson:"text,omitempty" json:"text,omitempty"`
	Image string `bson:"image,omitempty" json:"image,omitempty"`
}

// MessageContent wraps either side of an exchange. User messages carry a
// question, assistant messages carry the structured answer.
type MessageContent struct {
	Question *Question `bson:"question,omitempty" json:"question,omitempty"`
	Answer   *Answer   `bson:"answer,omitempty" json:"answer,omitempty"`
}

// ChatMessage is one entry of the append-only conversation log.
type ChatMessage struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID    string             `bson:"user_id,omitempty" json:"user_id,omitempty"`
	UserEmail string             `bson:"user_email" json:"user_email"`
	Role      Role               `bson:"role" json:"role"`
	Content   MessageContent     `bson:"content" json:"content"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// NewUserMessage builds a user log entry. Empty text/image fields are omitted.
func NewUserMessage(userID, email, text, image string) ChatMessage {
	msg := ChatMessage{
		UserID:    userID,
		UserEmail: email,
		Role:      RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	if text != "" || image != "" {
		msg.Content.Question = &Question{Text: text, Image: image}
	}
	return msg
}

// NewAssistantMessage builds an assistant log entry around an answer payload.
func NewAssistantMessage(userID, email string, answer Answer) ChatMessage {
	return ChatMessage{
		UserID:    userID,
		UserEmail: email,
		Role:      RoleAssistant,
		Content:   MessageContent{Answer: &answer},
		CreatedAt: time.Now().UTC(),
	}
}

// CoreMessage is the structured body of an answer. Text search fills products
// and categories; the visual path fills products and yes/no options.
type CoreMessage struct {
	Products   []Candidate     `json:"product" bson:"product"`
	Categories []CategoryMatch `json:"categories,omitempty" bson:"categories,omitempty"`
	Options    []string        `json:"options,omitempty" bson:"options,omitempty"`
}

// Answer is the structured payload returned to the caller and persisted in
// the conversation log.
type Answer struct {
	StartMessage string      `json:"start_message" bson:"start_message"`
	CoreMessage  CoreMessage `json:"core_message" bson:"core_message"`
	EndMessage   string      `json:"end_message,omitempty" bson:"end_message,omitempty"`
	MorePrompt   string      `json:"more_prompt,omitempty" bson:"more_prompt,omitempty"`
}

// SearchResponse is the envelope the HTTP layer returns per query.
type SearchResponse struct {
	Message        string `json:"message"`
	Data           Answer `json:"data"`
	ShowPagination bool   `json:"show_pagination"`
}

// FormatHistory flattens log entries into User:/Assistant: lines for prompt
// context. Assistant answers are reduced to their start message so the blob
// stays readable.
func FormatHistory(messages []ChatMessage) string {
	var lines []string
	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			if q := m.Content.Question; q != nil {
				var parts []string
				if q.Text != "" {
					parts = append(parts, q.Text)
				}
				if q.Image != "" {
					parts = append(parts, "[Image: "+q.Image+"]")
				}
				if len(parts) > 0 {
					lines = append(lines, "User: "+strings.Join(parts, " "))
				}
			}
		case RoleAssistant:
			if a := m.Content.Answer; a != nil {
				content := a.StartMessage
				if content == "" {
					if data, err := json.Marshal(a); err == nil {
						content = string(data)
					}
				}
				lines = append(lines, "Assistant: "+content)
			}
		}
	}
	return strings.Join(lines, "\n")
}
