package controllers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vetassist/instrubot/models"
	"github.com/vetassist/instrubot/services"
)

// maxImageBytes caps image uploads at 10 MiB.
const maxImageBytes = 10 << 20

type ChatController struct {
	text   *services.TextSearchService
	visual *services.VisualSearchService
	chats  services.MessageStore
	log    zerolog.Logger
}

func NewChatController(text *services.TextSearchService, visual *services.VisualSearchService, chats services.MessageStore, log zerolog.Logger) *ChatController {
	return &ChatController{
		text:   text,
		visual: visual,
		chats:  chats,
		log:    log.With().Str("component", "chat_controller").Logger(),
	}
}

// RequestID tags every request with a uuid for log correlation.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

type chatRequest struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email" binding:"required"`
	Question  string `json:"question" binding:"required"`
}

// Query handles a text product question.
func (cc *ChatController) Query(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	resp := cc.text.AnswerQuestion(c.Request.Context(), req.UserID, req.UserEmail, req.Question)
	c.JSON(http.StatusOK, resp)
}

// ImageQuery handles a visual question: multipart form with an optional
// image file, optional question text, and the user identity fields. A
// missing image means a follow-up about the previously uploaded one.
func (cc *ChatController) ImageQuery(c *gin.Context) {
	userEmail := c.PostForm("user_email")
	if userEmail == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_email is required"})
		return
	}
	userID := c.PostForm("user_id")
	if userID == "" {
		userID = userEmail
	}
	question := c.PostForm("question")

	var image []byte
	if file, err := c.FormFile("image"); err == nil {
		if file.Size > maxImageBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Image too large"})
			return
		}

		src, err := file.Open()
		if err != nil {
			cc.log.Warn().Err(err).Msg("failed to open uploaded image")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
			return
		}
		defer src.Close()

		image, err = io.ReadAll(src)
		if err != nil {
			cc.log.Warn().Err(err).Msg("failed to read uploaded image")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read image"})
			return
		}
	}

	if len(image) == 0 && question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provide an image, a question, or both"})
		return
	}

	resp := cc.visual.AnswerQuestion(c.Request.Context(), userID, userEmail, image, question)
	c.JSON(http.StatusOK, resp)
}

// History returns the user's recent log entries, oldest first.
func (cc *ChatController) History(c *gin.Context) {
	userEmail := c.Query("user_email")
	if userEmail == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_email is required"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	messages, err := cc.chats.ReadRecent(c.Request.Context(), userEmail, limit)
	if err != nil {
		cc.log.Error().Err(err).Str("user", userEmail).Msg("failed to read history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve history"})
		return
	}

	if messages == nil {
		messages = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Health is the liveness probe.
func (cc *ChatController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
