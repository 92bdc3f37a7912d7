package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vetassist/instrubot/config"
	"github.com/vetassist/instrubot/controllers"
	"github.com/vetassist/instrubot/services"
	"github.com/vetassist/instrubot/storage"
)

func main() {
	runServer()
}

func runServer() {
	cfg := config.Load()
	log := newLogger(cfg.Environment)

	chatStore, err := storage.NewChatStore(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer chatStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	chatStore.EnsureIndexes(ctx)
	cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	index := storage.NewSearchIndex(rdb, cfg.SearchIndexName, cfg.SearchTimeout, log)
	sessions := storage.NewSessionStore(rdb, cfg.CatalogHashKey, cfg.SessionTTL)

	embedder := services.NewTextEmbedder(cfg.EmbedBaseURL, cfg.EmbedModel, cfg.EmbedAPIKey)
	if err := embedder.TestConnection(); err != nil {
		log.Warn().Err(err).Msg("embedding service connection test failed")
	} else {
		log.Info().Str("model", cfg.EmbedModel).Msg("connected to embedding service")
	}

	clip := services.NewClipEmbedder(cfg.ClipBaseURL)

	responder := services.NewHTTPResponder(cfg.ResponderBaseURL, cfg.ResponderModel, cfg.ResponderAPIKey)
	if err := responder.TestConnection(); err != nil {
		log.Warn().Err(err).Msg("responder connection test failed")
	} else {
		log.Info().Str("model", cfg.ResponderModel).Msg("connected to responder")
	}

	textSearch := services.NewTextSearchService(index, embedder, chatStore, services.TextSearchConfig{
		SimilarityThreshold: cfg.SimilarityThreshold,
		ExactMaxResults:     cfg.ExactMaxResults,
		CategoryMaxResults:  cfg.CategoryMaxResults,
	}, log)

	visualSearch := services.NewVisualSearchService(index, clip, sessions, responder, chatStore, services.VisualSearchConfig{
		SimilarityThreshold: cfg.ImageSimilarityThreshold,
		MaxResults:          cfg.ImageMaxResults,
		VideoPageURL:        cfg.VideoPageURL,
	}, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(controllers.RequestID())

	chatController := controllers.NewChatController(textSearch, visualSearch, chatStore, log)

	router.GET("/health", chatController.Health)

	api := router.Group("/api")
	{
		api.POST("/chat", chatController.Query)
		api.POST("/chat/image", chatController.ImageQuery)
		api.GET("/chat/history", chatController.History)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Info().Str("addr", addr).
		Str("index", cfg.SearchIndexName).
		Str("environment", cfg.Environment).
		Msg("instrubot server starting")

	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}

func newLogger(environment string) zerolog.Logger {
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
