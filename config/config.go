package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SearchIndexName string
	CatalogHashKey  string

	EmbedBaseURL string // OpenAI-compatible /embeddings endpoint
	EmbedModel   string
	EmbedAPIKey  string

	ClipBaseURL string // CLIP sidecar for image vectors

	ResponderBaseURL string
	ResponderModel   string
	ResponderAPIKey  string

	VideoPageURL string

	Port        string
	Environment string

	// Ranking knobs. Defaults match the production index; tests override
	// them through the service configs.
	SimilarityThreshold      float64
	ImageSimilarityThreshold float64
	ExactMaxResults          int
	CategoryMaxResults       int
	ImageMaxResults          int

	SessionTTL    time.Duration
	SearchTimeout time.Duration
}

func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	getEnv := func(key, defaultValue string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		return defaultValue
	}

	getEnvInt := func(key string, defaultValue int) int {
		valueStr := os.Getenv(key)
		if valueStr == "" {
			return defaultValue
		}
		value, err := strconv.Atoi(valueStr)
		if err != nil {
			return defaultValue
		}
		return value
	}

	getEnvFloat := func(key string, defaultValue float64) float64 {
		valueStr := os.Getenv(key)
		if valueStr == "" {
			return defaultValue
		}
		value, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return defaultValue
		}
		return value
	}

	return &Config{
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "instrubot"),
		MongoCollection: getEnv("MONGO_COLLECTION", "messages"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		SearchIndexName: getEnv("SEARCH_INDEX_NAME", "idx"),
		CatalogHashKey:  getEnv("CATALOG_HASH_KEY", "instrubot:catalogs"),

		EmbedBaseURL: getEnv("EMBED_BASE_URL", "http://localhost:11434"),
		EmbedModel:   getEnv("EMBED_MODEL", "simple"),
		EmbedAPIKey:  getEnv("EMBED_API_KEY", ""),

		ClipBaseURL: getEnv("CLIP_BASE_URL", "http://localhost:8093"),

		ResponderBaseURL: getEnv("RESPONDER_BASE_URL", "http://localhost:11434"),
		ResponderModel:   getEnv("RESPONDER_MODEL", "gpt-4o"),
		ResponderAPIKey:  getEnv("RESPONDER_API_KEY", ""),

		VideoPageURL: getEnv("VIDEO_PAGE_URL", ""),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		SimilarityThreshold:      getEnvFloat("SIMILARITY_THRESHOLD", 0.65),
		ImageSimilarityThreshold: getEnvFloat("IMAGE_SIMILARITY_THRESHOLD", 0.2),
		ExactMaxResults:          getEnvInt("EXACT_MAX_RESULTS", 10),
		CategoryMaxResults:       getEnvInt("CATEGORY_MAX_RESULTS", 15),
		ImageMaxResults:          getEnvInt("IMAGE_MAX_RESULTS", 20),

		SessionTTL:    time.Duration(getEnvInt("SESSION_TTL_SECONDS", 1800)) * time.Second,
		SearchTimeout: time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 5)) * time.Second,
	}
}
