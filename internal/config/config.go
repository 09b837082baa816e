package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"gwi.com/contract-assistant/internal/chunker"
	"gwi.com/contract-assistant/internal/errs"
)

type Config struct {
	GeminiAPIKey    string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OpenAIBaseURL   string // OpenAI-compatible endpoint; empty for api.openai.com

	LLMProvider       string // gemini | openai | anthropic
	EmbeddingProvider string // gemini | openai
	ChatModel         string
	EmbeddingModel    string
	EmbeddingDim      int

	DatabaseURL   string
	VectorBackend string // sqlite | pgvector
	PGVectorURL   string

	HTTPPort  string
	LogLevel  string
	JWTSecret string

	ChunkSize    int
	ChunkOverlap int

	EmbeddingBatchSize  int
	EmbeddingRatePerSec float64
	ProviderTimeout     time.Duration
	IndexWorkers        int
	IndexLeaseTTL       time.Duration

	SearchTopK             int
	SearchMinScore         float64
	AggregatorMaxContracts int
	AggregatorConcurrency  int

	ChatTokenBudget  int
	ChatHistoryLimit int
	ChatMaxRetries   int
}

var AppConfig Config

// LoadConfig reads the environment (and .env when present) into AppConfig.
// It does not validate; callers run Validate before wiring components.
func LoadConfig() Config {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),

		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		EmbeddingProvider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", "gemini")),
		ChatModel:         getEnv("CHAT_MODEL", ""),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", ""),
		EmbeddingDim:      getEnvAsInt("EMBEDDING_DIMENSION", 768),

		DatabaseURL:   getEnv("DATABASE_URL", "contract_assistant.db"),
		VectorBackend: strings.ToLower(getEnv("VECTOR_BACKEND", "sqlite")),
		PGVectorURL:   getEnv("PGVECTOR_URL", ""),

		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		ChunkSize:    getEnvAsInt("CHUNK_SIZE", chunker.DefaultChunkSize),
		ChunkOverlap: getEnvAsInt("CHUNK_OVERLAP", chunker.DefaultChunkOverlap),

		EmbeddingBatchSize:  getEnvAsInt("EMBEDDING_BATCH_SIZE", 16),
		EmbeddingRatePerSec: getEnvAsFloat("EMBEDDING_RATE_PER_SEC", 25), // 1500/min
		ProviderTimeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		IndexWorkers:        getEnvAsInt("INDEX_WORKERS", 2),
		IndexLeaseTTL:       getEnvAsDuration("INDEX_LEASE_TTL", 10*time.Minute),

		SearchTopK:             getEnvAsInt("SEARCH_TOP_K", 8),
		SearchMinScore:         getEnvAsFloat("SEARCH_MIN_SCORE", 0.3),
		AggregatorMaxContracts: getEnvAsInt("AGGREGATOR_MAX_CONTRACTS", 5),
		AggregatorConcurrency:  getEnvAsInt("AGGREGATOR_CONCURRENCY", 4),

		ChatTokenBudget:  getEnvAsInt("CHAT_TOKEN_BUDGET", 6000),
		ChatHistoryLimit: getEnvAsInt("CHAT_HISTORY_LIMIT", 20),
		ChatMaxRetries:   getEnvAsInt("CHAT_MAX_RETRIES", 2),
	}
	return AppConfig
}

// Validate reports the first invalid setting as an errs.ConfigurationError.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errs.NewConfigurationError("JWT_SECRET", "is required")
	}
	if err := (chunker.Config{Size: c.ChunkSize, Overlap: c.ChunkOverlap}).Validate(); err != nil {
		return err
	}
	if c.EmbeddingDim <= 0 {
		return errs.NewConfigurationError("EMBEDDING_DIMENSION", "must be positive, got %d", c.EmbeddingDim)
	}

	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errs.NewConfigurationError("GEMINI_API_KEY", "is required when LLM_PROVIDER=gemini")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errs.NewConfigurationError("OPENAI_API_KEY", "is required when LLM_PROVIDER=openai")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return errs.NewConfigurationError("ANTHROPIC_API_KEY", "is required when LLM_PROVIDER=anthropic")
		}
	default:
		return errs.NewConfigurationError("LLM_PROVIDER", "unsupported provider %q", c.LLMProvider)
	}

	switch c.EmbeddingProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errs.NewConfigurationError("GEMINI_API_KEY", "is required when EMBEDDING_PROVIDER=gemini")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errs.NewConfigurationError("OPENAI_API_KEY", "is required when EMBEDDING_PROVIDER=openai")
		}
	default:
		return errs.NewConfigurationError("EMBEDDING_PROVIDER", "unsupported provider %q", c.EmbeddingProvider)
	}

	switch c.VectorBackend {
	case "sqlite":
	case "pgvector":
		if c.PGVectorURL == "" {
			return errs.NewConfigurationError("PGVECTOR_URL", "is required when VECTOR_BACKEND=pgvector")
		}
	default:
		return errs.NewConfigurationError("VECTOR_BACKEND", "unsupported backend %q", c.VectorBackend)
	}

	if c.EmbeddingBatchSize <= 0 {
		return errs.NewConfigurationError("EMBEDDING_BATCH_SIZE", "must be positive")
	}
	if c.IndexWorkers <= 0 {
		return errs.NewConfigurationError("INDEX_WORKERS", "must be positive")
	}
	if c.IndexLeaseTTL <= 0 {
		return errs.NewConfigurationError("INDEX_LEASE_TTL", "must be positive")
	}
	if c.SearchTopK <= 0 {
		return errs.NewConfigurationError("SEARCH_TOP_K", "must be positive")
	}
	if c.AggregatorMaxContracts <= 0 || c.AggregatorConcurrency <= 0 {
		return errs.NewConfigurationError("AGGREGATOR_MAX_CONTRACTS", "aggregator limits must be positive")
	}
	if c.ChatTokenBudget <= 0 {
		return errs.NewConfigurationError("CHAT_TOKEN_BUDGET", "must be positive")
	}
	if c.ChatMaxRetries < 0 {
		return errs.NewConfigurationError("CHAT_MAX_RETRIES", "must not be negative")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
