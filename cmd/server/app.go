package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/chunker"
	"gwi.com/contract-assistant/internal/config"
	"gwi.com/contract-assistant/internal/core"
	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/logging"
	"gwi.com/contract-assistant/internal/store"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	store      *store.SQLiteStore
	embeddings core.EmbeddingStore
	vectors    core.VectorIndex
	chunks     core.ChunkSource

	embedder  llm.Embedder
	completer llm.Completer

	indexer   *core.EmbeddingService
	access    *core.TenantAccessPolicy
	retriever *core.ResilientRetriever

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.store = db
	a.embeddings, a.vectors, a.chunks = db, db, db

	if cfg.VectorBackend == "pgvector" {
		pg, err := store.NewPGVectorStore(ctx, cfg.PGVectorURL, cfg.EmbeddingDim)
		if err != nil {
			return fmt.Errorf("failed to initialize pgvector: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.embeddings, a.vectors, a.chunks = pg, pg, pg
	}

	if err := a.wireProviders(ctx); err != nil {
		return err
	}

	ch, err := chunker.New(chunker.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap})
	if err != nil {
		return err
	}
	a.indexer = core.NewEmbeddingService(db, a.embeddings, a.embedder, ch, core.IndexerConfig{
		BatchSize:  cfg.EmbeddingBatchSize,
		RatePerSec: cfg.EmbeddingRatePerSec,
		Dimension:  cfg.EmbeddingDim,
		LeaseTTL:   cfg.IndexLeaseTTL,
	}, a.logger)
	a.access = core.NewTenantAccessPolicy(db)
	a.retriever = core.NewResilientRetriever(
		core.NewVectorRetriever(a.embedder, a.vectors, cfg.EmbeddingDim),
		core.NewLexicalRetriever(a.chunks),
		a.logger,
	)
	return nil
}

// wireProviders builds the embedder and completer. A single Gemini client
// serves both roles when both are configured for Gemini.
func (a *app) wireProviders(ctx context.Context) error {
	cfg := a.cfg
	var gemini *llm.Gemini
	geminiClient := func() (*llm.Gemini, error) {
		if gemini != nil {
			return gemini, nil
		}
		g, err := llm.NewGemini(ctx, llm.Options{
			APIKey:         cfg.GeminiAPIKey,
			ChatModel:      chatModelFor(cfg, "gemini"),
			EmbeddingModel: embeddingModelFor(cfg, "gemini"),
			Dimensions:     cfg.EmbeddingDim,
			Timeout:        cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, g.Close)
		gemini = g
		return g, nil
	}

	switch cfg.EmbeddingProvider {
	case "gemini":
		g, err := geminiClient()
		if err != nil {
			return err
		}
		a.embedder = g
	case "openai":
		a.embedder = llm.NewOpenAI(llm.Options{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimensions:     cfg.EmbeddingDim,
			Timeout:        cfg.ProviderTimeout,
		})
	default:
		return errs.NewConfigurationError("EMBEDDING_PROVIDER", "unsupported provider %q", cfg.EmbeddingProvider)
	}

	switch cfg.LLMProvider {
	case "gemini":
		g, err := geminiClient()
		if err != nil {
			return err
		}
		a.completer = g
	case "openai":
		a.completer = llm.NewOpenAI(llm.Options{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			ChatModel: cfg.ChatModel,
			Timeout:   cfg.ProviderTimeout,
		})
	case "anthropic":
		a.completer = llm.NewAnthropic(llm.Options{
			APIKey:    cfg.AnthropicAPIKey,
			ChatModel: cfg.ChatModel,
			Timeout:   cfg.ProviderTimeout,
		})
	default:
		return errs.NewConfigurationError("LLM_PROVIDER", "unsupported provider %q", cfg.LLMProvider)
	}

	embeddingModel := a.embedder.ModelName()
	if m, ok := a.embedder.(interface{ EmbeddingModelName() string }); ok {
		embeddingModel = m.EmbeddingModelName()
	}
	a.logger.Info("providers configured",
		zap.String("llm_provider", cfg.LLMProvider),
		zap.String("chat_model", a.completer.ModelName()),
		zap.String("embedding_provider", cfg.EmbeddingProvider),
		zap.String("embedding_model", embeddingModel),
		zap.Int("embedding_dimension", cfg.EmbeddingDim),
		zap.String("vector_backend", cfg.VectorBackend))
	return nil
}

// chatModelFor returns CHAT_MODEL only when provider serves chat, so a
// Gemini client built for embeddings keeps its default chat model.
func chatModelFor(cfg config.Config, provider string) string {
	if cfg.LLMProvider != provider {
		return ""
	}
	return cfg.ChatModel
}

func embeddingModelFor(cfg config.Config, provider string) string {
	if cfg.EmbeddingProvider != provider {
		return ""
	}
	return cfg.EmbeddingModel
}

func (a *app) newQueue(capacity int) *core.IndexQueue {
	return core.NewIndexQueue(a.indexer, a.cfg.IndexWorkers, capacity, a.logger)
}

// newContractService deletes embeddings through the configured vector
// backend, not only the SQLite catalog.
func (a *app) newContractService(queue *core.IndexQueue) *core.ContractService {
	return core.NewContractService(a.store, a.embeddings, queue, a.cfg.IndexLeaseTTL, a.logger)
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}
