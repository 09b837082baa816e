package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gwi.com/contract-assistant/internal/chunker"
	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/store"
	"gwi.com/contract-assistant/internal/utils"
)

// IndexResult summarizes one embedding generation.
type IndexResult struct {
	ContractID string `json:"contract_id"`
	ChunkCount int    `json:"chunk_count"`
	// Skipped is set when the stored embeddings were already current.
	Skipped bool `json:"skipped"`
}

type indexOptions struct {
	force bool
}

type IndexOption func(*indexOptions)

// WithForce regenerates even when the stored embeddings are newer than the
// contract, e.g. after switching embedding models.
func WithForce() IndexOption {
	return func(o *indexOptions) { o.force = true }
}

type IndexerConfig struct {
	BatchSize  int
	RatePerSec float64 // embedding requests per second; <= 0 disables pacing
	Dimension  int
	LeaseTTL   time.Duration
}

// EmbeddingService turns a contract into stored embedding records.
type EmbeddingService struct {
	contracts ContractStore
	store     EmbeddingStore
	embedder  llm.Embedder
	chunker   *chunker.Chunker
	limiter   *rate.Limiter
	cfg       IndexerConfig
	logger    *zap.Logger
}

func NewEmbeddingService(contracts ContractStore, es EmbeddingStore, embedder llm.Embedder, ch *chunker.Chunker, cfg IndexerConfig, logger *zap.Logger) *EmbeddingService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &EmbeddingService{
		contracts: contracts,
		store:     es,
		embedder:  embedder,
		chunker:   ch,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		logger:    logger.Named("indexer"),
	}
}

// GenerateEmbeddings chunks and embeds a contract and replaces its stored
// records. Only one regeneration per contract runs at a time across
// processes; a concurrent call fails with errs.ErrRegenerationInProgress.
// Provider failures abort before anything is written.
func (s *EmbeddingService) GenerateEmbeddings(ctx context.Context, contractID string, opts ...IndexOption) (IndexResult, error) {
	var o indexOptions
	for _, opt := range opts {
		opt(&o)
	}
	result := IndexResult{ContractID: contractID}
	log := s.logger.With(zap.String("contract_id", contractID))

	holder := uuid.NewString()
	acquired, err := s.store.AcquireLease(ctx, contractID, holder, s.cfg.LeaseTTL)
	if err != nil {
		return result, fmt.Errorf("failed to acquire embedding lease: %w", err)
	}
	if !acquired {
		return result, errs.ErrRegenerationInProgress
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), contractID, holder); err != nil {
			log.Warn("failed to release embedding lease", zap.Error(err))
		}
	}()

	contract, err := s.contracts.GetContract(ctx, contractID)
	if err != nil {
		return result, err
	}

	embedded, existing, err := s.store.EmbeddedVersion(ctx, contractID)
	if err != nil {
		return result, err
	}
	if !o.force && existing > 0 && !embedded.Before(contract.UpdatedAt) {
		log.Debug("embeddings are current, skipping", zap.Int("chunks", existing))
		result.ChunkCount = existing
		result.Skipped = true
		return result, nil
	}

	started := time.Now()
	chunks := s.chunker.Split(contractID, utils.ContentToPlainText(contract.Content))
	if len(chunks) == 0 {
		if err := s.store.DeleteEmbeddings(ctx, contractID); err != nil {
			return result, err
		}
		log.Info("contract has no text, cleared embeddings")
		return result, nil
	}

	records := make([]store.EmbeddingRecord, 0, len(chunks))
	for start := 0; start < len(chunks); start += s.cfg.BatchSize {
		batch := chunks[start:min(start+s.cfg.BatchSize, len(chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return result, err
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return result, fmt.Errorf("failed to embed chunks %d-%d: %w", start, start+len(batch)-1, err)
		}
		if len(vectors) != len(batch) {
			return result, errs.NewProviderError("embedder", "embed_batch", errs.KindMalformed,
				fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(batch)))
		}

		for i, c := range batch {
			if len(vectors[i]) != s.cfg.Dimension {
				return result, errs.NewConfigurationError("EMBEDDING_DIMENSION",
					"model %s returned %d dimensions, configured %d", s.embedder.ModelName(), len(vectors[i]), s.cfg.Dimension)
			}
			records = append(records, store.EmbeddingRecord{
				ContractID: contractID,
				ChunkIndex: c.Index,
				ChunkText:  c.Text,
				Vector:     vectors[i],
			})
		}
	}

	// Stamped with the revision that was read, so an edit landing while the
	// provider runs still looks newer to the next regeneration.
	if err := s.store.ReplaceEmbeddings(ctx, contractID, contract.UpdatedAt, records); err != nil {
		return result, fmt.Errorf("failed to store embeddings: %w", err)
	}

	result.ChunkCount = len(records)
	log.Info("generated embeddings",
		zap.Int("chunks", len(records)),
		zap.Bool("forced", o.force),
		zap.Duration("took", time.Since(started)))
	return result, nil
}

func (s *EmbeddingService) HasEmbeddings(ctx context.Context, contractID string) (bool, error) {
	n, err := s.store.CountEmbeddings(ctx, contractID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *EmbeddingService) GetEmbeddingCount(ctx context.Context, contractID string) (int, error) {
	return s.store.CountEmbeddings(ctx, contractID)
}

// DeleteEmbeddings drops every record of a contract, for contract deletion.
func (s *EmbeddingService) DeleteEmbeddings(ctx context.Context, contractID string) error {
	return s.store.DeleteEmbeddings(ctx, contractID)
}
