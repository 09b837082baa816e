package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/store"
)

// ContractWriter is the contract catalog with its write side.
type ContractWriter interface {
	ContractStore
	UpsertContract(ctx context.Context, c store.Contract) error
	DeleteContract(ctx context.Context, id string) error
}

// IndexScheduler queues embedding regenerations without waiting for them.
type IndexScheduler interface {
	Enqueue(contractID string, opts ...IndexOption) (*IndexTask, error)
}

type ContractInput struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"` // HTML
}

type ImportResult struct {
	Contract store.Contract `json:"contract"`
	// Changed is false when title and content matched the stored revision.
	Changed bool `json:"changed"`
	// Indexing is the queued regeneration, nil when it could not be queued.
	Indexing      *TaskStatus `json:"indexing,omitempty"`
	IndexingError string      `json:"indexing_error,omitempty"`
}

// ContractService imports, edits and deletes contracts and keeps their
// embeddings in step.
type ContractService struct {
	contracts  ContractWriter
	embeddings EmbeddingStore
	scheduler  IndexScheduler
	leaseTTL   time.Duration
	logger     *zap.Logger
}

func NewContractService(contracts ContractWriter, embeddings EmbeddingStore, scheduler IndexScheduler, leaseTTL time.Duration, logger *zap.Logger) *ContractService {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &ContractService{
		contracts:  contracts,
		embeddings: embeddings,
		scheduler:  scheduler,
		leaseTTL:   leaseTTL,
		logger:     logger.Named("contracts"),
	}
}

// Import creates or updates a contract of the caller's company and queues
// its re-indexing. A contract id owned by another company is reported as
// not found.
func (s *ContractService) Import(ctx context.Context, user UserContext, in ContractInput) (ImportResult, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case user.CompanyID == "":
		return ImportResult{}, fmt.Errorf("%w: caller has no company", errs.ErrInvalidInput)
	case in.ID == "":
		return ImportResult{}, fmt.Errorf("%w: contract id is required", errs.ErrInvalidInput)
	case in.Title == "":
		return ImportResult{}, fmt.Errorf("%w: contract title is required", errs.ErrInvalidInput)
	}
	log := s.logger.With(zap.String("contract_id", in.ID), zap.String("company_id", user.CompanyID))

	existing, err := s.contracts.GetContract(ctx, in.ID)
	switch {
	case errs.IsNotFound(err):
		existing = nil
	case err != nil:
		return ImportResult{}, err
	case existing.CompanyID != user.CompanyID:
		return ImportResult{}, errs.NotFound("contract", in.ID)
	}

	result := ImportResult{Changed: true}
	if existing != nil && existing.Title == in.Title && existing.Content == in.Content {
		result.Contract = *existing
		result.Changed = false
	} else {
		result.Contract = store.Contract{
			ID:        in.ID,
			Title:     in.Title,
			CompanyID: user.CompanyID,
			Content:   in.Content,
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.contracts.UpsertContract(ctx, result.Contract); err != nil {
			return ImportResult{}, err
		}
	}

	task, err := s.scheduler.Enqueue(in.ID)
	if err != nil {
		// The contract is saved; a later reindex picks it up.
		log.Warn("failed to queue embedding regeneration", zap.Error(err))
		result.IndexingError = err.Error()
	} else {
		status := task.Status()
		result.Indexing = &status
	}
	log.Info("contract imported", zap.Bool("changed", result.Changed), zap.Bool("queued", task != nil))
	return result, nil
}

// Delete removes a contract of the caller's company and every embedding
// derived from it. It fails with errs.ErrRegenerationInProgress while a
// regeneration holds the contract.
func (s *ContractService) Delete(ctx context.Context, user UserContext, contractID string) error {
	c, err := s.contracts.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if user.CompanyID == "" || c.CompanyID != user.CompanyID {
		return errs.NotFound("contract", contractID)
	}

	holder := uuid.NewString()
	acquired, err := s.embeddings.AcquireLease(ctx, contractID, holder, s.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire embedding lease: %w", err)
	}
	if !acquired {
		return errs.ErrRegenerationInProgress
	}
	defer func() {
		if err := s.embeddings.ReleaseLease(context.WithoutCancel(ctx), contractID, holder); err != nil {
			s.logger.Warn("failed to release embedding lease", zap.String("contract_id", contractID), zap.Error(err))
		}
	}()

	// Embeddings go first: a contract left without them is repaired by a
	// reindex, orphaned vectors are never found again.
	if err := s.embeddings.DeleteEmbeddings(ctx, contractID); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	if err := s.contracts.DeleteContract(ctx, contractID); err != nil {
		return err
	}
	s.logger.Info("contract deleted", zap.String("contract_id", contractID))
	return nil
}
