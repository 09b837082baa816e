package core

import (
	"context"
	"time"

	"gwi.com/contract-assistant/internal/store"
)

// UserContext identifies the caller. CompanyID is the tenant whose contracts
// the user may read.
type UserContext struct {
	UserID    string
	CompanyID string
}

type ContractStore interface {
	GetContract(ctx context.Context, id string) (*store.Contract, error)
	ListContractIDsByCompany(ctx context.Context, companyID string) ([]string, error)
}

// EmbeddingStore persists embedding records and the per-contract
// regeneration lease.
type EmbeddingStore interface {
	ReplaceEmbeddings(ctx context.Context, contractID string, sourceVersion time.Time, records []store.EmbeddingRecord) error
	DeleteEmbeddings(ctx context.Context, contractID string) error
	CountEmbeddings(ctx context.Context, contractID string) (int, error)
	// EmbeddedVersion is the contract UpdatedAt the stored records were built from.
	EmbeddedVersion(ctx context.Context, contractID string) (time.Time, int, error)
	AcquireLease(ctx context.Context, contractID, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, contractID, holder string) error
}

// VectorIndex answers nearest-neighbour queries. An empty contractIDs slice
// means every contract; callers in this package never pass one. A positive
// perContract caps the hits returned for any single contract.
type VectorIndex interface {
	SearchSimilar(ctx context.Context, query []float32, contractIDs []string, limit, perContract int) ([]store.ScoredChunk, error)
}

// ChunkSource lists stored chunk text for the lexical fallback.
type ChunkSource interface {
	ListChunks(ctx context.Context, contractIDs []string) ([]store.ChunkText, error)
}

type ChatStore interface {
	AppendExchange(ctx context.Context, userMsg, assistantMsg *store.ChatMessage) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error)
	GetSessionScope(ctx context.Context, sessionID string) (*store.SessionScope, error)
	DeleteSessionMessages(ctx context.Context, sessionID string) error
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	GetSessionTitle(ctx context.Context, sessionID string) (string, error)
}

// AccessPolicy decides which contracts a user may read.
type AccessPolicy interface {
	IsAccessible(ctx context.Context, user UserContext, contractID string) (bool, error)
	AccessibleContractIDs(ctx context.Context, user UserContext) ([]string, error)
}
