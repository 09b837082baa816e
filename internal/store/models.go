package store

import "time"

// Contract is the read model of a contract owned by the contract service.
type Contract struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CompanyID string    `json:"company_id"`
	Content   string    `json:"-"` // HTML
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingRecord is one embedded chunk of a contract.
type EmbeddingRecord struct {
	ContractID string    `json:"contract_id"`
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"-"`
	ChunkText  string    `json:"chunk_text"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	// SourceVersion is the contract's UpdatedAt when the chunk was embedded.
	SourceVersion time.Time `json:"source_version"`
}

// ChunkText is a stored chunk without its vector, read by the lexical fallback.
type ChunkText struct {
	ContractID string
	ChunkIndex int
	Text       string
}

// ScoredChunk is a similarity hit returned by a vector backend.
type ScoredChunk struct {
	ContractID string
	ChunkIndex int
	Text       string
	Score      float64
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	ID         int64     `json:"id"` // store sequence, orders messages within a session
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"-"`
	ContractID *string   `json:"contract_id,omitempty"`
	Role       string    `json:"role"` // "user" or "assistant"
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionScope is the (user, contract) pair a session was opened under.
type SessionScope struct {
	SessionID  string
	UserID     string
	ContractID *string
}
