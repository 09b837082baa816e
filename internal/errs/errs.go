// Package errs defines the error taxonomy shared by the retrieval and chat core.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrRegenerationInProgress is returned when another worker holds the
	// embedding lease for a contract.
	ErrRegenerationInProgress = errors.New("embedding regeneration in progress")

	// ErrMessageTooLarge is returned when a user message alone exceeds the prompt token budget.
	ErrMessageTooLarge = errors.New("message exceeds token budget")

	// ErrSessionScopeMismatch is returned when a session id is reused with a different contract scope.
	ErrSessionScopeMismatch = errors.New("session belongs to a different contract scope")

	// ErrInvalidInput indicates malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigurationError is fatal: invalid chunking parameters, mismatched
// embedding dimensions, missing provider credentials.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError with a formatted reason.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// NotFoundError reports a missing contract or chat session.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// NotFound is a shorthand constructor.
func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// PreconditionError is returned when grounding was requested but cannot be
// provided, e.g. the contract has not been indexed yet.
type PreconditionError struct {
	Code   string
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// EmbeddingsRequired is the precondition raised for RAG on an unindexed contract.
func EmbeddingsRequired(contractID string) *PreconditionError {
	return &PreconditionError{
		Code:   "embeddings_required",
		Reason: fmt.Sprintf("contract %q has no embeddings; generate embeddings before asking grounded questions", contractID),
	}
}

// ProviderKind classifies an embedding or completion provider failure.
type ProviderKind string

const (
	KindAuth      ProviderKind = "auth"
	KindQuota     ProviderKind = "quota"
	KindRateLimit ProviderKind = "rate_limit"
	KindTimeout   ProviderKind = "timeout"
	KindTransient ProviderKind = "transient"
	KindMalformed ProviderKind = "malformed"
	KindUnknown   ProviderKind = "unknown"
)

// ProviderError wraps a failure from an external model provider.
type ProviderError struct {
	Provider  string
	Op        string
	Kind      ProviderKind
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure is a network-level condition that may
// be retried automatically. Rate limits are retryable by the caller but are not
// retried in-process.
func (e *ProviderError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransient
}

// NewProviderError builds a ProviderError and derives Retryable from kind.
func NewProviderError(provider, op string, kind ProviderKind, err error) *ProviderError {
	retryable := false
	switch kind {
	case KindTimeout, KindTransient, KindRateLimit:
		retryable = true
	}
	return &ProviderError{Provider: provider, Op: op, Kind: kind, Retryable: retryable, Err: err}
}

// AsProvider extracts a ProviderError from err.
func AsProvider(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
