package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/auth"
	"gwi.com/contract-assistant/internal/core"
	"gwi.com/contract-assistant/internal/errs"
)

// Chatter runs conversational turns and manages session history.
type Chatter interface {
	Chat(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error)
	History(ctx context.Context, user core.UserContext, sessionID string) (core.SessionHistory, error)
	DeleteHistory(ctx context.Context, user core.UserContext, sessionID string) error
}

// EmbeddingManager generates and inspects contract embeddings.
type EmbeddingManager interface {
	GenerateEmbeddings(ctx context.Context, contractID string, opts ...core.IndexOption) (core.IndexResult, error)
	GetEmbeddingCount(ctx context.Context, contractID string) (int, error)
	DeleteEmbeddings(ctx context.Context, contractID string) error
}

// ContractManager imports, edits and deletes contracts.
type ContractManager interface {
	Import(ctx context.Context, user core.UserContext, in core.ContractInput) (core.ImportResult, error)
	Delete(ctx context.Context, user core.UserContext, contractID string) error
}

// TaskQueue schedules background embedding generation.
type TaskQueue interface {
	Enqueue(contractID string, opts ...core.IndexOption) (*core.IndexTask, error)
	Status(contractID string) (core.TaskStatus, bool)
}

type APIHandler struct {
	chat       Chatter
	contracts  ContractManager
	embeddings EmbeddingManager
	queue      TaskQueue
	retriever  core.Retriever
	access     core.AccessPolicy
	jwtSecret  string
	searchTopK int
	logger     *zap.Logger
}

type HandlerDeps struct {
	Chat       Chatter
	Contracts  ContractManager
	Embeddings EmbeddingManager
	Queue      TaskQueue
	Retriever  core.Retriever
	Access     core.AccessPolicy
	JWTSecret  string
	SearchTopK int
}

func NewAPIHandler(deps HandlerDeps, logger *zap.Logger) *APIHandler {
	if deps.SearchTopK <= 0 {
		deps.SearchTopK = 5
	}
	return &APIHandler{
		chat:       deps.Chat,
		contracts:  deps.Contracts,
		embeddings: deps.Embeddings,
		queue:      deps.Queue,
		retriever:  deps.Retriever,
		access:     deps.Access,
		jwtSecret:  deps.JWTSecret,
		searchTopK: deps.SearchTopK,
		logger:     logger.Named("api"),
	}
}

type ctxKey struct{}

func withUser(ctx context.Context, user core.UserContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// userFrom returns the authenticated caller. Only valid behind JWTAuthMiddleware.
func userFrom(ctx context.Context) core.UserContext {
	user, _ := ctx.Value(ctxKey{}).(core.UserContext)
	return user
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Authorization header is required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Bearer token is required")
			return
		}
		claims, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			h.logger.Debug("rejected token", zap.Error(err))
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
			return
		}

		ctx := withUser(r.Context(), core.UserContext{UserID: claims.UserID(), CompanyID: claims.CompanyID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireContract reports inaccessible contracts as not found.
func (h *APIHandler) requireContract(r *http.Request) (string, error) {
	contractID := chi.URLParam(r, "contractID")
	ok, err := h.access.IsAccessible(r.Context(), userFrom(r.Context()), contractID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.NotFound("contract", contractID)
	}
	return contractID, nil
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

type PutContractRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PutContractHandler creates or replaces a contract of the caller's company.
// Re-indexing runs in the background; 202 means it was queued.
func (h *APIHandler) PutContractHandler(w http.ResponseWriter, r *http.Request) {
	var req PutContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "Invalid request body: "+err.Error())
		return
	}
	res, err := h.contracts.Import(r.Context(), userFrom(r.Context()), core.ContractInput{
		ID:      chi.URLParam(r, "contractID"),
		Title:   req.Title,
		Content: req.Content,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Indexing != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *APIHandler) DeleteContractHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.contracts.Delete(r.Context(), userFrom(r.Context()), chi.URLParam(r, "contractID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type GenerateEmbeddingsResponse struct {
	ChunkCount int    `json:"chunk_count"`
	Skipped    bool   `json:"skipped"`
	Status     string `json:"status,omitempty"`
}

func (h *APIHandler) GenerateEmbeddingsHandler(w http.ResponseWriter, r *http.Request) {
	contractID, err := h.requireContract(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var opts []core.IndexOption
	if queryBool(r, "force") {
		opts = append(opts, core.WithForce())
	}

	if queryBool(r, "async") {
		task, err := h.queue.Enqueue(contractID, opts...)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, task.Status())
		return
	}

	res, err := h.embeddings.GenerateEmbeddings(r.Context(), contractID, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateEmbeddingsResponse{ChunkCount: res.ChunkCount, Skipped: res.Skipped})
}

type EmbeddingStatusResponse struct {
	HasEmbeddings bool             `json:"has_embeddings"`
	Count         int              `json:"count"`
	Task          *core.TaskStatus `json:"task,omitempty"`
}

func (h *APIHandler) EmbeddingStatusHandler(w http.ResponseWriter, r *http.Request) {
	contractID, err := h.requireContract(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	count, err := h.embeddings.GetEmbeddingCount(r.Context(), contractID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := EmbeddingStatusResponse{HasEmbeddings: count > 0, Count: count}
	if status, ok := h.queue.Status(contractID); ok {
		resp.Task = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) DeleteEmbeddingsHandler(w http.ResponseWriter, r *http.Request) {
	contractID, err := h.requireContract(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.embeddings.DeleteEmbeddings(r.Context(), contractID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ChatRequest struct {
	SessionID  string  `json:"session_id,omitempty"`
	ContractID *string `json:"contract_id,omitempty"`
	Message    string  `json:"message"`
	UseRAG     *bool   `json:"use_rag,omitempty"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "Invalid request body: "+err.Error())
		return
	}
	useRAG := true
	if req.UseRAG != nil {
		useRAG = *req.UseRAG
	}

	resp, err := h.chat.Chat(r.Context(), core.ChatRequest{
		User:       userFrom(r.Context()),
		SessionID:  req.SessionID,
		ContractID: req.ContractID,
		Message:    req.Message,
		UseRAG:     useRAG,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) ChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	history, err := h.chat.History(r.Context(), userFrom(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *APIHandler) DeleteChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.DeleteHistory(r.Context(), userFrom(r.Context()), chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchHandler exposes raw retrieval for diagnostics. Without contract_id it
// searches every contract the caller can read.
func (h *APIHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "Query parameter q is required")
		return
	}
	user := userFrom(r.Context())

	var ids []string
	if contractID := r.URL.Query().Get("contract_id"); contractID != "" {
		ok, err := h.access.IsAccessible(r.Context(), user, contractID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !ok {
			h.writeError(w, r, errs.NotFound("contract", contractID))
			return
		}
		ids = []string{contractID}
	} else {
		var err error
		if ids, err = h.access.AccessibleContractIDs(r.Context(), user); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	topK := h.searchTopK
	if v, err := strconv.Atoi(r.URL.Query().Get("top_k")); err == nil && v > 0 {
		topK = v
	}
	outcome, err := h.retriever.Search(r.Context(), core.SearchRequest{Query: query, ContractIDs: ids, TopK: topK})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps domain errors onto HTTP statuses.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		precondition *errs.PreconditionError
		notFound     *errs.NotFoundError
	)
	switch {
	case errors.As(err, &precondition):
		writeJSONError(w, http.StatusConflict, precondition.Code, precondition.Reason)
	case errors.As(err, &notFound):
		writeJSONError(w, http.StatusNotFound, "not_found", notFound.Error())
	case errors.Is(err, errs.ErrRegenerationInProgress):
		writeJSONError(w, http.StatusConflict, "regeneration_in_progress", err.Error())
	case errors.Is(err, core.ErrQueueFull):
		writeJSONError(w, http.StatusServiceUnavailable, "queue_full", err.Error())
	case errors.Is(err, core.ErrQueueClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, errs.ErrMessageTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message_too_large", err.Error())
	case errors.Is(err, errs.ErrSessionScopeMismatch):
		writeJSONError(w, http.StatusBadRequest, "session_scope_mismatch", err.Error())
	case errors.Is(err, errs.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errs.IsConfiguration(err):
		h.logger.Error("configuration error", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "configuration_error", "Service is misconfigured")
	default:
		if pe, ok := errs.AsProvider(err); ok {
			h.logger.Warn("provider failure", zap.String("path", r.URL.Path), zap.Error(err))
			status := http.StatusBadGateway
			if pe.Retryable {
				status = http.StatusServiceUnavailable
			}
			writeJSONError(w, status, "provider_"+string(pe.Kind), "Upstream model provider failed")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
