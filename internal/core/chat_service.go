package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/store"
)

const (
	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."

	titleTimeout = 30 * time.Second
)

// ChatState is a step of one chat turn. Every turn ends in StateComplete or
// StateFailed.
type ChatState string

const (
	StateReceived   ChatState = "RECEIVED"
	StateRetrieving ChatState = "RETRIEVING"
	StateAssembling ChatState = "ASSEMBLING"
	StateGenerating ChatState = "GENERATING"
	StatePersisting ChatState = "PERSISTING"
	StateComplete   ChatState = "COMPLETE"
	StateFailed     ChatState = "FAILED"
)

type ChatRequest struct {
	User       UserContext
	SessionID  string  // empty starts a new session
	ContractID *string // nil for general mode
	Message    string
	UseRAG     bool
}

type ChatResponse struct {
	Answer         string        `json:"answer"`
	CitedContracts []ContractHit `json:"cited_contracts"`
	SessionID      string        `json:"session_id"`
	Grounded       bool          `json:"grounded"`
	Degraded       bool          `json:"degraded"`
	// Notice explains a degraded answer.
	Notice *DegradedModeNotice `json:"notice,omitempty"`
	Model  string              `json:"model"`
	Usage          llm.Usage     `json:"usage"`
}

// SessionHistory is a session's stored exchange, oldest first.
type SessionHistory struct {
	SessionID  string              `json:"session_id"`
	ContractID *string             `json:"contract_id,omitempty"`
	Title      string              `json:"title,omitempty"`
	Messages   []store.ChatMessage `json:"messages"`
}

// EmbeddingChecker reports whether a contract has been indexed.
type EmbeddingChecker interface {
	HasEmbeddings(ctx context.Context, contractID string) (bool, error)
}

type ChatConfig struct {
	TopK         int
	MinScore     float64
	TokenBudget  int
	HistoryLimit int
	MaxRetries   int
	RetryBackoff time.Duration
}

// ChatDeps are the collaborators of a ChatService.
type ChatDeps struct {
	Contracts  ContractStore
	Chats      ChatStore
	Access     AccessPolicy
	Embeddings EmbeddingChecker
	Retriever  Retriever
	Aggregator *Aggregator
	Assembler  *ContextAssembler
	Completer  llm.Completer
}

type ChatService struct {
	deps   ChatDeps
	cfg    ChatConfig
	locks  *keyedMutex
	titles sync.WaitGroup
	logger *zap.Logger
}

func NewChatService(deps ChatDeps, cfg ChatConfig, logger *zap.Logger) *ChatService {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 6000
	}
	if deps.Assembler == nil {
		deps.Assembler = NewContextAssembler("")
	}
	return &ChatService{
		deps:   deps,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger.Named("chat"),
	}
}

// Chat runs one conversational turn.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return ChatResponse{}, fmt.Errorf("%w: message is required", errs.ErrInvalidInput)
	}
	if req.ContractID != nil && *req.ContractID == "" {
		req.ContractID = nil
	}

	log := s.logger.With(zap.String("user_id", req.User.UserID))
	state := StateReceived
	advance := func(next ChatState) {
		log.Debug("chat state", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}
	fail := func(err error) (ChatResponse, error) {
		log.Debug("chat state", zap.String("from", string(state)), zap.String("to", string(StateFailed)), zap.Error(err))
		return ChatResponse{}, err
	}

	sessionID, isNew, err := s.resolveSession(ctx, req)
	if err != nil {
		return fail(err)
	}
	log = log.With(zap.String("session_id", sessionID))

	var contract *store.Contract
	if req.ContractID != nil {
		contract, err = s.scopedContract(ctx, req.User, *req.ContractID)
		if err != nil {
			return fail(err)
		}
	}

	var found retrieved
	if req.UseRAG {
		advance(StateRetrieving)
		if contract != nil {
			found, err = s.retrieveScoped(ctx, contract, req.Message)
		} else {
			found, err = s.retrieveGeneral(ctx, req.User, req.Message)
		}
		if err != nil {
			return fail(err)
		}
	}

	var history []store.ChatMessage
	if !isNew {
		history, err = s.deps.Chats.GetSessionMessages(ctx, sessionID, s.cfg.HistoryLimit)
		if err != nil {
			log.Warn("failed to load chat history, proceeding without it", zap.Error(err))
			history = nil
		}
	}

	advance(StateAssembling)
	payload, err := s.deps.Assembler.Assemble(history, found.chunks, req.Message, s.cfg.TokenBudget)
	if err != nil {
		return fail(err)
	}

	advance(StateGenerating)
	completion, err := s.generate(ctx, log, payload.Prompt())
	if err != nil {
		return fail(err)
	}

	advance(StatePersisting)
	userMsg := &store.ChatMessage{
		SessionID:  sessionID,
		UserID:     req.User.UserID,
		ContractID: req.ContractID,
		Role:       store.RoleUser,
		Content:    req.Message,
	}
	assistantMsg := &store.ChatMessage{
		SessionID:  sessionID,
		UserID:     req.User.UserID,
		ContractID: req.ContractID,
		Role:       store.RoleAssistant,
		Content:    completion.Text,
	}
	unlock := s.locks.Lock(sessionID)
	err = s.deps.Chats.AppendExchange(ctx, userMsg, assistantMsg)
	unlock()
	if err != nil {
		log.Warn("failed to persist chat exchange", zap.Error(err))
	} else if isNew {
		s.generateTitleAsync(sessionID, req.Message)
	}

	advance(StateComplete)
	return ChatResponse{
		Answer:         completion.Text,
		CitedContracts: cited(found.hits, payload.Context),
		SessionID:      sessionID,
		Grounded:       payload.Grounded,
		Degraded:       found.degraded,
		Notice:         found.notice,
		Model:          completion.Model,
		Usage:          completion.Usage,
	}, nil
}

// resolveSession returns the session id to use and whether it has no
// stored messages yet.
func (s *ChatService) resolveSession(ctx context.Context, req ChatRequest) (string, bool, error) {
	if req.SessionID == "" {
		return uuid.NewString(), true, nil
	}
	scope, err := s.deps.Chats.GetSessionScope(ctx, req.SessionID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load session: %w", err)
	}
	if scope == nil {
		return req.SessionID, true, nil
	}
	if scope.UserID != req.User.UserID {
		return "", false, errs.NotFound("session", req.SessionID)
	}
	if !sameScope(scope.ContractID, req.ContractID) {
		return "", false, errs.ErrSessionScopeMismatch
	}
	return req.SessionID, false, nil
}

func sameScope(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// scopedContract loads a contract the user may read. Inaccessible contracts
// are reported as not found.
func (s *ChatService) scopedContract(ctx context.Context, user UserContext, contractID string) (*store.Contract, error) {
	ok, err := s.deps.Access.IsAccessible(ctx, user, contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to check contract access: %w", err)
	}
	if !ok {
		return nil, errs.NotFound("contract", contractID)
	}
	return s.deps.Contracts.GetContract(ctx, contractID)
}

// retrieved is what a turn's retrieval step found.
type retrieved struct {
	chunks   []RetrievalResult
	hits     []ContractHit
	degraded bool
	notice   *DegradedModeNotice
}

func (s *ChatService) retrieveScoped(ctx context.Context, contract *store.Contract, query string) (retrieved, error) {
	indexed, err := s.deps.Embeddings.HasEmbeddings(ctx, contract.ID)
	if err != nil {
		return retrieved{}, fmt.Errorf("failed to check embeddings: %w", err)
	}
	if !indexed {
		return retrieved{}, errs.EmbeddingsRequired(contract.ID)
	}

	outcome, err := s.deps.Retriever.Search(ctx, SearchRequest{
		Query:       query,
		ContractIDs: []string{contract.ID},
		TopK:        s.cfg.TopK,
		MinScore:    s.cfg.MinScore,
	})
	if err != nil {
		return retrieved{}, err
	}

	found := retrieved{chunks: outcome.Results, degraded: outcome.Degraded, notice: outcome.Notice}
	if len(outcome.Results) > 0 {
		found.hits = []ContractHit{{ContractID: contract.ID, Title: contract.Title, BestScore: outcome.Results[0].Score}}
	}
	return found, nil
}

func (s *ChatService) retrieveGeneral(ctx context.Context, user UserContext, query string) (retrieved, error) {
	ids, err := s.deps.Access.AccessibleContractIDs(ctx, user)
	if err != nil {
		return retrieved{}, fmt.Errorf("failed to list accessible contracts: %w", err)
	}
	res, err := s.deps.Aggregator.Aggregate(ctx, user, query, ids)
	if err != nil {
		return retrieved{}, err
	}
	return retrieved{chunks: res.Chunks, hits: res.Hits, degraded: res.Degraded, notice: res.Notice}, nil
}

// generate calls the completer, retrying transient provider failures with a
// linearly growing pause.
func (s *ChatService) generate(ctx context.Context, log *zap.Logger, prompt llm.Prompt) (llm.Completion, error) {
	for attempt := 0; ; attempt++ {
		completion, err := s.deps.Completer.Complete(ctx, prompt)
		if err == nil {
			return completion, nil
		}
		pe, ok := errs.AsProvider(err)
		if !ok || !pe.Transient() || attempt >= s.cfg.MaxRetries {
			return llm.Completion{}, err
		}

		wait := s.cfg.RetryBackoff * time.Duration(attempt+1)
		log.Warn("transient completion failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// cited keeps the hits whose chunks made it into the prompt.
func cited(hits []ContractHit, placed []RetrievalResult) []ContractHit {
	used := make(map[string]struct{}, len(placed))
	for _, c := range placed {
		used[c.ContractID] = struct{}{}
	}
	out := []ContractHit{}
	for _, h := range hits {
		if _, ok := used[h.ContractID]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (s *ChatService) generateTitleAsync(sessionID, basisContent string) {
	s.titles.Add(1)
	go func() {
		defer s.titles.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		completion, err := s.deps.Completer.Complete(ctx, llm.Prompt{
			System:      titleSystemInstruction,
			Message:     fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", basisContent),
			MaxTokens:   20,
			Temperature: llm.Float32(0.3),
		})
		if err != nil {
			s.logger.Debug("failed to generate session title", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		title := strings.Trim(completion.Text, "\"'\n\r\t .")
		if title == "" {
			return
		}
		if err := s.deps.Chats.SetSessionTitle(ctx, sessionID, title); err != nil {
			s.logger.Warn("failed to save session title", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()
}

// Wait blocks until background title generations finish.
func (s *ChatService) Wait() {
	s.titles.Wait()
}

// History returns a session's messages oldest first.
func (s *ChatService) History(ctx context.Context, user UserContext, sessionID string) (SessionHistory, error) {
	scope, err := s.ownedSession(ctx, user, sessionID)
	if err != nil {
		return SessionHistory{}, err
	}
	messages, err := s.deps.Chats.GetSessionMessages(ctx, sessionID, 0)
	if err != nil {
		return SessionHistory{}, fmt.Errorf("failed to load messages: %w", err)
	}
	title, err := s.deps.Chats.GetSessionTitle(ctx, sessionID)
	if err != nil {
		s.logger.Debug("failed to load session title", zap.String("session_id", sessionID), zap.Error(err))
	}
	return SessionHistory{
		SessionID:  sessionID,
		ContractID: scope.ContractID,
		Title:      title,
		Messages:   messages,
	}, nil
}

func (s *ChatService) DeleteHistory(ctx context.Context, user UserContext, sessionID string) error {
	if _, err := s.ownedSession(ctx, user, sessionID); err != nil {
		return err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.deps.Chats.DeleteSessionMessages(ctx, sessionID)
}

func (s *ChatService) ownedSession(ctx context.Context, user UserContext, sessionID string) (*store.SessionScope, error) {
	scope, err := s.deps.Chats.GetSessionScope(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if scope == nil || scope.UserID != user.UserID {
		return nil, errs.NotFound("session", sessionID)
	}
	return scope, nil
}
