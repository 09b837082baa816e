package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/chunker"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDim = 4

// keywordEmbedder maps text onto a tiny fixed vocabulary so similarities
// are predictable: [termination, payment, confidential, bias].
type keywordEmbedder struct {
	mu         sync.Mutex
	batchCalls int
	queryCalls int
	dim        int
	err        error
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{dim: testDim}
}

func (e *keywordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, e.dim)
	for i, kw := range []string{"terminat", "payment", "confidential"} {
		if i < e.dim && strings.Contains(lower, kw) {
			v[i] = 1
		}
	}
	if e.dim > 3 {
		v[3] = 0.1
	}
	return v
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryCalls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchCalls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) Dimensions() int   { return e.dim }
func (e *keywordEmbedder) ModelName() string { return "keyword-test" }

func (e *keywordEmbedder) calls() (batch, query int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchCalls, e.queryCalls
}

func (e *keywordEmbedder) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// scriptedCompleter answers chat prompts from a script and title prompts
// with a fixed title.
type scriptedCompleter struct {
	mu      sync.Mutex
	script  []func(llm.Prompt) (llm.Completion, error)
	prompts []llm.Prompt
}

func (c *scriptedCompleter) Complete(_ context.Context, p llm.Prompt) (llm.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.System == titleSystemInstruction {
		return llm.Completion{Text: "\"Lease Questions\"", Model: "test-model"}, nil
	}
	c.prompts = append(c.prompts, p)
	if len(c.script) == 0 {
		return llm.Completion{Text: "answer", Model: "test-model"}, nil
	}
	next := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	return next(p)
}

func (c *scriptedCompleter) ModelName() string { return "test-model" }

func (c *scriptedCompleter) chatPrompts() []llm.Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Prompt(nil), c.prompts...)
}

func reply(text string) func(llm.Prompt) (llm.Completion, error) {
	return func(llm.Prompt) (llm.Completion, error) {
		return llm.Completion{Text: text, Model: "test-model"}, nil
	}
}

func failWith(err error) func(llm.Prompt) (llm.Completion, error) {
	return func(llm.Prompt) (llm.Completion, error) { return llm.Completion{}, err }
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestChunker(t *testing.T, size, overlap int) *chunker.Chunker {
	t.Helper()
	ch, err := chunker.New(chunker.Config{Size: size, Overlap: overlap})
	require.NoError(t, err)
	return ch
}

func addContract(t *testing.T, s *store.SQLiteStore, id, company, title, content string) {
	t.Helper()
	require.NoError(t, s.UpsertContract(context.Background(), store.Contract{
		ID:        id,
		Title:     title,
		CompanyID: company,
		Content:   content,
		UpdatedAt: time.Now().Add(-time.Hour),
	}))
}

// seedChunks stores already-chunked text for a contract through the
// keyword embedder. The records predate every contract added by addContract.
func seedChunks(t *testing.T, s *store.SQLiteStore, e *keywordEmbedder, contractID string, texts ...string) {
	t.Helper()
	records := make([]store.EmbeddingRecord, len(texts))
	for i, text := range texts {
		records[i] = store.EmbeddingRecord{ContractID: contractID, ChunkIndex: i, ChunkText: text, Vector: e.vector(text)}
	}
	require.NoError(t, s.ReplaceEmbeddings(context.Background(), contractID, time.Now().Add(-2*time.Hour), records))
}

// failingChats wraps a ChatStore and fails AppendExchange.
type failingChats struct {
	ChatStore
}

func (f failingChats) AppendExchange(context.Context, *store.ChatMessage, *store.ChatMessage) error {
	return errors.New("disk full")
}

// denyPolicy wraps an AccessPolicy and denies the listed contracts.
type denyPolicy struct {
	AccessPolicy
	denied map[string]bool
}

func (d denyPolicy) IsAccessible(ctx context.Context, user UserContext, id string) (bool, error) {
	if d.denied[id] {
		return false, nil
	}
	return d.AccessPolicy.IsAccessible(ctx, user, id)
}

// flakyContracts fails GetContract for the listed ids.
type flakyContracts struct {
	ContractStore
	broken map[string]bool
}

func (f flakyContracts) GetContract(ctx context.Context, id string) (*store.Contract, error) {
	if f.broken[id] {
		return nil, errors.New("metadata service unavailable")
	}
	return f.ContractStore.GetContract(ctx, id)
}

var nopLogger = zap.NewNop()
