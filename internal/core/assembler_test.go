package core

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/store"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"ünïcödé!", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.in), "%q", tt.in)
	}
}

func baseCost(system, message string) int {
	return EstimateTokens(system) + EstimateTokens(renderQuestion(message))
}

func framingCost() int {
	return EstimateTokens(contextHeader) + EstimateTokens(contextFooter)
}

func TestAssemble_MessageTooLarge(t *testing.T) {
	a := NewContextAssembler("sys")
	_, err := a.Assemble(nil, nil, "hi", baseCost("sys", "hi")-1)
	assert.ErrorIs(t, err, errs.ErrMessageTooLarge)

	p, err := a.Assemble(nil, nil, "hi", baseCost("sys", "hi"))
	require.NoError(t, err)
	assert.Equal(t, baseCost("sys", "hi"), p.Tokens)
	assert.False(t, p.Grounded)
	assert.Empty(t, p.History)
	assert.Empty(t, p.Context)
}

func TestAssemble_SkipsChunksThatDoNotFit(t *testing.T) {
	a := NewContextAssembler("sys")
	big := RetrievalResult{ContractID: "c1", ChunkIndex: 0, ChunkText: strings.Repeat("long clause ", 100), Score: 0.9}
	small := RetrievalResult{ContractID: "c1", ChunkIndex: 1, ChunkText: "short clause", Score: 0.5}

	budget := baseCost("sys", "q") + framingCost() + EstimateTokens(renderChunk(small))
	p, err := a.Assemble(nil, []RetrievalResult{small, big}, "q", budget)
	require.NoError(t, err)
	require.Len(t, p.Context, 1)
	assert.Equal(t, small, p.Context[0])
	assert.True(t, p.Grounded)
	assert.Equal(t, budget, p.Tokens)

	turn := p.UserTurn()
	assert.True(t, strings.HasPrefix(turn, contextHeader))
	assert.Contains(t, turn, "short clause")
	assert.NotContains(t, turn, "long clause")
	assert.True(t, strings.HasSuffix(turn, "Question: q"))
}

func TestAssemble_ChunksInScoreOrder(t *testing.T) {
	a := NewContextAssembler("sys")
	chunks := []RetrievalResult{
		{ContractID: "b", ChunkIndex: 0, ChunkText: "two", Score: 0.7},
		{ContractID: "a", ChunkIndex: 3, ChunkText: "one", Score: 0.9},
		{ContractID: "a", ChunkIndex: 0, ChunkText: "three", Score: 0.7},
	}
	p, err := a.Assemble(nil, chunks, "q", 1000)
	require.NoError(t, err)
	var got []string
	for _, c := range p.Context {
		got = append(got, c.ChunkText)
	}
	assert.Equal(t, []string{"one", "three", "two"}, got)
}

func TestAssemble_KeepsNewestHistory(t *testing.T) {
	a := NewContextAssembler("sys")
	history := []store.ChatMessage{
		{Role: store.RoleUser, Content: "x"},
		{Role: store.RoleAssistant, Content: "an older answer that is fairly long"},
		{Role: store.RoleUser, Content: "what about rent?"},
		{Role: store.RoleAssistant, Content: "rent is due monthly"},
	}
	budget := baseCost("sys", "q") +
		EstimateTokens(history[3].Content) +
		EstimateTokens(history[2].Content) +
		EstimateTokens(history[1].Content) - 1

	p, err := a.Assemble(history, nil, "q", budget)
	require.NoError(t, err)
	want := []llm.Message{
		{Role: store.RoleUser, Content: "what about rent?"},
		{Role: store.RoleAssistant, Content: "rent is due monthly"},
	}
	if diff := cmp.Diff(want, p.History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Less(t, p.Tokens, budget, "the oldest turn would fit but history stops at the first misfit")
}

func TestAssemble_HistoryNeverOpensWithAssistant(t *testing.T) {
	a := NewContextAssembler("sys")
	history := []store.ChatMessage{
		{Role: store.RoleUser, Content: "What is the termination notice period in this lease?"},
		{Role: store.RoleAssistant, Content: "Ninety days."},
	}
	budget := baseCost("sys", "q") + EstimateTokens("Ninety days.")

	p, err := a.Assemble(history, nil, "q", budget)
	require.NoError(t, err)
	assert.Empty(t, p.History, "a lone assistant turn is dropped")
	assert.Equal(t, baseCost("sys", "q"), p.Tokens)

	p, err = a.Assemble(history, nil, "q", 1000)
	require.NoError(t, err)
	require.Len(t, p.History, 2)
	assert.Equal(t, store.RoleUser, p.History[0].Role)
}

func TestAssemble_ChunksBeforeHistory(t *testing.T) {
	a := NewContextAssembler("sys")
	chunk := RetrievalResult{ContractID: "c", ChunkIndex: 0, ChunkText: "clause text", Score: 0.8}
	history := []store.ChatMessage{{Role: store.RoleUser, Content: "earlier question"}}

	budget := baseCost("sys", "q") + framingCost() + EstimateTokens(renderChunk(chunk))
	p, err := a.Assemble(history, []RetrievalResult{chunk}, "q", budget)
	require.NoError(t, err)
	assert.Len(t, p.Context, 1)
	assert.Empty(t, p.History)
}

func TestAssemble_PromptCarriesPayload(t *testing.T) {
	a := NewContextAssembler("")
	p, err := a.Assemble([]store.ChatMessage{{Role: store.RoleUser, Content: "hello"}}, nil, "q", 1000)
	require.NoError(t, err)
	prompt := p.Prompt()
	assert.Equal(t, DefaultSystemInstruction, prompt.System)
	assert.Equal(t, "Question: q", prompt.Message)
	assert.Equal(t, p.History, prompt.History)
}

func TestAssemble_RandomBudgets(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := NewContextAssembler("You answer questions about contracts.")
	words := []string{"rent", "term", "notice", "party", "lease", "clause", "payment", "renewal"}
	text := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = words[rng.Intn(len(words))]
		}
		return strings.Join(parts, " ")
	}

	for iter := 0; iter < 300; iter++ {
		var history []store.ChatMessage
		for i := range rng.Intn(8) {
			role := store.RoleUser
			if i%2 == 1 {
				role = store.RoleAssistant
			}
			history = append(history, store.ChatMessage{Role: role, Content: text(1 + rng.Intn(40))})
		}
		var chunks []RetrievalResult
		for i := range rng.Intn(6) {
			chunks = append(chunks, RetrievalResult{
				ContractID: fmt.Sprintf("c%d", rng.Intn(3)),
				ChunkIndex: i,
				ChunkText:  text(1 + rng.Intn(80)),
				Score:      rng.Float64(),
			})
		}
		message := text(1 + rng.Intn(10))
		budget := rng.Intn(400)

		p, err := a.Assemble(history, chunks, message, budget)
		if baseCost("You answer questions about contracts.", message) > budget {
			require.ErrorIs(t, err, errs.ErrMessageTooLarge)
			continue
		}
		require.NoError(t, err)
		require.LessOrEqual(t, p.Tokens, budget)

		want := baseCost("You answer questions about contracts.", message)
		for i, c := range p.Context {
			want += EstimateTokens(renderChunk(c))
			if i == 0 {
				want += framingCost()
			}
		}
		for _, m := range p.History {
			want += EstimateTokens(m.Content)
		}
		require.Equal(t, want, p.Tokens)

		// History is always a suffix of the stored conversation.
		offset := len(history) - len(p.History)
		require.GreaterOrEqual(t, offset, 0)
		for i, m := range p.History {
			require.Equal(t, history[offset+i].Content, m.Content)
			require.Equal(t, history[offset+i].Role, m.Role)
		}
		require.Equal(t, len(p.Context) > 0, p.Grounded)
		if len(p.History) > 0 {
			require.Equal(t, store.RoleUser, p.History[0].Role)
		}
	}
}
