package core

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/store"
)

const (
	DefaultSystemInstruction = "You are a contract assistant. Answer questions using the contract excerpts provided with the question. " +
		"Cite the contract a fact comes from. " +
		"If the excerpts do not contain the answer, clearly state that you don't have the information. " +
		"Keep your answers concise and do not make up contract terms."

	contextHeader = "Contract excerpts:\n\n"
	contextFooter = "--- END OF EXCERPTS ---\n\n"
)

// EstimateTokens approximates the token count of s as one token per four
// code points, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// PromptPayload is the budgeted input for one completion.
type PromptPayload struct {
	System   string
	History  []llm.Message // oldest first
	Context  []RetrievalResult
	Message  string
	Grounded bool
	Tokens   int
}

// UserTurn renders the final user message with the placed excerpts.
func (p PromptPayload) UserTurn() string {
	var b strings.Builder
	if len(p.Context) > 0 {
		b.WriteString(contextHeader)
		for _, c := range p.Context {
			b.WriteString(renderChunk(c))
		}
		b.WriteString(contextFooter)
	}
	b.WriteString(renderQuestion(p.Message))
	return b.String()
}

// Prompt converts the payload into a provider request.
func (p PromptPayload) Prompt() llm.Prompt {
	return llm.Prompt{System: p.System, History: p.History, Message: p.UserTurn()}
}

func renderChunk(c RetrievalResult) string {
	return fmt.Sprintf("[contract %s, excerpt %d]\n%s\n\n", c.ContractID, c.ChunkIndex, c.ChunkText)
}

func renderQuestion(message string) string {
	return "Question: " + message
}

type ContextAssembler struct {
	system string
}

func NewContextAssembler(system string) *ContextAssembler {
	if system == "" {
		system = DefaultSystemInstruction
	}
	return &ContextAssembler{system: system}
}

// Assemble fits the system instruction, the message, retrieved chunks and
// prior turns into budget tokens, in that priority. Chunks are placed by
// score and skipped whole when they do not fit. History is filled newest
// first and stops at the first turn that does not fit; kept history always
// opens with a user message.
func (a *ContextAssembler) Assemble(history []store.ChatMessage, chunks []RetrievalResult, message string, budget int) (PromptPayload, error) {
	payload := PromptPayload{
		System:  a.system,
		Message: message,
		History: []llm.Message{},
		Context: []RetrievalResult{},
	}

	used := EstimateTokens(a.system) + EstimateTokens(renderQuestion(message))
	if used > budget {
		return PromptPayload{}, fmt.Errorf("%w: needs %d tokens, budget is %d", errs.ErrMessageTooLarge, used, budget)
	}

	ranked := make([]RetrievalResult, len(chunks))
	copy(ranked, chunks)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].ChunkIndex != ranked[j].ChunkIndex {
			return ranked[i].ChunkIndex < ranked[j].ChunkIndex
		}
		return ranked[i].ContractID < ranked[j].ContractID
	})

	framing := EstimateTokens(contextHeader) + EstimateTokens(contextFooter)
	for _, c := range ranked {
		cost := EstimateTokens(renderChunk(c))
		if len(payload.Context) == 0 {
			cost += framing
		}
		if used+cost > budget {
			continue
		}
		payload.Context = append(payload.Context, c)
		used += cost
	}

	var kept []llm.Message
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Content)
		if used+cost > budget {
			break
		}
		kept = append(kept, llm.Message{Role: history[i].Role, Content: history[i].Content})
		used += cost
	}
	// Providers reject a conversation whose first turn is the model's.
	for len(kept) > 0 && kept[len(kept)-1].Role != store.RoleUser {
		used -= EstimateTokens(kept[len(kept)-1].Content)
		kept = kept[:len(kept)-1]
	}
	for i := len(kept) - 1; i >= 0; i-- {
		payload.History = append(payload.History, kept[i])
	}

	payload.Grounded = len(payload.Context) > 0
	payload.Tokens = used
	return payload, nil
}
