// Package llm adapts the embedding and completion providers (Gemini, OpenAI,
// Anthropic) to the narrow interfaces used by the retrieval and chat core.
package llm

import (
	"context"
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Prompt is a provider-neutral completion request. Message is the final user
// turn; History precedes it oldest first.
type Prompt struct {
	System      string
	History     []Message
	Message     string
	MaxTokens   int
	Temperature *float32
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// Completer generates a reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
	ModelName() string
}

// Options configures a provider client.
type Options struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
	MaxTokens      int
	BaseURL        string        // overrides the provider endpoint, used against local fakes
	Timeout        time.Duration // per call; zero means no deadline beyond ctx
}

const defaultMaxTokens = 1024

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.Timeout)
}

func (o Options) maxTokens(p Prompt) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return defaultMaxTokens
}

func validatePrompt(p Prompt) error {
	if p.Message == "" {
		return fmt.Errorf("prompt has no user message")
	}
	for i, m := range p.History {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("history message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Float32 returns a pointer to v, for Prompt.Temperature.
func Float32(v float32) *float32 { return &v }
