package llm

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	providerAnthropic = "anthropic"

	defaultAnthropicChatModel = "claude-3-5-haiku-latest"
)

// Anthropic is a completion-only provider; it has no embedding endpoint.
type Anthropic struct {
	opts   Options
	client *anthropic.Client
}

func NewAnthropic(opts Options) *Anthropic {
	if opts.ChatModel == "" {
		opts.ChatModel = defaultAnthropicChatModel
	}
	reqOpts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(opts.APIKey),
		// Retries are decided by the chat service.
		anthropicopt.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, anthropicopt.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(reqOpts...)
	return &Anthropic{opts: opts, client: &client}
}

func (a *Anthropic) ModelName() string { return a.opts.ChatModel }

func (a *Anthropic) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := validatePrompt(p); err != nil {
		return Completion{}, err
	}
	ctx, cancel := a.opts.withTimeout(ctx)
	defer cancel()

	messages := make([]anthropic.MessageParam, 0, len(p.History)+1)
	for _, m := range p.History {
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(p.Message)))

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.opts.ChatModel),
		MaxTokens: int64(a.opts.maxTokens(p)),
		Messages:  messages,
	}
	if p.System != "" {
		req.System = []anthropic.TextBlockParam{{Text: p.System}}
	}
	if p.Temperature != nil {
		req.Temperature = anthropic.Float(float64(*p.Temperature))
	}

	rsp, err := a.client.Messages.New(ctx, req)
	if err != nil {
		return Completion{}, classify(providerAnthropic, "complete", err)
	}

	var b strings.Builder
	for _, content := range rsp.Content {
		if text, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	if b.Len() == 0 {
		return Completion{}, malformed(providerAnthropic, "complete", "no response from Anthropic")
	}

	return Completion{
		Text:  b.String(),
		Model: string(rsp.Model),
		Usage: Usage{InputTokens: int(rsp.Usage.InputTokens), OutputTokens: int(rsp.Usage.OutputTokens)},
	}, nil
}

var _ Completer = (*Anthropic)(nil)
