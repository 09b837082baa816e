package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

const (
	providerOpenAI = "openai"

	defaultOpenAIChatModel      = openai.GPT4oMini
	defaultOpenAIEmbeddingModel = string(openai.SmallEmbedding3)
)

type OpenAI struct {
	opts   Options
	client *openai.Client
}

func NewOpenAI(opts Options) *OpenAI {
	if opts.ChatModel == "" {
		opts.ChatModel = defaultOpenAIChatModel
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = defaultOpenAIEmbeddingModel
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAI{opts: opts, client: openai.NewClientWithConfig(cfg)}
}

func (o *OpenAI) Dimensions() int { return o.opts.Dimensions }

func (o *OpenAI) ModelName() string { return o.opts.ChatModel }

func (o *OpenAI) EmbeddingModelName() string { return o.opts.EmbeddingModel }

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.embed(ctx, "embed", []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return o.embed(ctx, "embed_batch", texts)
}

func (o *OpenAI) embed(ctx context.Context, op string, texts []string) ([][]float32, error) {
	ctx, cancel := o.opts.withTimeout(ctx)
	defer cancel()

	rsp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(o.opts.EmbeddingModel),
		Dimensions: o.opts.Dimensions,
	})
	if err != nil {
		return nil, classify(providerOpenAI, op, err)
	}
	if len(rsp.Data) != len(texts) {
		return nil, malformed(providerOpenAI, op, "got %d embeddings for %d inputs", len(rsp.Data), len(texts))
	}

	// Data is not guaranteed to come back in input order.
	vectors := make([][]float32, len(texts))
	for _, d := range rsp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vectors[d.Index] != nil {
			return nil, malformed(providerOpenAI, op, "unexpected embedding index %d", d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, malformed(providerOpenAI, op, "empty embedding at index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (o *OpenAI) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := validatePrompt(p); err != nil {
		return Completion{}, err
	}
	ctx, cancel := o.opts.withTimeout(ctx)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	for _, m := range p.History {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.Message})

	req := openai.ChatCompletionRequest{
		Model:     o.opts.ChatModel,
		Messages:  messages,
		MaxTokens: o.opts.maxTokens(p),
	}
	if p.Temperature != nil {
		req.Temperature = *p.Temperature
	}

	rsp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classify(providerOpenAI, "complete", err)
	}
	if len(rsp.Choices) == 0 || len(rsp.Choices[0].Message.Content) == 0 {
		return Completion{}, malformed(providerOpenAI, "complete", "no response from OpenAI")
	}

	model := rsp.Model
	if model == "" {
		model = o.opts.ChatModel
	}
	return Completion{
		Text:  rsp.Choices[0].Message.Content,
		Model: model,
		Usage: Usage{InputTokens: rsp.Usage.PromptTokens, OutputTokens: rsp.Usage.CompletionTokens},
	}, nil
}

var (
	_ Embedder  = (*OpenAI)(nil)
	_ Completer = (*OpenAI)(nil)
)
