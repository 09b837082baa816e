package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	providerGemini = "gemini"

	defaultGeminiChatModel      = "gemini-1.5-flash-latest"
	defaultGeminiEmbeddingModel = "text-embedding-004"
)

// Gemini serves both embeddings and completions from one genai client.
type Gemini struct {
	opts   Options
	client *genai.Client
}

func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if opts.ChatModel == "" {
		opts.ChatModel = defaultGeminiChatModel
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = defaultGeminiEmbeddingModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{opts: opts, client: client}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Dimensions() int { return g.opts.Dimensions }

// ModelName reports the chat model. The embedding model is fixed per process
// and surfaced through EmbeddingModelName.
func (g *Gemini) ModelName() string { return g.opts.ChatModel }

func (g *Gemini) EmbeddingModelName() string { return g.opts.EmbeddingModel }

// Embed embeds a search query.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := g.opts.withTimeout(ctx)
	defer cancel()

	em := g.client.EmbeddingModel(g.opts.EmbeddingModel)
	em.TaskType = genai.TaskTypeRetrievalQuery
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classify(providerGemini, "embed", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, malformed(providerGemini, "embed", "no embedding data received")
	}
	return res.Embedding.Values, nil
}

// EmbedBatch embeds contract chunks in a single request.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := g.opts.withTimeout(ctx)
	defer cancel()

	em := g.client.EmbeddingModel(g.opts.EmbeddingModel)
	em.TaskType = genai.TaskTypeRetrievalDocument
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify(providerGemini, "embed_batch", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, malformed(providerGemini, "embed_batch", "got %d embeddings for %d inputs", len(res.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, malformed(providerGemini, "embed_batch", "empty embedding at position %d", i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

func (g *Gemini) Complete(ctx context.Context, p Prompt) (Completion, error) {
	if err := validatePrompt(p); err != nil {
		return Completion{}, err
	}
	ctx, cancel := g.opts.withTimeout(ctx)
	defer cancel()

	model := g.client.GenerativeModel(g.opts.ChatModel)
	if p.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(p.System)},
		}
	}
	maxTokens := int32(g.opts.maxTokens(p))
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     p.Temperature,
	}

	chatSession := model.StartChat()
	for _, m := range p.History {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		chatSession.History = append(chatSession.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := chatSession.SendMessage(ctx, genai.Text(p.Message))
	if err != nil {
		return Completion{}, classify(providerGemini, "complete", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Completion{}, malformed(providerGemini, "complete", "response had no candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	if responseText.Len() == 0 {
		return Completion{}, malformed(providerGemini, "complete", "response had no text parts")
	}

	out := Completion{Text: responseText.String(), Model: g.opts.ChatModel}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

var (
	_ Embedder  = (*Gemini)(nil)
	_ Completer = (*Gemini)(nil)
)
