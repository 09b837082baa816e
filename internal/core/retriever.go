package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/errs"
	"gwi.com/contract-assistant/internal/llm"
	"gwi.com/contract-assistant/internal/utils"
)

// RetrievalResult is one chunk matched by a search.
type RetrievalResult struct {
	ContractID string  `json:"contract_id"`
	ChunkIndex int     `json:"chunk_index"`
	ChunkText  string  `json:"chunk_text"`
	Score      float64 `json:"score"`
}

type SearchRequest struct {
	Query string
	// ContractIDs bounds the search. An empty list matches nothing.
	ContractIDs []string
	TopK        int
	MinScore    float64
	// PerContract, when positive, caps the results kept for one contract so
	// a single long contract cannot crowd out the rest.
	PerContract int
}

type OutcomeKind string

const (
	PrimaryHit  OutcomeKind = "primary_hit"
	FallbackHit OutcomeKind = "fallback_hit"
	Empty       OutcomeKind = "empty"
)

// DegradedModeNotice tells the caller that results came from the fallback
// path. It is informational, never an error.
type DegradedModeNotice struct {
	Reason string `json:"reason"`
}

type SearchOutcome struct {
	Kind     OutcomeKind         `json:"kind"`
	Results  []RetrievalResult   `json:"results"`
	Degraded bool                `json:"degraded"`
	Notice   *DegradedModeNotice `json:"notice,omitempty"`
}

type Retriever interface {
	Search(ctx context.Context, req SearchRequest) (SearchOutcome, error)
}

// VectorRetriever ranks chunks by cosine similarity to the embedded query.
type VectorRetriever struct {
	embedder  llm.Embedder
	index     VectorIndex
	dimension int
}

func NewVectorRetriever(embedder llm.Embedder, index VectorIndex, dimension int) *VectorRetriever {
	return &VectorRetriever{embedder: embedder, index: index, dimension: dimension}
}

func (r *VectorRetriever) Search(ctx context.Context, req SearchRequest) (SearchOutcome, error) {
	if len(req.ContractIDs) == 0 || req.TopK <= 0 {
		return emptyOutcome(), nil
	}

	queryVec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return SearchOutcome{}, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(queryVec) != r.dimension {
		return SearchOutcome{}, errs.NewConfigurationError("EMBEDDING_DIMENSION",
			"query embedding from %s has %d dimensions, configured %d", r.embedder.ModelName(), len(queryVec), r.dimension)
	}

	hits, err := r.index.SearchSimilar(ctx, queryVec, req.ContractIDs, req.TopK, req.PerContract)
	if err != nil {
		return SearchOutcome{}, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]RetrievalResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, RetrievalResult{
			ContractID: h.ContractID,
			ChunkIndex: h.ChunkIndex,
			ChunkText:  h.Text,
			Score:      h.Score,
		})
	}
	return outcomeOf(PrimaryHit, rank(results, req.TopK, req.PerContract, req.MinScore)), nil
}

// LexicalRetriever scores stored chunks by keyword overlap with the query.
// It needs no provider, which makes it the fallback when embedding fails.
type LexicalRetriever struct {
	chunks ChunkSource
}

func NewLexicalRetriever(chunks ChunkSource) *LexicalRetriever {
	return &LexicalRetriever{chunks: chunks}
}

func (r *LexicalRetriever) Search(ctx context.Context, req SearchRequest) (SearchOutcome, error) {
	if len(req.ContractIDs) == 0 || req.TopK <= 0 {
		return emptyOutcome(), nil
	}
	queryTerms := utils.Terms(req.Query)
	if len(queryTerms) == 0 {
		return emptyOutcome(), nil
	}
	phrase := strings.ToLower(utils.CollapseWhitespace(req.Query))

	chunks, err := r.chunks.ListChunks(ctx, req.ContractIDs)
	if err != nil {
		return SearchOutcome{}, fmt.Errorf("failed to list chunks: %w", err)
	}

	var results []RetrievalResult
	for _, c := range chunks {
		score := lexicalScore(queryTerms, phrase, c.Text)
		if score <= 0 {
			continue
		}
		results = append(results, RetrievalResult{
			ContractID: c.ContractID,
			ChunkIndex: c.ChunkIndex,
			ChunkText:  c.Text,
			Score:      score,
		})
	}
	return outcomeOf(PrimaryHit, rank(results, req.TopK, req.PerContract, req.MinScore)), nil
}

// lexicalScore is 1 when the chunk contains the whole query phrase and
// otherwise the fraction of distinct query terms present in the chunk.
func lexicalScore(queryTerms []string, phrase, text string) float64 {
	lower := strings.ToLower(utils.CollapseWhitespace(text))
	if len(queryTerms) > 1 && strings.Contains(lower, phrase) {
		return 1
	}
	present := make(map[string]struct{})
	for _, t := range utils.Terms(lower) {
		present[t] = struct{}{}
	}
	matched := 0
	for _, t := range queryTerms {
		if _, ok := present[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// ResilientRetriever answers from Primary and falls back to Fallback when
// Primary fails for any reason other than misconfiguration.
type ResilientRetriever struct {
	primary  Retriever
	fallback Retriever
	logger   *zap.Logger
}

func NewResilientRetriever(primary, fallback Retriever, logger *zap.Logger) *ResilientRetriever {
	return &ResilientRetriever{primary: primary, fallback: fallback, logger: logger.Named("retriever")}
}

func (r *ResilientRetriever) Search(ctx context.Context, req SearchRequest) (SearchOutcome, error) {
	out, err := r.primary.Search(ctx, req)
	if err == nil {
		return out, nil
	}
	if errs.IsConfiguration(err) {
		return SearchOutcome{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return SearchOutcome{}, ctxErr
	}

	r.logger.Warn("primary search failed, using lexical fallback",
		zap.Int("contracts", len(req.ContractIDs)),
		zap.Error(err))

	fb, ferr := r.fallback.Search(ctx, req)
	if ferr != nil {
		return SearchOutcome{}, fmt.Errorf("fallback search failed: %w (primary: %v)", ferr, err)
	}
	fb.Kind = FallbackHit
	if len(fb.Results) == 0 {
		fb.Kind = Empty
	}
	fb.Degraded = true
	fb.Notice = &DegradedModeNotice{Reason: err.Error()}
	return fb, nil
}

// rank orders results by score descending, then chunk index, then contract
// id, drops those under minScore and keeps at most topK, no more than
// perContract of them per contract when perContract is positive.
func rank(results []RetrievalResult, topK, perContract int, minScore float64) []RetrievalResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ChunkIndex != results[j].ChunkIndex {
			return results[i].ChunkIndex < results[j].ChunkIndex
		}
		return results[i].ContractID < results[j].ContractID
	})
	kept := results[:0]
	seen := make(map[string]int)
	for _, res := range results {
		if res.Score < minScore {
			continue
		}
		if perContract > 0 && seen[res.ContractID] >= perContract {
			continue
		}
		seen[res.ContractID]++
		kept = append(kept, res)
		if len(kept) == topK {
			break
		}
	}
	return kept
}

func outcomeOf(kind OutcomeKind, results []RetrievalResult) SearchOutcome {
	if len(results) == 0 {
		return emptyOutcome()
	}
	return SearchOutcome{Kind: kind, Results: results}
}

func emptyOutcome() SearchOutcome {
	return SearchOutcome{Kind: Empty, Results: []RetrievalResult{}}
}
