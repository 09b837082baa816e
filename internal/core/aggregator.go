package core

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxContracts      = 5
	defaultConcurrency       = 4
	defaultChunksPerContract = 2
)

// ContractHit is one contract relevant to a cross-contract question.
type ContractHit struct {
	ContractID string  `json:"contract_id"`
	Title      string  `json:"title"`
	BestScore  float64 `json:"best_score"`
}

type AggregateResult struct {
	Hits []ContractHit
	// Chunks are the retrieved chunks of the surviving contracts, best first.
	Chunks   []RetrievalResult
	Degraded bool
	Notice   *DegradedModeNotice
}

type AggregatorConfig struct {
	MaxContracts int
	Concurrency  int
	// ChunksPerContract caps the supporting chunks kept per contract.
	ChunksPerContract int
	// TopK bounds the chunks retrieved in total.
	TopK     int
	MinScore float64
}

// Aggregator answers general-mode questions across every contract a user
// can read.
type Aggregator struct {
	retriever Retriever
	contracts ContractStore
	access    AccessPolicy
	cfg       AggregatorConfig
	logger    *zap.Logger
}

func NewAggregator(retriever Retriever, contracts ContractStore, access AccessPolicy, cfg AggregatorConfig, logger *zap.Logger) *Aggregator {
	if cfg.MaxContracts <= 0 {
		cfg.MaxContracts = DefaultMaxContracts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ChunksPerContract <= 0 {
		cfg.ChunksPerContract = defaultChunksPerContract
	}
	// Room for twice MaxContracts distinct contracts so access or metadata
	// drops still leave a full answer.
	if cfg.TopK <= 0 {
		cfg.TopK = 2 * cfg.MaxContracts * cfg.ChunksPerContract
	}
	return &Aggregator{
		retriever: retriever,
		contracts: contracts,
		access:    access,
		cfg:       cfg,
		logger:    logger.Named("aggregator"),
	}
}

// SearchAcrossAccessible returns the contracts best matching query among
// accessibleIDs. An empty accessibleIDs yields no hits.
func (a *Aggregator) SearchAcrossAccessible(ctx context.Context, user UserContext, query string, accessibleIDs []string) ([]ContractHit, error) {
	res, err := a.Aggregate(ctx, user, query, accessibleIDs)
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

// Aggregate is SearchAcrossAccessible plus the supporting chunks and the
// degraded flag of the underlying search.
func (a *Aggregator) Aggregate(ctx context.Context, user UserContext, query string, accessibleIDs []string) (AggregateResult, error) {
	result := AggregateResult{Hits: []ContractHit{}}
	if len(accessibleIDs) == 0 {
		return result, nil
	}

	outcome, err := a.retriever.Search(ctx, SearchRequest{
		Query:       query,
		ContractIDs: accessibleIDs,
		TopK:        a.cfg.TopK,
		MinScore:    a.cfg.MinScore,
		PerContract: a.cfg.ChunksPerContract,
	})
	if err != nil {
		return result, err
	}
	result.Degraded = outcome.Degraded
	result.Notice = outcome.Notice

	allowed := make(map[string]struct{}, len(accessibleIDs))
	for _, id := range accessibleIDs {
		allowed[id] = struct{}{}
	}

	// Group by contract, keeping the best chunk score.
	var candidates []ContractHit
	index := make(map[string]int)
	for _, r := range outcome.Results {
		if _, ok := allowed[r.ContractID]; !ok {
			continue
		}
		if i, ok := index[r.ContractID]; ok {
			if r.Score > candidates[i].BestScore {
				candidates[i].BestScore = r.Score
			}
			continue
		}
		index[r.ContractID] = len(candidates)
		candidates = append(candidates, ContractHit{ContractID: r.ContractID, BestScore: r.Score})
	}

	keep := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i := range candidates {
		g.Go(func() error {
			id := candidates[i].ContractID
			ok, err := a.access.IsAccessible(gctx, user, id)
			if err != nil || !ok {
				a.logger.Debug("dropping contract from aggregate", zap.String("contract_id", id), zap.Bool("accessible", ok), zap.Error(err))
				return nil
			}
			c, err := a.contracts.GetContract(gctx, id)
			if err != nil {
				a.logger.Debug("dropping contract without metadata", zap.String("contract_id", id), zap.Error(err))
				return nil
			}
			candidates[i].Title = c.Title
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	survivors := make(map[string]struct{})
	for i, c := range candidates {
		if keep[i] {
			result.Hits = append(result.Hits, c)
		}
	}
	sort.SliceStable(result.Hits, func(i, j int) bool {
		if result.Hits[i].BestScore != result.Hits[j].BestScore {
			return result.Hits[i].BestScore > result.Hits[j].BestScore
		}
		return result.Hits[i].ContractID < result.Hits[j].ContractID
	})
	if len(result.Hits) > a.cfg.MaxContracts {
		result.Hits = result.Hits[:a.cfg.MaxContracts]
	}
	for _, h := range result.Hits {
		survivors[h.ContractID] = struct{}{}
	}
	for _, r := range outcome.Results {
		if _, ok := survivors[r.ContractID]; ok {
			result.Chunks = append(result.Chunks, r)
		}
	}
	return result, nil
}
