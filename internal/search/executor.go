package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// Searcher runs one vector search query.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Hit, error)
}

// Config configures the SEARCH executor.
type Config struct {
	Logger   *slog.Logger
	Searcher Searcher
	Expander *Expander
}

// Executor runs the SEARCH stage. Each expanded query produces one batch
// holding the profiles it found first.
type Executor struct {
	log      *slog.Logger
	searcher Searcher
	expander *Expander
}

// NewExecutor creates the SEARCH executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Expander == nil {
		cfg.Expander = NewExpander(ExpanderConfig{Logger: cfg.Logger})
	}
	return &Executor{log: cfg.Logger, searcher: cfg.Searcher, expander: cfg.Expander}, nil
}

func (e *Executor) Stage() types.Stage {
	return types.StageSearch
}

func (e *Executor) Execute(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
	params := req.Request.Search
	queries := e.expander.Expand(ctx, params.Query, req.Request.Model)
	maxProfiles := req.Request.MaxProfiles
	if maxProfiles == 0 {
		maxProfiles = params.Limit
	}

	seen := make(map[string]bool)
	var (
		all        []types.CreatorProfile
		candidates int
		seq        int
		failed     []string
		perQuery   = make(map[string]int)
	)

	for _, q := range queries {
		if req.IsCancelled(ctx) {
			return nil, steps.ErrCancelled
		}
		if maxProfiles > 0 && len(all) >= maxProfiles {
			break
		}

		hits, err := e.searcher.Search(ctx, Query{
			Query:   q,
			Method:  params.Method,
			Limit:   params.Limit,
			Filters: FiltersFrom(params),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("search query failed", "run_id", req.Run.ID, "query", q, "error", err)
			failed = append(failed, q)
			continue
		}
		candidates += len(hits)
		perQuery[q] = len(hits)

		batch := newProfiles(hits, seen, q, params.Method)
		if maxProfiles > 0 && len(all)+len(batch) > maxProfiles {
			batch = batch[:maxProfiles-len(all)]
		}
		if len(batch) == 0 {
			continue
		}
		if err := req.EmitBatch(ctx, seq, batch); err != nil {
			return nil, fmt.Errorf("failed to deliver batch %d: %w", seq, err)
		}
		seq++
		all = append(all, batch...)
	}

	if len(failed) == len(queries) {
		return nil, fmt.Errorf("all %d search queries failed", len(queries))
	}

	return &steps.StageOutput{
		Items: all,
		Metadata: types.StageMetadata{
			Search: &types.SearchMetadata{
				Method:     params.Method,
				Queries:    queries,
				Candidates: candidates,
			},
		},
		Debug: map[string]any{
			"search_params":  params,
			"per_query":      perQuery,
			"failed_queries": failed,
			"batches":        seq,
		},
		Batched: true,
	}, nil
}

// newProfiles returns the hits not seen before, best score first, marking them seen.
func newProfiles(hits []Hit, seen map[string]bool, query, method string) []types.CreatorProfile {
	sorted := make([]Hit, len(hits))
	copy(sorted, hits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	out := make([]types.CreatorProfile, 0, len(sorted))
	for _, h := range sorted {
		p := h.CreatorProfile
		key := p.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		p.SearchScore = h.Score
		p.ScoreMode = method
		p.MatchedQuery = query
		out = append(out, p)
	}
	return out
}
