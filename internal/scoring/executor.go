// Package scoring implements the SCORE stage: every enriched profile is
// rated against the run's business brief by an LLM.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/alitto/pond/v2"

	"github.com/jonathan/creator-pipeline/internal/llm"
	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/schemas"
	"github.com/jonathan/creator-pipeline/internal/types"
)

const (
	defaultChunkSize   = 25
	defaultMaxParallel = 16
	maxPromptPosts     = 10

	// SkippedNoProfiles is reported when ENRICH produced nothing to score.
	SkippedNoProfiles = "no_profiles"
)

// LLMProvider returns the LLM client for a model ("" for the default).
type LLMProvider func(ctx context.Context, model string) (llm.Client, error)

// Config configures the SCORE executor.
type Config struct {
	Logger *slog.Logger
	LLM    LLMProvider
	// ChunkSize is the number of profiles scored per batch.
	ChunkSize int
	// MaxParallel bounds concurrent LLM calls per run.
	MaxParallel int
}

func (c *Config) Validate() error {
	if c.LLM == nil {
		return errors.New("llm provider is required")
	}
	if c.ChunkSize < 0 || c.MaxParallel < 0 {
		return errors.New("chunk size and parallelism must not be negative")
	}
	return nil
}

// Executor runs the SCORE stage.
type Executor struct {
	log      *slog.Logger
	llm      LLMProvider
	chunk    int
	parallel int
}

// NewExecutor creates the SCORE executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	return &Executor{
		log:      cfg.Logger,
		llm:      cfg.LLM,
		chunk:    cfg.ChunkSize,
		parallel: cfg.MaxParallel,
	}, nil
}

func (e *Executor) Stage() types.Stage {
	return types.StageScore
}

type fitResponse struct {
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

func (e *Executor) Execute(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
	profiles := selectProfiles(req.Input, req.Previous)
	if len(profiles) == 0 {
		return &steps.StageOutput{
			Items:    []types.CreatorProfile{},
			Metadata: types.StageMetadata{Score: &types.ScoreMetadata{SkippedReason: SkippedNoProfiles}},
			Batched:  false,
		}, nil
	}

	client, err := e.llm(ctx, req.Request.Model)
	if err != nil {
		return nil, err
	}
	meta := &types.ScoreMetadata{Model: client.GetModel(llm.TierStandard)}

	parallel := e.parallel
	if c := req.Request.Concurrency; c > 0 && c < parallel {
		parallel = c
	}
	pool := pond.NewResultPool[types.CreatorProfile](parallel)
	defer pool.StopAndWait()

	items := make([]types.CreatorProfile, 0, len(profiles))
	total := 0
	for seq, start := 0, 0; start < len(profiles); seq, start = seq+1, start+e.chunk {
		if req.IsCancelled(ctx) {
			return nil, steps.ErrCancelled
		}
		end := min(start+e.chunk, len(profiles))

		group := pool.NewGroupContext(ctx)
		for _, p := range profiles[start:end] {
			group.SubmitErr(func() (types.CreatorProfile, error) {
				return e.score(ctx, client, req.Request.BusinessFitQuery, p), nil
			})
		}
		scored, err := group.Wait()
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sortByFit(scored)
		for _, p := range scored {
			if p.FitScore != nil {
				meta.Scored++
				total += *p.FitScore
			} else {
				meta.Failed++
			}
		}
		if err := req.EmitBatch(ctx, seq, scored); err != nil {
			return nil, err
		}
		items = append(items, scored...)
	}

	if meta.Scored == 0 {
		return nil, fmt.Errorf("all %d profiles failed to score", meta.Failed)
	}
	meta.AverageScore = float64(total) / float64(meta.Scored)

	return &steps.StageOutput{
		Items:    items,
		Metadata: types.StageMetadata{Score: meta},
		Debug: map[string]any{
			"chunk_size":  e.chunk,
			"parallelism": parallel,
		},
		Batched: true,
	}, nil
}

// score rates one profile. Failures are recorded on the profile, not returned.
func (e *Executor) score(ctx context.Context, client llm.Client, brief string, p types.CreatorProfile) types.CreatorProfile {
	prompt := llm.BuildExtractionPrompt(llm.ProfileFitSchema(brief), describe(p))
	raw, err := client.GenerateJSON(ctx, prompt, llm.TierStandard)
	if err == nil {
		err = schemas.ValidateBytes(schemas.FitResponse, []byte(raw))
	}
	var resp fitResponse
	if err == nil {
		err = json.Unmarshal([]byte(raw), &resp)
	}
	if err != nil {
		e.log.Warn("failed to score profile", "account", p.Account, "error", err)
		p.FitScore = nil
		p.FitRationale = ""
		p.FitError = err.Error()
		return p
	}
	p.FitScore = &resp.Score
	p.FitRationale = strings.TrimSpace(resp.Rationale)
	p.FitError = ""
	return p
}

// selectProfiles keeps the profiles ENRICH succeeded on, falling back to the
// whole input when ENRICH reported no successes.
func selectProfiles(input []types.CreatorProfile, previous *types.StageResult) []types.CreatorProfile {
	if previous == nil || previous.Metadata.Enrich == nil || len(previous.Metadata.Enrich.SuccessKeys) == 0 {
		return input
	}
	keys := make(map[string]bool, len(previous.Metadata.Enrich.SuccessKeys))
	for _, k := range previous.Metadata.Enrich.SuccessKeys {
		keys[k] = true
	}
	out := make([]types.CreatorProfile, 0, len(keys))
	for _, p := range input {
		if keys[p.Key()] {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return input
	}
	return out
}

// sortByFit orders by fit score, highest first, unscored last.
func sortByFit(profiles []types.CreatorProfile) {
	slices.SortStableFunc(profiles, func(a, b types.CreatorProfile) int {
		switch {
		case a.FitScore == nil && b.FitScore == nil:
			return 0
		case a.FitScore == nil:
			return 1
		case b.FitScore == nil:
			return -1
		default:
			return *b.FitScore - *a.FitScore
		}
	})
}

// describe renders the profile text the model judges.
func describe(p types.CreatorProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Account: @%s\n", strings.TrimPrefix(p.Account, "@"))
	if p.ProfileName != "" {
		fmt.Fprintf(&sb, "Name: %s\n", p.ProfileName)
	}
	if p.Platform != "" {
		fmt.Fprintf(&sb, "Platform: %s\n", p.Platform)
	}
	if p.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", p.Category)
	}
	if p.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", p.Location)
	}
	fmt.Fprintf(&sb, "Followers: %d\n", p.Followers)
	if p.AvgEngagement > 0 {
		fmt.Fprintf(&sb, "Average engagement: %.2f\n", p.AvgEngagement)
	}
	if p.Biography != "" {
		fmt.Fprintf(&sb, "Bio: %s\n", p.Biography)
	}
	if len(p.Posts) > 0 {
		sb.WriteString("Recent posts:\n")
		for i, post := range p.Posts {
			if i == maxPromptPosts {
				break
			}
			fmt.Fprintf(&sb, "- %s\n", post)
		}
	}
	return sb.String()
}
