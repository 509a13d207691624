package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/types"
)

const (
	defaultChunkSize    = 50
	defaultMaxParallel  = 4
	defaultPollInterval = 30 * time.Second
)

// Provider is the enrichment data provider.
type Provider interface {
	Trigger(ctx context.Context, urls []string) (string, error)
	Status(ctx context.Context, snapshotID string) (string, error)
	Download(ctx context.Context, snapshotID string) ([]Record, error)
}

// Config configures the ENRICH executor.
type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Provider     Provider
	PollInterval time.Duration
	// ChunkSize is the number of profile URLs per snapshot.
	ChunkSize int
	// MaxParallel bounds concurrent snapshots per run.
	MaxParallel int
}

func (c *Config) Validate() error {
	if c.Provider == nil {
		return errors.New("provider is required")
	}
	if c.ChunkSize < 0 || c.MaxParallel < 0 || c.PollInterval < 0 {
		return errors.New("chunk size, parallelism and poll interval must not be negative")
	}
	return nil
}

// Executor runs the ENRICH stage. Chunk i of the input is delivered as batch i.
type Executor struct {
	log      *slog.Logger
	clock    clockwork.Clock
	provider Provider
	poll     time.Duration
	chunk    int
	parallel int
}

// NewExecutor creates the ENRICH executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	return &Executor{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		provider: cfg.Provider,
		poll:     cfg.PollInterval,
		chunk:    cfg.ChunkSize,
		parallel: cfg.MaxParallel,
	}, nil
}

func (e *Executor) Stage() types.Stage {
	return types.StageEnrich
}

func (e *Executor) Execute(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
	input := req.Input
	chunks := chunk(input, e.chunk)
	results := make([][]types.CreatorProfile, len(chunks))
	snapshots := make([]string, len(chunks))

	limit := e.parallel
	if c := req.Request.Concurrency; c > 0 && c < limit {
		limit = c
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, profiles := range chunks {
		g.Go(func() error {
			if req.IsCancelled(gctx) {
				return steps.ErrCancelled
			}
			enriched, snapshotID, err := e.enrichChunk(gctx, req, profiles)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = enriched
			snapshots[i] = snapshotID
			return req.EmitBatch(gctx, i, enriched)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]types.CreatorProfile, 0, len(input))
	meta := &types.EnrichMetadata{Requested: len(input), SuccessKeys: []string{}}
	for _, batch := range results {
		for _, p := range batch {
			if p.Enriched {
				meta.Succeeded++
				meta.SuccessKeys = append(meta.SuccessKeys, p.Key())
			} else {
				meta.Failed++
			}
			items = append(items, p)
		}
	}

	return &steps.StageOutput{
		Items:    items,
		Metadata: types.StageMetadata{Enrich: meta},
		Debug: map[string]any{
			"snapshots":  snapshots,
			"chunk_size": e.chunk,
			"max_posts":  req.Request.MaxPosts,
		},
		Batched: true,
	}, nil
}

func (e *Executor) enrichChunk(ctx context.Context, req *steps.StageRequest, profiles []types.CreatorProfile) ([]types.CreatorProfile, string, error) {
	out := make([]types.CreatorProfile, len(profiles))
	copy(out, profiles)

	var urls []string
	for i := range out {
		u := ProfileURL(out[i].Platform, out[i].Account, out[i].ProfileURL)
		if u == "" {
			out[i].EnrichError = "no profile url"
			continue
		}
		out[i].ProfileURL = u
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return out, "", nil
	}

	snapshotID, err := e.provider.Trigger(ctx, urls)
	if err != nil {
		return nil, "", err
	}
	if err := e.waitReady(ctx, req, snapshotID); err != nil {
		return nil, snapshotID, err
	}
	records, err := e.provider.Download(ctx, snapshotID)
	if err != nil {
		return nil, snapshotID, err
	}

	byURL := make(map[string]Record, len(records))
	byAccount := make(map[string]Record, len(records))
	for _, r := range records {
		if c := CanonicalURL(r.URL); c != "" {
			byURL[strings.ToLower(c)] = r
		}
		if r.Account != "" {
			byAccount[strings.ToLower(strings.TrimPrefix(r.Account, "@"))] = r
		}
	}

	for i := range out {
		if out[i].EnrichError != "" {
			continue
		}
		rec, ok := byURL[strings.ToLower(out[i].ProfileURL)]
		if !ok {
			rec, ok = byAccount[out[i].Key()]
		}
		switch {
		case !ok:
			out[i].EnrichError = "not returned by provider"
		case rec.Error != "":
			out[i].EnrichError = rec.Error
		default:
			apply(&out[i], rec, req.Request.MaxPosts)
		}
	}
	return out, snapshotID, nil
}

// waitReady polls the snapshot until it is ready, checking the cancel flag
// between polls.
func (e *Executor) waitReady(ctx context.Context, req *steps.StageRequest, snapshotID string) error {
	for {
		status, err := e.provider.Status(ctx, snapshotID)
		if err != nil {
			return err
		}
		switch status {
		case SnapshotReady:
			return nil
		case SnapshotFailed:
			return fmt.Errorf("snapshot %s failed", snapshotID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.poll):
		}
		if req.IsCancelled(ctx) {
			return steps.ErrCancelled
		}
	}
}

func apply(p *types.CreatorProfile, rec Record, maxPosts int) {
	p.Enriched = true
	p.EnrichError = ""
	if rec.ProfileName != "" {
		p.ProfileName = CleanText(rec.ProfileName)
	}
	if rec.Biography != "" {
		p.Biography = CleanText(rec.Biography)
	}
	if rec.BusinessEmail != "" {
		p.BusinessEmail = strings.TrimSpace(rec.BusinessEmail)
	}
	if rec.Followers != nil {
		p.Followers = *rec.Followers
	}
	if rec.AvgEngagement != nil {
		p.AvgEngagement = *rec.AvgEngagement
	}
	if rec.IsVerified != nil {
		v := *rec.IsVerified
		p.IsVerified = &v
	}
	p.Posts = nil
	for _, post := range rec.Posts {
		if maxPosts > 0 && len(p.Posts) >= maxPosts {
			break
		}
		if text := CleanText(post.Caption); text != "" {
			p.Posts = append(p.Posts, text)
		}
	}
}

func chunk(items []types.CreatorProfile, size int) [][]types.CreatorProfile {
	var out [][]types.CreatorProfile
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
