package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/jonathan/creator-pipeline/internal/aggregate"
	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/schemas"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// Invoker defaults.
const (
	DefaultStageTimeout   = 10 * time.Minute
	DefaultStageAttempts  = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Store      store.Store
	Aggregator *aggregate.Aggregator
	Registry   *steps.Registry

	// Timeout bounds a stage including its retries and backoff waits.
	// Timeouts overrides it per stage.
	Timeout  time.Duration
	Timeouts map[types.Stage]time.Duration
	// MaxAttempts bounds retries of one stage within its budget.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *InvokerConfig) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Aggregator == nil {
		return errors.New("aggregator is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Timeout < 0 || c.MaxAttempts < 0 {
		return errors.New("timeout and attempts must not be negative")
	}
	return nil
}

// Outcome is the result of one successful stage invocation.
type Outcome struct {
	Stage     types.Stage
	ItemCount int
	Metadata  types.StageMetadata
	// Discarded is set when the run was cancelled while the stage ran; its
	// output was not recorded as a completed stage.
	Discarded bool
}

// Invoker calls stage executors and writes their results to the store.
type Invoker struct {
	log   *slog.Logger
	clock clockwork.Clock
	store store.Store
	agg   *aggregate.Aggregator
	reg   *steps.Registry
	cfg   InvokerConfig
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg InvokerConfig) (*Invoker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultStageTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultStageAttempts
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Invoker{
		log:   cfg.Logger,
		clock: cfg.Clock,
		store: cfg.Store,
		agg:   cfg.Aggregator,
		reg:   cfg.Registry,
		cfg:   cfg,
	}, nil
}

func (inv *Invoker) timeout(stage types.Stage) time.Duration {
	if d, ok := inv.cfg.Timeouts[stage]; ok && d > 0 {
		return d
	}
	return inv.cfg.Timeout
}

// Invoke runs one stage of the run. Failures are recorded on the stage record
// and returned as *StageError. Cancellation observed while the stage ran
// yields an Outcome with Discarded set and no error.
func (inv *Invoker) Invoke(ctx context.Context, run *types.PipelineRun, stage types.Stage) (*Outcome, error) {
	executor, ok := inv.reg.Get(stage)
	if !ok {
		return nil, inv.fail(ctx, run.ID, stage, fmt.Errorf("no executor registered"))
	}

	req, err := inv.buildRequest(ctx, run, stage)
	if err != nil {
		return nil, inv.fail(ctx, run.ID, stage, err)
	}

	// Output left by an execution interrupted mid-stage is dropped like that
	// of a failed attempt.
	prior, err := inv.store.GetStageResult(ctx, run.ID, stage)
	if err != nil {
		return nil, inv.fail(ctx, run.ID, stage, err)
	}
	leftover := prior != nil && (prior.ItemCount > 0 || len(prior.Batches) > 0 || prior.BlobPath != "")

	log := inv.log.With("run_id", run.ID, "stage", stage)
	start := inv.clock.Now()
	attempt := 0

	limit := inv.timeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	timedOut := func(cause error) error {
		return fmt.Errorf("%w after %s: %w", ErrStageTimeout, limit, cause)
	}

	out, err := backoff.Retry(stageCtx, func() (*steps.StageOutput, error) {
		attempt++
		metrics.StageAttempts.WithLabelValues(string(stage)).Inc()
		if attempt > 1 || leftover {
			if err := inv.resetResults(ctx, run.ID, stage); err != nil {
				return nil, err
			}
		}

		out, err := executor.Execute(stageCtx, req)
		switch {
		case err == nil:
			if verr := validateOutput(stage, out); verr != nil {
				return nil, backoff.Permanent(verr)
			}
			return out, nil
		case errors.Is(err, steps.ErrCancelled), ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case stageCtx.Err() != nil:
			return nil, backoff.Permanent(timedOut(err))
		}
		log.Warn("stage attempt failed", "attempt", attempt, "error", err)
		return nil, err
	},
		backoff.WithBackOff(inv.newBackOff()),
		backoff.WithMaxTries(uint(inv.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(limit),
	)
	elapsed := inv.clock.Since(start)

	if errors.Is(err, steps.ErrCancelled) {
		metrics.StageDuration.WithLabelValues(string(stage), "cancelled").Observe(elapsed.Seconds())
		log.Info("stage stopped at cancel checkpoint")
		return &Outcome{Stage: stage, Discarded: true}, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stageCtx.Err() != nil && !errors.Is(err, ErrStageTimeout) {
			err = timedOut(err)
		}
		metrics.StageDuration.WithLabelValues(string(stage), "error").Observe(elapsed.Seconds())
		return nil, inv.fail(ctx, run.ID, stage, err)
	}

	if cancelled := req.IsCancelled(ctx); cancelled {
		metrics.StageDuration.WithLabelValues(string(stage), "cancelled").Observe(elapsed.Seconds())
		log.Info("discarding stage output of cancelled run")
		return &Outcome{Stage: stage, Discarded: true}, nil
	}

	if !out.Batched {
		if _, err := inv.agg.ApplyBatch(ctx, run.ID, stage, 0, out.Items); err != nil {
			return nil, inv.fail(ctx, run.ID, stage, fmt.Errorf("failed to store results: %w", err))
		}
	}
	count := len(out.Items)
	if out.Batched {
		res, err := inv.store.GetStageResult(ctx, run.ID, stage)
		if err != nil {
			return nil, inv.fail(ctx, run.ID, stage, fmt.Errorf("failed to read results: %w", err))
		}
		if res != nil {
			count = res.ItemCount
		}
	}

	meta := out.Metadata
	meta.InputSize = store.Ptr(types.PayloadSize(len(req.Input)))
	meta.OutputSize = store.Ptr(types.PayloadSize(count))
	meta.DurationMs = elapsed.Milliseconds()

	fields := store.StageFields{Metadata: &meta}
	if run.Request != nil && run.Request.DebugMode && out.Debug != nil {
		fields.Debug = out.Debug
	}
	if _, err := inv.store.SetStageStatus(ctx, run.ID, stage, types.StageStatusCompleted, fields); err != nil {
		return nil, inv.fail(ctx, run.ID, stage, fmt.Errorf("failed to complete stage record: %w", err))
	}

	metrics.StageDuration.WithLabelValues(string(stage), "ok").Observe(elapsed.Seconds())
	log.Info("stage completed", "items", count, "attempts", attempt, "duration", elapsed)

	return &Outcome{Stage: stage, ItemCount: count, Metadata: meta}, nil
}

func (inv *Invoker) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = inv.cfg.InitialBackoff
	bo.MaxInterval = inv.cfg.MaxBackoff
	return bo
}

// buildRequest loads the previous stage's output as this stage's input.
func (inv *Invoker) buildRequest(ctx context.Context, run *types.PipelineRun, stage types.Stage) (*steps.StageRequest, error) {
	req := &steps.StageRequest{
		Run:     run,
		Request: run.Request,
		Input:   []types.CreatorProfile{},
		Logger:  inv.log.With("run_id", run.ID, "stage", stage),
		Emit: func(ctx context.Context, seq int, items []types.CreatorProfile) error {
			_, err := inv.agg.ApplyBatch(ctx, run.ID, stage, seq, items)
			return err
		},
		Cancelled: func(ctx context.Context) (bool, error) {
			current, err := inv.store.GetRun(ctx, run.ID)
			if err != nil {
				return false, err
			}
			return current.CancelRequested || current.Status == types.RunStatusCancelled, nil
		},
	}
	if req.Request == nil {
		req.Request = &types.RunRequest{}
	}

	idx := types.StageIndex(stage)
	if idx <= 0 {
		return req, nil
	}
	prevStage := types.StageOrder[idx-1]
	prev, err := inv.store.GetStageResult(ctx, run.ID, prevStage)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s result: %w", prevStage, err)
	}
	if prev == nil {
		return req, nil
	}
	items, err := aggregate.Load(ctx, inv.agg.Blobs(), prev)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s result: %w", prevStage, err)
	}
	summary := prev.Summary()
	req.Previous = &summary
	if items != nil {
		req.Input = items
	}
	return req, nil
}

// resetResults drops batches delivered by a failed attempt so a retry starts
// from an empty list.
func (inv *Invoker) resetResults(ctx context.Context, runID string, stage types.Stage) error {
	empty := []types.CreatorProfile{}
	_, err := inv.store.UpdateStage(ctx, runID, stage, store.StageFields{
		Items:     &empty,
		BlobPath:  store.Ptr(""),
		ItemCount: store.Ptr(0),
		Batches:   &[]types.BatchRef{},
	})
	if err != nil {
		return fmt.Errorf("failed to reset stage results: %w", err)
	}
	return nil
}

// fail records the error on the stage record and returns it as a *StageError.
func (inv *Invoker) fail(ctx context.Context, runID string, stage types.Stage, cause error) error {
	serr := &StageError{Stage: stage, Err: cause}
	msg := serr.Error()
	if _, err := inv.store.SetStageStatus(ctx, runID, stage, types.StageStatusError, store.StageFields{ErrorMessage: &msg}); err != nil {
		inv.log.Error("failed to record stage error", "run_id", runID, "stage", stage, "error", err)
	}
	inv.log.Error("stage failed", "run_id", runID, "stage", stage, "error", cause)
	return serr
}

func validateOutput(stage types.Stage, out *steps.StageOutput) error {
	if out == nil {
		return fmt.Errorf("%w: executor returned no output", ErrMalformedOutput)
	}
	if !out.Metadata.Matches(stage) {
		return fmt.Errorf("%w: metadata does not match stage %s", ErrMalformedOutput, stage)
	}
	if out.Items == nil {
		out.Items = []types.CreatorProfile{}
	}
	if err := schemas.Validate(schemas.Profiles, out.Items); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
