// Package pipeline drives creator search runs through their stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond/v2"

	"github.com/jonathan/creator-pipeline/internal/metrics"
	"github.com/jonathan/creator-pipeline/internal/notify"
	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

// DefaultWorkers bounds the number of runs executing at once.
const DefaultWorkers = 16

// Config configures an Orchestrator.
type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Invoker   *Invoker
	Publisher notify.Publisher
	// Workers is the number of runs executed concurrently.
	Workers int
	// OnRelease is called once a run has finished executing in this process.
	OnRelease func(runID string)
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Invoker == nil {
		return errors.New("invoker is required")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	return nil
}

// Orchestrator executes runs on a worker pool, one independent task per run.
// Stages of one run execute strictly in order.
type Orchestrator struct {
	log       *slog.Logger
	store     store.Store
	invoker   *Invoker
	publisher notify.Publisher
	onRelease func(string)
	pool      pond.Pool
	stopOnce  sync.Once
	// inflight holds the IDs of runs submitted and not yet returned.
	inflight  sync.Map
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Nop{}
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Orchestrator{
		log:       cfg.Logger,
		store:     cfg.Store,
		invoker:   cfg.Invoker,
		publisher: cfg.Publisher,
		onRelease: cfg.OnRelease,
		pool:      pond.NewPool(cfg.Workers),
	}, nil
}

// Submit schedules the run for execution and returns immediately. ctx bounds
// the execution and should outlive the request that created the run. A run
// already submitted and not yet finished is not scheduled again.
func (o *Orchestrator) Submit(ctx context.Context, runID string) {
	if _, loaded := o.inflight.LoadOrStore(runID, struct{}{}); loaded {
		o.log.Debug("run already executing", "run_id", runID)
		return
	}
	o.pool.Submit(func() {
		defer o.inflight.Delete(runID)
		if _, err := o.Run(ctx, runID); err != nil {
			o.log.Error("run execution stopped", "run_id", runID, "error", err)
		}
	})
}

// Resume submits every pending or running run found in the store, such as
// runs cut short by a previous shutdown. Stages they already completed are
// not executed again.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	runs, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}
	for _, run := range runs {
		o.log.Info("resuming run", "run_id", run.ID, "status", run.Status,
			"completed_stages", run.CompletedStages)
		o.Submit(ctx, run.ID)
	}
	return len(runs), nil
}

// Stop waits for in-flight runs to finish and stops the pool. It is safe to
// call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(o.pool.StopAndWait)
}

// Run executes the run synchronously and returns its final stored state.
// Stage failures end the run in status error and are not returned; the
// returned error covers store failures and ctx cancellation, which leave the
// run resumable.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*types.PipelineRun, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	if o.onRelease != nil {
		defer o.onRelease(runID)
	}

	log := o.log.With("run_id", runID)
	log.Info("run started", "status", run.Status, "planned", run.PlannedStages())

	for _, stage := range run.PlannedStages() {
		// Stage boundary: re-read the run to observe cancellation.
		run, err = o.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if run.CancelRequested {
			return o.finish(ctx, run, types.RunStatusCancelled, nil)
		}
		if run.HasCompleted(stage) {
			continue
		}

		if err := steps.ValidateDependencies(ctx, o.store, runID, stage); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			serr := &StageError{Stage: stage, Err: err}
			return o.finish(ctx, run, types.RunStatusError, serr)
		}

		run, err = o.store.UpdateRun(ctx, runID, store.RunUpdate{
			Status:       store.Ptr(types.RunStatusRunning),
			CurrentStage: &stage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start stage %s: %w", stage, err)
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if _, err := o.store.SetStageStatus(ctx, runID, stage, types.StageStatusRunning, store.StageFields{}); err != nil {
			return nil, fmt.Errorf("failed to mark stage %s running: %w", stage, err)
		}

		outcome, err := o.invoker.Invoke(ctx, run, stage)
		if err != nil {
			var serr *StageError
			if errors.As(err, &serr) {
				return o.finish(ctx, run, types.RunStatusError, serr)
			}
			return nil, err
		}
		if outcome.Discarded {
			return o.finish(ctx, run, types.RunStatusCancelled, nil)
		}

		run, err = o.store.UpdateRun(ctx, runID, store.RunUpdate{
			AppendCompleted: []types.Stage{stage},
			Progress:        store.Ptr(types.StageProgress(stage)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record stage %s completion: %w", stage, err)
		}
		log.Info("stage boundary", "stage", stage, "items", outcome.ItemCount, "progress", run.OverallProgress)
	}

	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	if run.CancelRequested {
		return o.finish(ctx, run, types.RunStatusCancelled, nil)
	}
	return o.finish(ctx, run, types.RunStatusCompleted, nil)
}

// finish moves the run to a terminal status. Repeated attempts on a terminal
// run are no-ops in the store; only the writer that performed the transition
// publishes the notification.
func (o *Orchestrator) finish(ctx context.Context, prev *types.PipelineRun, status types.RunStatus, cause error) (*types.PipelineRun, error) {
	upd := store.RunUpdate{
		Status:            &status,
		ClearCurrentStage: true,
	}
	if status == types.RunStatusCompleted {
		upd.Progress = store.Ptr(100)
	}
	if cause != nil {
		upd.ErrorMessage = store.Ptr(cause.Error())
	}

	run, err := o.store.UpdateRun(ctx, prev.ID, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to finish run as %s: %w", status, err)
	}
	if prev.Status.IsTerminal() || run.Status != status || run.Version == prev.Version {
		return run, nil
	}

	metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	o.log.Info("run finished", "run_id", run.ID, "status", run.Status,
		"completed_stages", run.CompletedStages, "error", cause)

	if err := o.publisher.Publish(ctx, notify.EventFromRun(run)); err != nil {
		o.log.Warn("failed to publish run event", "run_id", run.ID, "error", err)
	}
	return run, nil
}
