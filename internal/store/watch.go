package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/creator-pipeline/internal/types"
	"github.com/jonboulle/clockwork"
)

// snapshotBuffer bounds how far a watcher may run ahead of its consumer.
const snapshotBuffer = 16

// Reader is the read side a watcher needs.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*types.PipelineRun, error)
	ListStageResults(ctx context.Context, runID string) ([]types.StageResult, error)
}

// ReadSnapshot reads the run and its stage summaries.
func ReadSnapshot(ctx context.Context, r Reader, runID string) (Snapshot, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	stages, err := r.ListStageResults(ctx, runID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to list stage results: %w", err)
	}
	summaries := make([]types.StageResult, 0, len(stages))
	for i := range stages {
		summaries = append(summaries, stages[i].Summary())
	}
	return Snapshot{Run: run, Stages: summaries}, nil
}

// PollConfig configures a polling watcher.
type PollConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Interval time.Duration
}

// PollWatch implements Watch for stores without change notifications by
// re-reading the run every Interval and emitting a snapshot whenever its
// Version moved forward.
func PollWatch(ctx context.Context, r Reader, runID string, cfg PollConfig) (<-chan Snapshot, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	first, err := ReadSnapshot(ctx, r, runID)
	if err != nil {
		return nil, err
	}

	out := make(chan Snapshot, snapshotBuffer)
	go func() {
		defer close(out)

		if !send(ctx, out, first) || first.Run.Status.IsTerminal() {
			return
		}
		last := first.Run.Version

		ticker := cfg.Clock.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				snap, err := ReadSnapshot(ctx, r, runID)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					cfg.Logger.Warn("watch poll failed", "run_id", runID, "error", err)
					continue
				}
				if snap.Run.Version <= last {
					continue
				}
				last = snap.Run.Version
				if !send(ctx, out, snap) || snap.Run.Status.IsTerminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- Snapshot, snap Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
