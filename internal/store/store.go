// Package store defines the state store holding pipeline runs and their
// per-stage result records, plus the merge rules every backend enforces.
package store

import (
	"context"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// Store is the durable home of pipeline run state.
//
// Every write is a field-level merge: fields left nil in an update are never
// touched, so the orchestrator and an out-of-band cancel writer can mutate the
// same run concurrently. Every write to a run or one of its stages bumps the
// run's Version and UpdatedAt.
type Store interface {
	// CreateRun persists a new run in pending status and returns its id.
	CreateRun(ctx context.Context, run *types.PipelineRun) (string, error)
	// GetRun returns the run or a *NotFoundError.
	GetRun(ctx context.Context, runID string) (*types.PipelineRun, error)
	// UpdateRun merges the update into the run and returns the stored result.
	// Updates against a terminal run are silent no-ops.
	UpdateRun(ctx context.Context, runID string, upd RunUpdate) (*types.PipelineRun, error)
	// SetStageStatus creates or updates the stage record with a new status.
	SetStageStatus(ctx context.Context, runID string, stage types.Stage, status types.StageStatus, fields StageFields) (*types.StageResult, error)
	// UpdateStage merges fields into the stage record without a status change.
	UpdateStage(ctx context.Context, runID string, stage types.Stage, fields StageFields) (*types.StageResult, error)
	// GetStageResult returns the stage record, or nil when none exists yet.
	GetStageResult(ctx context.Context, runID string, stage types.Stage) (*types.StageResult, error)
	// ListStageResults returns every stage record of the run in stage order.
	ListStageResults(ctx context.Context, runID string) ([]types.StageResult, error)
	// ListActiveRuns returns the pending and running runs, oldest first.
	ListActiveRuns(ctx context.Context) ([]*types.PipelineRun, error)
	// RequestCancel sets cancel_requested while the run is not terminal.
	RequestCancel(ctx context.Context, runID string) (*types.PipelineRun, error)
	// Watch streams snapshots of the run, starting with the current state.
	// The channel closes after a terminal snapshot or when ctx is done.
	Watch(ctx context.Context, runID string) (<-chan Snapshot, error)
	Close() error
}

// RunUpdate is a partial update to a run. Nil fields are left untouched.
type RunUpdate struct {
	Status            *types.RunStatus
	CurrentStage      *types.Stage
	ClearCurrentStage bool
	AppendCompleted   []types.Stage
	Progress          *int
	ErrorMessage      *string
}

// StageFields is a partial update to a stage record. Nil fields are left untouched.
type StageFields struct {
	Items        *[]types.CreatorProfile
	BlobPath     *string
	ItemCount    *int
	Batches      *[]types.BatchRef
	BatchVersion *int
	Metadata     *types.StageMetadata
	Debug        map[string]any
	ErrorMessage *string
}

// Snapshot is one observation of a run and its stage summaries.
type Snapshot struct {
	Run    *types.PipelineRun
	Stages []types.StageResult
}

// Stage returns the summary for the given stage, if present.
func (s Snapshot) Stage(stage types.Stage) (types.StageResult, bool) {
	for _, r := range s.Stages {
		if r.Stage == stage {
			return r, true
		}
	}
	return types.StageResult{}, false
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}
