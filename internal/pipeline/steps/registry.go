// Package steps provides stage definitions, dependency validation, and the
// executor contract for the creator search pipeline.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// ErrCancelled is returned by executors that observed the run's cancel flag
// at one of their checkpoints.
var ErrCancelled = errors.New("run cancelled")

// StageDefinition defines metadata for a pipeline stage
type StageDefinition struct {
	Stage        types.Stage
	Description  string
	Dependencies []types.Stage
	// Incremental stages deliver batches and poll the cancel flag while running.
	Incremental bool
}

// StageRegistry holds all stage definitions
var StageRegistry = map[types.Stage]StageDefinition{
	types.StageSearch: {
		Stage:        types.StageSearch,
		Description:  "query expansion and vector search",
		Dependencies: []types.Stage{},
		Incremental:  true,
	},
	types.StageEnrich: {
		Stage:        types.StageEnrich,
		Description:  "third-party profile enrichment",
		Dependencies: []types.Stage{types.StageSearch},
		Incremental:  true,
	},
	types.StageScore: {
		Stage:        types.StageScore,
		Description:  "LLM business-fit scoring",
		Dependencies: []types.Stage{types.StageEnrich},
		Incremental:  true,
	},
}

// BatchSink receives numbered partial results while a stage runs.
type BatchSink func(ctx context.Context, seq int, items []types.CreatorProfile) error

// CancelCheck reports whether cancellation was requested for the run.
type CancelCheck func(ctx context.Context) (bool, error)

// StageRequest is everything an executor gets to run one stage.
type StageRequest struct {
	Run     *types.PipelineRun
	Request *types.RunRequest
	// Input is the full item list of the previous stage (empty for SEARCH).
	Input []types.CreatorProfile
	// Previous is the previous stage's record, without items.
	Previous *types.StageResult
	Emit     BatchSink
	// Cancelled is nil-safe through IsCancelled.
	Cancelled CancelCheck
	Logger    *slog.Logger
}

// IsCancelled polls the cancel flag. Errors reading the flag count as not cancelled.
func (r *StageRequest) IsCancelled(ctx context.Context) bool {
	if r.Cancelled == nil {
		return false
	}
	cancelled, err := r.Cancelled(ctx)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("failed to read cancel flag", "run_id", r.Run.ID, "error", err)
		}
		return false
	}
	return cancelled
}

// EmitBatch delivers a batch if the request has a sink.
func (r *StageRequest) EmitBatch(ctx context.Context, seq int, items []types.CreatorProfile) error {
	if r.Emit == nil {
		return nil
	}
	return r.Emit(ctx, seq, items)
}

// StageOutput is what an executor returns for a finished stage.
type StageOutput struct {
	// Items is the complete ordered result list of the stage.
	Items    []types.CreatorProfile
	Metadata types.StageMetadata
	Debug    map[string]any
	// Batched is set when Items were already delivered through Emit.
	Batched bool
}

// StageExecutor defines the interface for executing pipeline stages
type StageExecutor interface {
	Stage() types.Stage
	Execute(ctx context.Context, req *StageRequest) (*StageOutput, error)
}

// StageReader is the part of the state store used for dependency checks.
type StageReader interface {
	GetStageResult(ctx context.Context, runID string, stage types.Stage) (*types.StageResult, error)
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Stage               types.Stage
	MissingDependencies []types.Stage
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s missing dependencies: %v", e.Stage, e.MissingDependencies)
}

// ValidateDependencies checks if all required dependencies for a stage are completed
func ValidateDependencies(ctx context.Context, r StageReader, runID string, stage types.Stage) error {
	def, ok := StageRegistry[stage]
	if !ok {
		return fmt.Errorf("unknown stage: %s", stage)
	}

	var missing []types.Stage
	for _, dep := range def.Dependencies {
		res, err := r.GetStageResult(ctx, runID, dep)
		if err != nil {
			return fmt.Errorf("failed to check dependency %s: %w", dep, err)
		}
		if res == nil || res.Status != types.StageStatusCompleted {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Stage:               stage,
			MissingDependencies: missing,
		}
	}
	return nil
}

// Registry maps stages to their executors.
type Registry struct {
	executors map[types.Stage]StageExecutor
}

// NewRegistry builds a registry from executors; every stage must be covered once.
func NewRegistry(executors ...StageExecutor) (*Registry, error) {
	r := &Registry{executors: make(map[types.Stage]StageExecutor)}
	for _, e := range executors {
		s := e.Stage()
		if _, ok := StageRegistry[s]; !ok {
			return nil, fmt.Errorf("unknown stage: %s", s)
		}
		if _, dup := r.executors[s]; dup {
			return nil, fmt.Errorf("duplicate executor for stage %s", s)
		}
		r.executors[s] = e
	}
	for _, s := range types.StageOrder {
		if _, ok := r.executors[s]; !ok {
			return nil, fmt.Errorf("no executor for stage %s", s)
		}
	}
	return r, nil
}

// Get returns the executor of a stage.
func (r *Registry) Get(stage types.Stage) (StageExecutor, bool) {
	e, ok := r.executors[stage]
	return e, ok
}
