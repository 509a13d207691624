package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/creator-pipeline/internal/aggregate"
	"github.com/jonathan/creator-pipeline/internal/notify"
	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/store/badgerstore"
	"github.com/jonathan/creator-pipeline/internal/types"
)

type executeFunc func(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error)

type stubExecutor struct {
	stage types.Stage
	fn    executeFunc
	calls atomic.Int32
}

func (s *stubExecutor) Stage() types.Stage { return s.stage }

func (s *stubExecutor) Execute(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
	s.calls.Add(1)
	if s.fn == nil {
		return okOutput(s.stage, req.Input), nil
	}
	return s.fn(ctx, req)
}

// okOutput passes the input through, seeding two profiles at SEARCH.
func okOutput(stage types.Stage, input []types.CreatorProfile) *steps.StageOutput {
	items := input
	var meta types.StageMetadata
	switch stage {
	case types.StageSearch:
		items = []types.CreatorProfile{{ID: "1", Account: "ana"}, {ID: "2", Account: "bo"}}
		meta.Search = &types.SearchMetadata{Method: types.SearchMethodHybrid, Candidates: len(items)}
	case types.StageEnrich:
		meta.Enrich = &types.EnrichMetadata{Requested: len(items), Succeeded: len(items)}
	case types.StageScore:
		meta.Score = &types.ScoreMetadata{Scored: len(items)}
	}
	return &steps.StageOutput{Items: items, Metadata: meta}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.RunEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() {}

type harness struct {
	store     *badgerstore.Store
	orch      *Orchestrator
	execs     map[types.Stage]*stubExecutor
	publisher *recordingPublisher
}

func newHarness(t *testing.T, configure func(*InvokerConfig)) *harness {
	t.Helper()
	s, err := badgerstore.OpenInMemory(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	agg, err := aggregate.New(aggregate.Config{Store: s, Blobs: s.Blobs()})
	require.NoError(t, err)

	h := &harness{
		store:     s,
		execs:     make(map[types.Stage]*stubExecutor),
		publisher: &recordingPublisher{},
	}
	var executors []steps.StageExecutor
	for _, stage := range types.StageOrder {
		e := &stubExecutor{stage: stage}
		h.execs[stage] = e
		executors = append(executors, e)
	}
	reg, err := steps.NewRegistry(executors...)
	require.NoError(t, err)

	cfg := InvokerConfig{
		Store:          s,
		Aggregator:     agg,
		Registry:       reg,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	inv, err := NewInvoker(cfg)
	require.NoError(t, err)

	h.orch, err = New(Config{Store: s, Invoker: inv, Publisher: h.publisher, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(h.orch.Stop)
	return h
}

func (h *harness) createRun(t *testing.T, stopAt *types.Stage) string {
	t.Helper()
	req := &types.RunRequest{
		Search:           types.SearchParams{Query: "vegan chefs"},
		BusinessFitQuery: "vegan meal kits",
	}
	req.ApplyDefaults()
	id, err := h.store.CreateRun(context.Background(), &types.PipelineRun{
		UserID:      "user-1",
		StopAtStage: stopAt,
		Request:     req,
	})
	require.NoError(t, err)
	return id
}

func TestRun_CompletesAllStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.createRun(t, nil)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, types.StageOrder, run.CompletedStages)
	assert.Equal(t, 100, run.OverallProgress)
	assert.Nil(t, run.CurrentStage)

	score, err := h.store.GetStageResult(ctx, id, types.StageScore)
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusCompleted, score.Status)
	assert.Equal(t, 2, score.ItemCount)
	require.NotNil(t, score.Metadata.InputSize)
	assert.Equal(t, 2, score.Metadata.InputSize.ProfileCount)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, types.RunStatusCompleted, h.publisher.events[0].Status)
}

func TestRun_StopAtSearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.createRun(t, store.Ptr(types.StageSearch))

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, []types.Stage{types.StageSearch}, run.CompletedStages)

	results, err := h.store.ListStageResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.StageSearch, results[0].Stage)
	assert.Zero(t, h.execs[types.StageEnrich].calls.Load())
}

func TestRun_CancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.createRun(t, nil)

	_, err := h.store.RequestCancel(ctx, id)
	require.NoError(t, err)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, run.Status)
	assert.Nil(t, run.StartedAt, "run never reached running")

	results, err := h.store.ListStageResults(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, results)
	for _, e := range h.execs {
		assert.Zero(t, e.calls.Load())
	}
}

func TestRun_StageErrorOnSecondStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.execs[types.StageEnrich].fn = func(context.Context, *steps.StageRequest) (*steps.StageOutput, error) {
		return nil, errors.New("provider unavailable")
	}
	id := h.createRun(t, nil)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, []types.Stage{types.StageSearch}, run.CompletedStages)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "ENRICH")
	assert.Equal(t, int32(2), h.execs[types.StageEnrich].calls.Load())
	assert.Zero(t, h.execs[types.StageScore].calls.Load())

	enrich, err := h.store.GetStageResult(ctx, id, types.StageEnrich)
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusError, enrich.Status)
	assert.NotNil(t, enrich.ErrorMessage)
}

func TestRun_TerminalRunIsNotReexecuted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.createRun(t, nil)

	first, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	second, err := h.orch.Run(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, int32(1), h.execs[types.StageSearch].calls.Load())
	assert.Len(t, h.publisher.events, 1)
}

func TestRun_CancelDuringStageDiscardsOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.execs[types.StageEnrich].fn = func(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
		if _, err := h.store.RequestCancel(ctx, req.Run.ID); err != nil {
			return nil, err
		}
		return okOutput(types.StageEnrich, req.Input), nil
	}
	id := h.createRun(t, nil)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, run.Status)
	assert.Equal(t, []types.Stage{types.StageSearch}, run.CompletedStages)
	assert.Nil(t, run.ErrorMessage)
}

func TestRun_CancelCheckpointInsideStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.execs[types.StageSearch].fn = func(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
		if _, err := h.store.RequestCancel(ctx, req.Run.ID); err != nil {
			return nil, err
		}
		if req.IsCancelled(ctx) {
			return nil, steps.ErrCancelled
		}
		return nil, errors.New("unreachable")
	}
	id := h.createRun(t, nil)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, run.Status)
	assert.Empty(t, run.CompletedStages)
	assert.Equal(t, int32(1), h.execs[types.StageSearch].calls.Load())
}

func TestInvoke_RetryDropsStaleBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.execs[types.StageSearch].fn = func(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
		out := okOutput(types.StageSearch, nil)
		out.Batched = true
		if h.execs[types.StageSearch].calls.Load() == 1 {
			if err := req.EmitBatch(ctx, 1, []types.CreatorProfile{{ID: "x", Account: "stale"}}); err != nil {
				return nil, err
			}
			return nil, errors.New("search backend reset")
		}
		if err := req.EmitBatch(ctx, 0, out.Items); err != nil {
			return nil, err
		}
		return out, nil
	}
	id := h.createRun(t, store.Ptr(types.StageSearch))

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)

	res, err := h.store.GetStageResult(ctx, id, types.StageSearch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ItemCount)
	for _, p := range res.Items {
		assert.NotEqual(t, "stale", p.Account)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(cfg *InvokerConfig) {
		cfg.MaxAttempts = 1
		cfg.Timeouts = map[types.Stage]time.Duration{types.StageSearch: 20 * time.Millisecond}
	})
	h.execs[types.StageSearch].fn = func(ctx context.Context, _ *steps.StageRequest) (*steps.StageOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	id := h.createRun(t, nil)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusError, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "timed out")
}

func TestInvoke_TimeoutCoversAllAttempts(t *testing.T) {
	ctx := context.Background()
	const limit = 200 * time.Millisecond
	h := newHarness(t, func(cfg *InvokerConfig) {
		cfg.MaxAttempts = 3
		cfg.Timeouts = map[types.Stage]time.Duration{types.StageSearch: limit}
	})
	h.execs[types.StageSearch].fn = func(ctx context.Context, _ *steps.StageRequest) (*steps.StageOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	id := h.createRun(t, nil)
	run, err := h.store.GetRun(ctx, id)
	require.NoError(t, err)

	start := time.Now()
	_, err = h.orch.invoker.Invoke(ctx, run, types.StageSearch)
	elapsed := time.Since(start)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.ErrorIs(t, err, ErrStageTimeout)
	assert.Less(t, elapsed, limit+100*time.Millisecond)
	assert.Equal(t, int32(1), h.execs[types.StageSearch].calls.Load())

	res, err := h.store.GetStageResult(ctx, id, types.StageSearch)
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusError, res.Status)
}

func TestInvoke_RetriesStopAtStageTimeout(t *testing.T) {
	ctx := context.Background()
	const limit = 200 * time.Millisecond
	h := newHarness(t, func(cfg *InvokerConfig) {
		cfg.MaxAttempts = 3
		cfg.Timeouts = map[types.Stage]time.Duration{types.StageSearch: limit}
	})
	h.execs[types.StageSearch].fn = func(ctx context.Context, _ *steps.StageRequest) (*steps.StageOutput, error) {
		select {
		case <-time.After(120 * time.Millisecond):
			return nil, errors.New("search backend reset")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	id := h.createRun(t, nil)

	start := time.Now()
	run, err := h.orch.Run(ctx, id)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, types.RunStatusError, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "timed out")
	assert.Less(t, elapsed, limit+100*time.Millisecond)
	assert.Equal(t, int32(2), h.execs[types.StageSearch].calls.Load())
}

func TestInvoke_MalformedOutputIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.execs[types.StageSearch].fn = func(context.Context, *steps.StageRequest) (*steps.StageOutput, error) {
		return &steps.StageOutput{
			Items:    []types.CreatorProfile{{ID: "1", Account: "ana"}},
			Metadata: types.StageMetadata{Score: &types.ScoreMetadata{}},
		}, nil
	}
	id := h.createRun(t, nil)

	run, err := h.orch.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusError, run.Status)
	assert.Equal(t, int32(1), h.execs[types.StageSearch].calls.Load())

	var serr *StageError
	_, invErr := h.orch.invoker.Invoke(ctx, &types.PipelineRun{ID: id, Request: &types.RunRequest{}}, types.StageSearch)
	require.ErrorAs(t, invErr, &serr)
	assert.ErrorIs(t, invErr, ErrMalformedOutput)
}

func TestInvoke_DebugOnlyInDebugMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.execs[types.StageSearch].fn = func(_ context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
		out := okOutput(types.StageSearch, nil)
		out.Debug = map[string]any{"queries": []string{req.Request.Search.Query}}
		return out, nil
	}

	for _, debug := range []bool{false, true} {
		t.Run(fmt.Sprintf("debug=%v", debug), func(t *testing.T) {
			id, err := h.store.CreateRun(ctx, &types.PipelineRun{
				StopAtStage: store.Ptr(types.StageSearch),
				Request:     &types.RunRequest{Search: types.SearchParams{Query: "q"}, DebugMode: debug},
			})
			require.NoError(t, err)

			_, err = h.orch.Run(ctx, id)
			require.NoError(t, err)

			res, err := h.store.GetStageResult(ctx, id, types.StageSearch)
			require.NoError(t, err)
			if debug {
				assert.NotEmpty(t, res.Debug)
			} else {
				assert.Empty(t, res.Debug)
			}
		})
	}
}

func TestSubmit_RunsInBackground(t *testing.T) {
	h := newHarness(t, nil)
	id := h.createRun(t, nil)

	h.orch.Submit(context.Background(), id)
	h.orch.Stop()

	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
}

func TestSubmit_DuplicateWhileExecutingIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.execs[types.StageSearch].fn = func(_ context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
		close(started)
		<-release
		return okOutput(types.StageSearch, req.Input), nil
	}
	id := h.createRun(t, nil)

	h.orch.Submit(context.Background(), id)
	<-started
	h.orch.Submit(context.Background(), id)
	h.orch.Submit(context.Background(), id)
	close(release)
	h.orch.Stop()

	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, types.StageOrder, run.CompletedStages)
	assert.Equal(t, int32(1), h.execs[types.StageSearch].calls.Load())
	assert.Equal(t, int32(1), h.execs[types.StageScore].calls.Load())
}

func TestResume_InterruptedRunCompletes(t *testing.T) {
	h := newHarness(t, nil)
	runCtx, shutdown := context.WithCancel(context.Background())
	enrich := h.execs[types.StageEnrich]
	enrich.fn = func(ctx context.Context, req *steps.StageRequest) (*steps.StageOutput, error) {
		if enrich.calls.Load() == 1 {
			if err := req.EmitBatch(ctx, 1, []types.CreatorProfile{{ID: "x", Account: "stale"}}); err != nil {
				return nil, err
			}
			shutdown()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okOutput(types.StageEnrich, req.Input), nil
	}
	id := h.createRun(t, nil)

	_, err := h.orch.Run(runCtx, id)
	require.ErrorIs(t, err, context.Canceled)

	run, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, run.Status)
	assert.Equal(t, []types.Stage{types.StageSearch}, run.CompletedStages)
	interruptedProgress := run.OverallProgress

	resumed, err := h.orch.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	h.orch.Stop()

	run, err = h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)
	assert.Equal(t, types.StageOrder, run.CompletedStages)
	assert.GreaterOrEqual(t, run.OverallProgress, interruptedProgress)
	assert.Equal(t, int32(1), h.execs[types.StageSearch].calls.Load())
	assert.Equal(t, int32(2), enrich.calls.Load())

	res, err := h.store.GetStageResult(context.Background(), id, types.StageEnrich)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ItemCount)
	for _, p := range res.Items {
		assert.NotEqual(t, "stale", p.Account)
	}

	active, err := h.store.ListActiveRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStageError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &StageError{Stage: types.StageScore, Err: errors.New("boom")})
	assert.True(t, IsStageError(err))
	assert.Contains(t, err.Error(), "stage SCORE failed: boom")
	assert.False(t, IsStageError(errors.New("other")))
}
