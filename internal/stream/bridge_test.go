package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

type fakeWatcher struct {
	ch  chan store.Snapshot
	err error
}

func (f *fakeWatcher) Watch(context.Context, string) (<-chan store.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ch, nil
}

type fakeResults map[types.Stage][]types.CreatorProfile

func (f fakeResults) Read(_ context.Context, _ string, stage types.Stage) ([]types.CreatorProfile, error) {
	return f[stage], nil
}

type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	pings   int
	failOn  string
	sendErr error
}

func (r *recordingSink) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn == ev.Name {
		return r.sendErr
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings++
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *recordingSink) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newBridge(t *testing.T, w Watcher, clock clockwork.Clock, results fakeResults) *Bridge {
	t.Helper()
	b, err := New(Config{
		Clock:     clock,
		Watcher:   w,
		Results:   results,
		Heartbeat: 10 * time.Second,
		Watchdog:  time.Minute,
	})
	require.NoError(t, err)
	return b
}

func snapshot(status types.RunStatus, progress int, stages ...types.StageResult) store.Snapshot {
	run := &types.PipelineRun{ID: "run-1", Status: status, OverallProgress: progress, CompletedStages: []types.Stage{}}
	for _, s := range stages {
		if s.Status == types.StageStatusCompleted {
			run.CompletedStages = append(run.CompletedStages, s.Stage)
		}
	}
	return store.Snapshot{Run: run, Stages: stages}
}

func countOf(names []string, name string) int {
	n := 0
	for _, x := range names {
		if x == name {
			n++
		}
	}
	return n
}

func TestServe_EventSequence(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot, 8)}
	items := []types.CreatorProfile{{ID: "1", Account: "ana"}, {ID: "2", Account: "bo"}}
	b := newBridge(t, w, clockwork.NewFakeClock(), fakeResults{types.StageSearch: items})

	w.ch <- snapshot(types.RunStatusPending, 0)
	w.ch <- snapshot(types.RunStatusRunning, 0, types.StageResult{
		Stage: types.StageSearch, Status: types.StageStatusRunning, ItemCount: 1,
		Batches: []types.BatchRef{{Seq: 0, Length: 1}},
	})
	w.ch <- snapshot(types.RunStatusRunning, 100, types.StageResult{
		Stage: types.StageSearch, Status: types.StageStatusCompleted, ItemCount: 2,
		Batches: []types.BatchRef{{Seq: 0, Length: 1}, {Seq: 1, Offset: 1, Length: 1}},
	})
	w.ch <- snapshot(types.RunStatusCompleted, 100, types.StageResult{
		Stage: types.StageSearch, Status: types.StageStatusCompleted, ItemCount: 2,
		Batches: []types.BatchRef{{Seq: 0, Length: 1}, {Seq: 1, Offset: 1, Length: 1}},
	})
	close(w.ch)

	sink := &recordingSink{}
	require.NoError(t, b.Serve(context.Background(), "run-1", sink))

	names := sink.names()
	assert.Equal(t, EventAck, names[0])
	assert.Equal(t, EventProgress, names[1])
	assert.Equal(t, 2, countOf(names, EventBatchComplete))
	assert.Equal(t, 1, countOf(names, EventStageComplete))
	assert.Equal(t, 1, countOf(names, EventComplete))
	assert.Equal(t, EventComplete, names[len(names)-1])

	done := sink.last().Data.(CompleteData)
	require.Len(t, done.Stages, 1)
	if diff := cmp.Diff(items, done.Stages[0].Items); diff != "" {
		t.Errorf("complete items mismatch (-want +got):\n%s", diff)
	}
}

func TestServe_ErrorNamesFailedStage(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot, 1)}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)

	snap := snapshot(types.RunStatusError, 33,
		types.StageResult{Stage: types.StageSearch, Status: types.StageStatusCompleted},
		types.StageResult{Stage: types.StageEnrich, Status: types.StageStatusError},
	)
	snap.Run.ErrorMessage = store.Ptr("stage ENRICH failed: provider unavailable")
	w.ch <- snap

	sink := &recordingSink{}
	require.NoError(t, b.Serve(context.Background(), "run-1", sink))

	ev := sink.last()
	require.Equal(t, EventError, ev.Name)
	data := ev.Data.(ErrorData)
	assert.Equal(t, ReasonStageFailed, data.Reason)
	require.NotNil(t, data.Stage)
	assert.Equal(t, types.StageEnrich, *data.Stage)
	assert.Contains(t, data.Message, "ENRICH")
}

func TestServe_Cancelled(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot, 1)}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)
	w.ch <- snapshot(types.RunStatusCancelled, 0)

	sink := &recordingSink{}
	require.NoError(t, b.Serve(context.Background(), "run-1", sink))
	assert.Equal(t, []string{EventAck, EventProgress, EventCancelled}, sink.names())
}

func TestServe_WatchdogTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := &fakeWatcher{ch: make(chan store.Snapshot, 1)}
	b := newBridge(t, w, clock, nil)
	w.ch <- snapshot(types.RunStatusRunning, 33)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx, "run-1", sink) }()

	// Heartbeat ticker and watchdog timer.
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	require.Eventually(t, func() bool { return len(sink.names()) == 2 }, time.Second, 5*time.Millisecond)

	clock.Advance(30 * time.Second)
	clock.Advance(31 * time.Second)

	select {
	case err := <-errCh:
		var wt *WatchdogTimeout
		require.ErrorAs(t, err, &wt)
		assert.Equal(t, time.Minute, wt.Window)
	case <-ctx.Done():
		t.Fatal("bridge did not time out")
	}

	ev := sink.last()
	require.Equal(t, EventError, ev.Name)
	assert.Equal(t, ReasonTimeout, ev.Data.(ErrorData).Reason)
	assert.Equal(t, 1, countOf(sink.names(), EventError))
}

func TestServe_SnapshotsResetWatchdog(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := &fakeWatcher{ch: make(chan store.Snapshot)}
	b := newBridge(t, w, clock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx, "run-1", sink) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(50 * time.Second)
	w.ch <- snapshot(types.RunStatusRunning, 0)
	require.Eventually(t, func() bool { return countOf(sink.names(), EventProgress) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(50 * time.Second)
	w.ch <- snapshot(types.RunStatusCompleted, 100)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("bridge did not finish")
	}
	assert.Equal(t, EventComplete, sink.last().Name)
	assert.Zero(t, countOf(sink.names(), EventError))
}

func TestServe_Heartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := &fakeWatcher{ch: make(chan store.Snapshot)}
	b := newBridge(t, w, clock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx, "run-1", sink) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.pings == 1
	}, time.Second, 5*time.Millisecond)

	w.ch <- snapshot(types.RunStatusCancelled, 0)
	require.NoError(t, <-errCh)
}

func TestServe_TransportError(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot, 1)}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)
	w.ch <- snapshot(types.RunStatusRunning, 0)

	sink := &recordingSink{failOn: EventProgress, sendErr: errors.New("broken pipe")}
	err := b.Serve(context.Background(), "run-1", sink)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestServe_WatchEnded(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot, 1)}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)
	w.ch <- snapshot(types.RunStatusRunning, 0)
	close(w.ch)

	sink := &recordingSink{}
	require.NoError(t, b.Serve(context.Background(), "run-1", sink))
	ev := sink.last()
	require.Equal(t, EventError, ev.Name)
	assert.Equal(t, ReasonWatchEnded, ev.Data.(ErrorData).Reason)
}

func TestServe_NotFound(t *testing.T) {
	w := &fakeWatcher{err: &store.NotFoundError{RunID: "missing"}}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)

	sink := &recordingSink{}
	err := b.Serve(context.Background(), "missing", sink)
	assert.True(t, store.IsNotFound(err))
	assert.Empty(t, sink.names())
}

func TestServe_ReappliedBatchIsReported(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot)}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)

	stage := func(length int) types.StageResult {
		return types.StageResult{
			Stage: types.StageSearch, Status: types.StageStatusRunning, ItemCount: length,
			Batches: []types.BatchRef{{Seq: 0, Length: length}},
		}
	}
	// Unbuffered delivery keeps the two running snapshots from coalescing.
	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background(), "run-1", sink) }()

	w.ch <- snapshot(types.RunStatusRunning, 0, stage(3))
	require.Eventually(t, func() bool { return countOf(sink.names(), EventBatchComplete) == 1 }, time.Second, 5*time.Millisecond)
	w.ch <- snapshot(types.RunStatusRunning, 0, stage(1))
	require.Eventually(t, func() bool { return countOf(sink.names(), EventBatchComplete) == 2 }, time.Second, 5*time.Millisecond)
	w.ch <- snapshot(types.RunStatusCancelled, 0, stage(1))

	require.NoError(t, <-errCh)
	assert.Equal(t, 2, countOf(sink.names(), EventBatchComplete))
}

func TestServe_RedeliveredBatchIsReported(t *testing.T) {
	w := &fakeWatcher{ch: make(chan store.Snapshot)}
	b := newBridge(t, w, clockwork.NewFakeClock(), nil)

	stage := func(version int, batches bool) types.StageResult {
		res := types.StageResult{Stage: types.StageSearch, Status: types.StageStatusRunning}
		if batches {
			res.ItemCount = 2
			res.Batches = []types.BatchRef{{Seq: 0, Length: 2, Version: version}}
		}
		return res
	}
	sink := &recordingSink{}
	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(context.Background(), "run-1", sink) }()

	batchEvents := func() int { return countOf(sink.names(), EventBatchComplete) }
	w.ch <- snapshot(types.RunStatusRunning, 0, stage(1, true))
	require.Eventually(t, func() bool { return batchEvents() == 1 }, time.Second, 5*time.Millisecond)

	// Same seq and length, new items.
	w.ch <- snapshot(types.RunStatusRunning, 0, stage(2, true))
	require.Eventually(t, func() bool { return batchEvents() == 2 }, time.Second, 5*time.Millisecond)

	// Results reset before a retry, then the batch is sent again.
	w.ch <- snapshot(types.RunStatusRunning, 0, stage(0, false))
	w.ch <- snapshot(types.RunStatusRunning, 0, stage(3, true))
	require.Eventually(t, func() bool { return batchEvents() == 3 }, time.Second, 5*time.Millisecond)

	// An unchanged ref is not reported again.
	w.ch <- snapshot(types.RunStatusRunning, 0, stage(3, true))
	w.ch <- snapshot(types.RunStatusCancelled, 0, stage(3, true))

	require.NoError(t, <-errCh)
	assert.Equal(t, 3, batchEvents())
}

func TestCoalesce(t *testing.T) {
	ch := make(chan store.Snapshot, 3)
	ch <- snapshot(types.RunStatusRunning, 33)
	ch <- snapshot(types.RunStatusCompleted, 100)
	ch <- snapshot(types.RunStatusRunning, 66)

	got, open := coalesce(snapshot(types.RunStatusRunning, 0), ch)
	assert.True(t, open)
	assert.Equal(t, types.RunStatusCompleted, got.Run.Status)
	assert.Len(t, ch, 1)
}
