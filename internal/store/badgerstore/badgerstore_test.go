package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/creator-pipeline/internal/blob"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(nil, clockwork.NewFakeClock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.CreateRun(ctx, &types.PipelineRun{UserID: "user-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, run.Status)
	assert.Equal(t, "user-1", run.UserID)
	assert.Equal(t, int64(1), run.Version)

	run, err = s.UpdateRun(ctx, id, store.RunUpdate{
		Status:       store.Ptr(types.RunStatusRunning),
		CurrentStage: store.Ptr(types.StageSearch),
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, run.Status)

	run, err = s.UpdateRun(ctx, id, store.RunUpdate{Status: store.Ptr(types.RunStatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, run.Status)

	again, err := s.UpdateRun(ctx, id, store.RunUpdate{Status: store.Ptr(types.RunStatusError)})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, again.Status)
	assert.Equal(t, run.Version, again.Version)
}

func TestStore_ListActiveRuns(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := OpenInMemory(nil, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	create := func() string {
		id, err := s.CreateRun(ctx, &types.PipelineRun{UserID: "user-1"})
		require.NoError(t, err)
		clock.Advance(time.Second)
		return id
	}
	pending := create()
	running := create()
	done := create()
	cancelled := create()

	_, err = s.UpdateRun(ctx, running, store.RunUpdate{Status: store.Ptr(types.RunStatusRunning)})
	require.NoError(t, err)
	_, err = s.UpdateRun(ctx, done, store.RunUpdate{Status: store.Ptr(types.RunStatusCompleted)})
	require.NoError(t, err)
	_, err = s.UpdateRun(ctx, cancelled, store.RunUpdate{Status: store.Ptr(types.RunStatusCancelled)})
	require.NoError(t, err)
	_, err = s.SetStageStatus(ctx, running, types.StageSearch, types.StageStatusRunning, store.StageFields{})
	require.NoError(t, err)

	runs, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, pending, runs[0].ID)
	assert.Equal(t, running, runs[1].ID)
	assert.Equal(t, types.RunStatusRunning, runs[1].Status)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.True(t, store.IsNotFound(err))

	_, err = s.RequestCancel(ctx, "missing")
	assert.True(t, store.IsNotFound(err))

	_, err = s.SetStageStatus(ctx, "missing", types.StageSearch, types.StageStatusRunning, store.StageFields{})
	assert.True(t, store.IsNotFound(err))

	res, err := s.GetStageResult(ctx, "missing", types.StageSearch)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestStore_StageWritesBumpRunVersion(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.CreateRun(ctx, &types.PipelineRun{})
	require.NoError(t, err)

	_, err = s.SetStageStatus(ctx, id, types.StageSearch, types.StageStatusRunning, store.StageFields{})
	require.NoError(t, err)
	items := []types.CreatorProfile{{ID: "1", Account: "ana"}}
	res, err := s.UpdateStage(ctx, id, types.StageSearch, store.StageFields{Items: &items, ItemCount: store.Ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, types.StageStatusRunning, res.Status)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.Version)

	list, err := s.ListStageResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ana", list[0].Items[0].Account)
}

func TestStore_RequestCancel(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	id, err := s.CreateRun(ctx, &types.PipelineRun{})
	require.NoError(t, err)

	run, err := s.RequestCancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, run.CancelRequested)
	assert.Equal(t, types.RunStatusPending, run.Status)
}

func TestStore_WatchEndsOnTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Open(Config{InMemory: true, ResyncInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	id, err := s.CreateRun(ctx, &types.PipelineRun{})
	require.NoError(t, err)

	ch, err := s.Watch(ctx, id)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, types.RunStatusPending, first.Run.Status)

	_, err = s.UpdateRun(ctx, id, store.RunUpdate{Status: store.Ptr(types.RunStatusCancelled)})
	require.NoError(t, err)

	var last store.Snapshot
	for snap := range ch {
		last = snap
	}
	require.NotNil(t, last.Run)
	assert.Equal(t, types.RunStatusCancelled, last.Run.Status)
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	b := openStore(t).Blobs()

	require.NoError(t, b.Put(ctx, "pipelines/r/SEARCH.json", []byte(`[]`)))
	data, err := b.Get(ctx, "pipelines/r/SEARCH.json")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	require.NoError(t, b.Delete(ctx, "pipelines/r/SEARCH.json"))
	_, err = b.Get(ctx, "pipelines/r/SEARCH.json")
	assert.ErrorIs(t, err, blob.ErrNotFound)
	assert.NoError(t, b.Delete(ctx, "pipelines/r/SEARCH.json"))
}
