package aggregate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/store/badgerstore"
	"github.com/jonathan/creator-pipeline/internal/types"
)

func profiles(prefix string, n int) []types.CreatorProfile {
	out := make([]types.CreatorProfile, n)
	for i := range out {
		id := fmt.Sprintf("%s%d", prefix, i)
		out[i] = types.CreatorProfile{ID: id, Account: id}
	}
	return out
}

func accounts(items []types.CreatorProfile) []string {
	out := make([]string, len(items))
	for i, p := range items {
		out[i] = p.Account
	}
	return out
}

func TestSplice(t *testing.T) {
	var list []string
	var index []types.BatchRef

	list, index, replaced := Splice(list, index, 0, 1, []string{"a0", "a1", "a2"})
	assert.False(t, replaced)
	list, index, _ = Splice(list, index, 1, 2, []string{"b0", "b1"})
	assert.Equal(t, []string{"a0", "a1", "a2", "b0", "b1"}, list)

	list, index, replaced = Splice(list, index, 0, 3, []string{"c0"})
	assert.True(t, replaced)
	assert.Equal(t, []string{"c0", "b0", "b1"}, list)
	assert.Equal(t, []types.BatchRef{
		{Seq: 0, Offset: 0, Length: 1, Version: 3},
		{Seq: 1, Offset: 1, Length: 2, Version: 2},
	}, index)
}

func TestSplice_OutOfOrder(t *testing.T) {
	var list []string
	var index []types.BatchRef

	list, index, _ = Splice(list, index, 2, 1, []string{"c"})
	list, index, _ = Splice(list, index, 0, 2, []string{"a"})
	list, index, _ = Splice(list, index, 1, 3, []string{"b0", "b1"})

	assert.Equal(t, []string{"a", "b0", "b1", "c"}, list)
	assert.Equal(t, 3, index[2].Offset)
}

func TestSplice_ReapplyKeepsItemsAndStampsVersion(t *testing.T) {
	list, index, _ := Splice([]string(nil), nil, 0, 1, []string{"a", "b"})
	again, againIndex, replaced := Splice(list, index, 0, 2, []string{"a", "b"})
	assert.True(t, replaced)
	assert.Equal(t, list, again)
	assert.Equal(t, index[0].Length, againIndex[0].Length)
	assert.Equal(t, 2, againIndex[0].Version)
}

func newAggregator(t *testing.T, threshold int) (*Aggregator, *badgerstore.Store, string) {
	t.Helper()
	s, err := badgerstore.OpenInMemory(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	id, err := s.CreateRun(context.Background(), &types.PipelineRun{})
	require.NoError(t, err)

	agg, err := New(Config{Store: s, Blobs: s.Blobs(), OverflowThreshold: threshold})
	require.NoError(t, err)
	return agg, s, id
}

func TestApplyBatch_ReplacesBatch(t *testing.T) {
	ctx := context.Background()
	agg, _, id := newAggregator(t, 0)

	_, err := agg.ApplyBatch(ctx, id, types.StageSearch, 0, profiles("a", 3))
	require.NoError(t, err)
	_, err = agg.ApplyBatch(ctx, id, types.StageSearch, 1, profiles("b", 2))
	require.NoError(t, err)
	res, err := agg.ApplyBatch(ctx, id, types.StageSearch, 0, profiles("c", 1))
	require.NoError(t, err)

	assert.True(t, res.Replaced)
	assert.Equal(t, 3, res.Total)

	items, err := agg.Read(ctx, id, types.StageSearch)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "b0", "b1"}, accounts(items))
}

func TestApplyBatch_VersionSurvivesReset(t *testing.T) {
	ctx := context.Background()
	agg, s, id := newAggregator(t, 0)

	first, err := agg.ApplyBatch(ctx, id, types.StageSearch, 0, profiles("a", 2))
	require.NoError(t, err)
	same, err := agg.ApplyBatch(ctx, id, types.StageSearch, 0, profiles("b", 2))
	require.NoError(t, err)
	assert.Greater(t, same.Version, first.Version)

	_, err = s.UpdateStage(ctx, id, types.StageSearch, store.StageFields{
		Items:     &[]types.CreatorProfile{},
		ItemCount: store.Ptr(0),
		Batches:   &[]types.BatchRef{},
	})
	require.NoError(t, err)

	resent, err := agg.ApplyBatch(ctx, id, types.StageSearch, 0, profiles("a", 2))
	require.NoError(t, err)
	assert.False(t, resent.Replaced)
	assert.Greater(t, resent.Version, same.Version)

	res, err := s.GetStageResult(ctx, id, types.StageSearch)
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, resent.Version, res.Batches[0].Version)
}

func TestApplyBatch_OverflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	agg, s, id := newAggregator(t, 200)

	res, err := agg.ApplyBatch(ctx, id, types.StageEnrich, 0, profiles("p", 10))
	require.NoError(t, err)
	assert.True(t, res.Overflowed)

	rec, err := s.GetStageResult(ctx, id, types.StageEnrich)
	require.NoError(t, err)
	assert.Empty(t, rec.Items)
	assert.NotEmpty(t, rec.BlobPath)
	assert.Equal(t, 10, rec.ItemCount)

	items, err := agg.Read(ctx, id, types.StageEnrich)
	require.NoError(t, err)
	assert.Len(t, items, 10)

	// Shrinking the list below the threshold moves it back inline.
	res, err = agg.ApplyBatch(ctx, id, types.StageEnrich, 0, profiles("q", 1))
	require.NoError(t, err)
	assert.False(t, res.Overflowed)

	rec, err = s.GetStageResult(ctx, id, types.StageEnrich)
	require.NoError(t, err)
	assert.Empty(t, rec.BlobPath)
	assert.Equal(t, []string{"q0"}, accounts(rec.Items))
}

func TestApplyBatch_NegativeSeq(t *testing.T) {
	agg, _, id := newAggregator(t, 0)
	_, err := agg.ApplyBatch(context.Background(), id, types.StageSearch, -1, nil)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
