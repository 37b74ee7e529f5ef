package iter_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/iter"
	"github.com/tidewave/statestore/internal/types"
)

type failingIterator struct {
	err error
}

func (f *failingIterator) Next(context.Context) (types.RowEntry, bool) {
	return types.RowEntry{}, false
}

func (f *failingIterator) Err() error {
	return f.err
}

func keysAndEpochs(entries []types.RowEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, string(e.Key)+"@"+string(rune('0'+e.Epoch)))
	}
	return out
}

func TestMergeSort(t *testing.T) {
	ctx := context.Background()
	a := iter.NewEntryIterator().
		Add([]byte("a"), 3, []byte("a3")).
		Add([]byte("c"), 1, []byte("c1"))
	b := iter.NewEntryIterator().
		Add([]byte("a"), 5, []byte("a5")).
		AddTombstone([]byte("b"), 2).
		Add([]byte("c"), 4, []byte("c4"))
	c := iter.NewEntryIterator().
		Add([]byte("a"), 3, []byte("shadowed")).
		Add([]byte("d"), 1, []byte("d1"))

	got, err := iter.Collect(ctx, iter.NewMergeSort(ctx, a, b, c))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@5", "a@3", "b@2", "c@4", "c@1", "d@1"}, keysAndEpochs(got))
	// duplicates of the same version come from the first iterator
	assert.Equal(t, []byte("a3"), got[1].Value.Value)
	assert.True(t, got[2].Value.IsTombstone())
}

func TestMergeSortEmpty(t *testing.T) {
	ctx := context.Background()
	got, err := iter.Collect(ctx, iter.NewMergeSort(ctx, iter.NewEntryIterator(), iter.NewEntryIterator()))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMergeSortPropagatesError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("backend unavailable")
	bad := &failingIterator{err: boom}
	good := iter.NewEntryIterator().Add([]byte("a"), 1, []byte("1"))

	ms := iter.NewMergeSort(ctx, good, bad)
	_, ok := ms.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, ms.Err(), boom)
}

func TestVisibleIterator(t *testing.T) {
	ctx := context.Background()
	versions := func() iter.Iterator {
		return iter.NewEntryIterator().
			AddTombstone([]byte("a"), 12).
			Add([]byte("a"), 11, []byte("3")).
			Add([]byte("a"), 10, []byte("1")).
			Add([]byte("b"), 10, []byte("2")).
			Add([]byte("c"), 13, []byte("future"))
	}

	for _, tc := range []struct {
		epoch types.Epoch
		want  []types.KeyValue
	}{
		{9, nil},
		{10, []types.KeyValue{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}}},
		{11, []types.KeyValue{{Key: []byte("a"), Value: []byte("3")}, {Key: []byte("b"), Value: []byte("2")}}},
		{12, []types.KeyValue{{Key: []byte("b"), Value: []byte("2")}}},
		{13, []types.KeyValue{{Key: []byte("b"), Value: []byte("2")}, {Key: []byte("c"), Value: []byte("future")}}},
	} {
		v := iter.NewVisibleIterator(versions(), tc.epoch)
		var got []types.KeyValue
		for {
			kv, ok := v.Next(ctx)
			if !ok {
				break
			}
			got = append(got, kv)
		}
		require.NoError(t, v.Err())
		assert.Equal(t, tc.want, got, "epoch %d", tc.epoch)
	}
}

func TestRetentionIterator(t *testing.T) {
	ctx := context.Background()
	entries := func() *iter.EntryIterator {
		return iter.NewEntryIterator().
			Add([]byte("a"), 9, []byte("a9")).
			Add([]byte("a"), 5, []byte("a5")).
			Add([]byte("a"), 3, []byte("a3")).
			AddTombstone([]byte("b"), 4).
			Add([]byte("b"), 2, []byte("b2")).
			Add([]byte("c"), 1, []byte("c1"))
	}

	got, err := iter.Collect(ctx, iter.NewRetentionIterator(entries(), 5, false))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@9", "a@5", "b@4", "c@1"}, keysAndEpochs(got))

	got, err = iter.Collect(ctx, iter.NewRetentionIterator(entries(), 5, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@9", "a@5", "c@1"}, keysAndEpochs(got))

	// Nothing is discarded below the oldest version
	got, err = iter.Collect(ctx, iter.NewRetentionIterator(entries(), 0, true))
	require.NoError(t, err)
	assert.Len(t, got, 6)

	// The merged view at every epoch >= the safe epoch is preserved
	for _, epoch := range []types.Epoch{5, 6, 9, types.MaxEpoch} {
		want, err := collectVisible(ctx, entries(), epoch)
		require.NoError(t, err)
		have, err := collectVisible(ctx, iter.NewRetentionIterator(entries(), 5, true), epoch)
		require.NoError(t, err)
		assert.Equal(t, want, have, "epoch %d", epoch)
	}
}

func collectVisible(ctx context.Context, it iter.Iterator, epoch types.Epoch) ([]types.KeyValue, error) {
	v := iter.NewVisibleIterator(it, epoch)
	var out []types.KeyValue
	for {
		kv, ok := v.Next(ctx)
		if !ok {
			return out, v.Err()
		}
		out = append(out, kv)
	}
}
