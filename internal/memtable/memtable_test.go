package memtable_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/iter"
	"github.com/tidewave/statestore/internal/memtable"
	"github.com/tidewave/statestore/internal/types"
)

func put(key, value string) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Value: types.Value{Value: []byte(value)}}
}

func del(key string) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Value: types.Value{Kind: types.KindTombStone}}
}

func TestEntriesAreOrderedByKeyThenNewestEpoch(t *testing.T) {
	ctx := context.Background()
	table := memtable.New()
	require.True(t, table.PutBatch(10, []types.RowEntry{put("b", "2"), put("a", "1")}))
	require.True(t, table.PutBatch(11, []types.RowEntry{put("a", "3")}))
	require.True(t, table.PutBatch(12, []types.RowEntry{del("a")}))

	entries, err := iter.Collect(ctx, table.Entries())
	require.NoError(t, err)
	require.Len(t, entries, 4)
	var got []string
	for _, e := range entries {
		got = append(got, fmt.Sprintf("%s@%d", e.Key, e.Epoch))
	}
	assert.Equal(t, []string{"a@12", "a@11", "a@10", "b@10"}, got)
	assert.True(t, entries[0].Value.IsTombstone())
	assert.Equal(t, []types.Epoch{10, 11, 12}, table.Epochs())

	visible := iter.NewVisibleIterator(table.Entries(), 11)
	var keys []string
	for {
		kv, ok := visible.Next(ctx)
		if !ok {
			break
		}
		keys = append(keys, string(kv.Key)+"="+string(kv.Value))
	}
	assert.Equal(t, []string{"a=3", "b=2"}, keys)
}

func TestLastEntryOfBatchWins(t *testing.T) {
	ctx := context.Background()
	table := memtable.New()
	require.True(t, table.PutBatch(5, []types.RowEntry{put("k", "first"), put("k", "second")}))
	assert.Equal(t, 1, table.Len())
	entries, err := iter.Collect(ctx, table.Entries())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", string(entries[0].Value.Value))
	assert.Equal(t, int64(len("k")+len("second")+9), table.Size())
}

func TestFreezeAndDurability(t *testing.T) {
	table := memtable.New()
	table.Freeze()
	assert.False(t, table.PutBatch(1, []types.RowEntry{put("a", "1")}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, table.AwaitDurable(ctx), context.DeadlineExceeded)

	failed := errors.Mark(errors.New("upload failed"), types.ErrDurabilityFailure)
	table.NotifyDurable(failed)
	err := table.AwaitDurable(context.Background())
	assert.True(t, errors.Is(err, types.ErrDurabilityFailure))
}
