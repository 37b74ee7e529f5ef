package tablestore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/blockcache"
	"github.com/tidewave/statestore/internal/compress"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/internal/types"
)

func put(key string, epoch types.Epoch, value string) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Epoch: epoch, Value: types.Value{Value: []byte(value)}}
}

func del(key string, epoch types.Epoch) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Epoch: epoch, Value: types.Value{Kind: types.KindTombStone}}
}

func writeTable(t *testing.T, store *tablestore.Store, id sstable.ID, entries ...types.RowEntry) (*sstable.Handle, uint64) {
	t.Helper()
	b := store.TableBuilder()
	for _, e := range entries {
		require.NoError(t, b.Add(e))
	}
	table, err := b.Build()
	require.NoError(t, err)
	h, size, err := store.WriteTable(context.Background(), id, table)
	require.NoError(t, err)
	return h, size
}

func newStore(b backend.Backend, cache *blockcache.Cache) *tablestore.Store {
	return tablestore.New(b, tablestore.Options{
		Table: sstable.Config{
			BlockSize:        64,
			FilterBitsPerKey: 10,
			Compression:      compress.CodecSnappy,
		},
		Cache: cache,
	})
}

func manyEntries(n int) []types.RowEntry {
	var entries []types.RowEntry
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		entries = append(entries, put(key, 20, "new-"+key), put(key, 10, "old-"+key))
	}
	return entries
}

func TestPath(t *testing.T) {
	assert.Equal(t, "sst/00000000000000000042.sst", tablestore.Path(42))

	id, ok := tablestore.ParsePath(tablestore.Path(42))
	require.True(t, ok)
	assert.Equal(t, sstable.ID(42), id)

	_, ok = tablestore.ParsePath("sst/abc.sst")
	assert.False(t, ok)
	_, ok = tablestore.ParsePath("manifest/delta/00000000000000000001")
	assert.False(t, ok)
}

func TestGetThroughFreshStore(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	writer := newStore(b, nil)
	_, size := writeTable(t, writer, 1, manyEntries(100)...)

	// A second store has nothing cached and must read the footer
	cache := blockcache.New(1 << 20)
	defer cache.Close()
	reader := newStore(b, cache)
	h, err := reader.OpenTable(ctx, 1, size)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), h.Info.EntryCount)
	assert.Equal(t, []byte("key-0000"), h.Info.FirstKey)
	assert.Equal(t, []byte("key-0099"), h.Info.LastKey)

	got, err := reader.Get(ctx, h, []byte("key-0042"), types.MaxEpoch)
	require.NoError(t, err)
	assert.Equal(t, put("key-0042", 20, "new-key-0042"), got.MustGet())

	got, err = reader.Get(ctx, h, []byte("key-0042"), 15)
	require.NoError(t, err)
	assert.Equal(t, put("key-0042", 10, "old-key-0042"), got.MustGet())

	got, err = reader.Get(ctx, h, []byte("key-0042"), 9)
	require.NoError(t, err)
	assert.True(t, got.IsAbsent())

	got, err = reader.Get(ctx, h, []byte("key-0042x"), types.MaxEpoch)
	require.NoError(t, err)
	assert.True(t, got.IsAbsent())

	// Repeated reads are served from the block cache
	before := cache.Stats()
	_, err = reader.Get(ctx, h, []byte("key-0042"), types.MaxEpoch)
	require.NoError(t, err)
	assert.Greater(t, cache.Stats().Hits, before.Hits)
}

func TestOpenWithUnknownSize(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	_, _ = writeTable(t, newStore(b, nil), 3, put("a", 1, "x"), del("b", 2))

	h, err := newStore(b, nil).OpenTable(ctx, 3, 0)
	require.NoError(t, err)

	got, err := newStore(b, nil).Get(ctx, h, []byte("b"), types.MaxEpoch)
	require.NoError(t, err)
	assert.True(t, got.MustGet().Value.IsTombstone())
}

func TestIteratorWithPartialCache(t *testing.T) {
	ctx := context.Background()
	cache := blockcache.New(1 << 20)
	defer cache.Close()
	store := newStore(backend.NewInMemory(), cache)
	entries := manyEntries(50)
	h, _ := writeTable(t, store, 9, entries...)

	// Warm the cache with a block in the middle of the table
	_, err := store.Get(ctx, h, []byte("key-0025"), types.MaxEpoch)
	require.NoError(t, err)

	it, err := store.NewIterator(ctx, h, sstable.IterOptions{BlocksPerFetch: 3})
	require.NoError(t, err)
	var got []types.RowEntry
	for {
		e, ok := it.Next(ctx)
		if !ok {
			break
		}
		got = append(got, e)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, entries, got)
}

func TestWriteTableTwice(t *testing.T) {
	store := newStore(backend.NewInMemory(), nil)
	writeTable(t, store, 1, put("a", 1, "x"))

	b := store.TableBuilder()
	require.NoError(t, b.Add(put("b", 1, "y")))
	table, err := b.Build()
	require.NoError(t, err)
	_, _, err = store.WriteTable(context.Background(), 1, table)
	assert.True(t, errors.Is(err, backend.ErrAlreadyExists))
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	store := newStore(b, blockcache.New(1<<20))
	writeTable(t, store, 2, put("a", 1, "x"))
	writeTable(t, store, 1, put("a", 2, "y"))
	require.NoError(t, b.Put(ctx, "sst/garbage", []byte("x")))

	ids, err := store.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []sstable.ID{1, 2}, ids)

	require.NoError(t, store.DeleteTable(ctx, 1))
	ids, err = store.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []sstable.ID{2}, ids)

	_, err = store.OpenTable(ctx, 1, 0)
	assert.True(t, errors.Is(err, backend.ErrNotFound))
}

func TestOpenCorruptTable(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	require.NoError(t, b.Put(ctx, tablestore.Path(5), []byte("this is not a table file")))

	_, err := newStore(b, nil).OpenTable(ctx, 5, 0)
	assert.True(t, errors.Is(err, types.ErrCorruption))
}
