package blockcache_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/blockcache"
	"github.com/tidewave/statestore/internal/flatbuf"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/sstable/block"
	"github.com/tidewave/statestore/internal/types"
)

func buildBlock(t *testing.T, key string) *block.Block {
	t.Helper()
	bb := block.NewBuilder(4096)
	require.True(t, bb.Add(types.RowEntry{
		Key:   []byte(key),
		Epoch: 1,
		Value: types.Value{Value: []byte("value")},
	}))
	b, err := bb.Build()
	require.NoError(t, err)
	return b
}

func TestCacheBlocks(t *testing.T) {
	c := blockcache.New(1 << 20)
	defer c.Close()

	b1 := buildBlock(t, "key1")
	b2 := buildBlock(t, "key2")
	c.SetBlock(blockcache.Key{TableID: 1, Offset: 0}, b1)
	c.SetBlock(blockcache.Key{TableID: 1, Offset: 100}, b2)
	c.SetBlock(blockcache.Key{TableID: 2, Offset: 0}, b2)

	got, ok := c.GetBlock(blockcache.Key{TableID: 1, Offset: 0})
	require.True(t, ok)
	assert.Same(t, b1, got)

	_, ok = c.GetBlock(blockcache.Key{TableID: 1, Offset: 50})
	assert.False(t, ok)

	c.EvictTable(1)
	_, ok = c.GetBlock(blockcache.Key{TableID: 1, Offset: 0})
	assert.False(t, ok)
	_, ok = c.GetBlock(blockcache.Key{TableID: 1, Offset: 100})
	assert.False(t, ok)

	got, ok = c.GetBlock(blockcache.Key{TableID: 2, Offset: 0})
	require.True(t, ok)
	assert.Same(t, b2, got)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
}

func TestCacheIndexes(t *testing.T) {
	c := blockcache.New(1 << 20)
	defer c.Close()

	idx := &sstable.Index{BlockMeta: []*flatbuf.BlockMetaT{
		{Offset: 0, FirstKey: []byte("a"), LastKey: []byte("b")},
	}}
	c.SetIndex(7, idx)

	got, ok := c.GetIndex(7)
	require.True(t, ok)
	assert.Same(t, idx, got)

	c.EvictTable(7)
	_, ok = c.GetIndex(7)
	assert.False(t, ok)
}

func sizedBlock(t *testing.T, valueLen int) *block.Block {
	t.Helper()
	bb := block.NewBuilder(1 << 15)
	require.True(t, bb.Add(types.RowEntry{
		Key:   []byte("key"),
		Epoch: 1,
		Value: types.Value{Value: bytes.Repeat([]byte("v"), valueLen)},
	}))
	b, err := bb.Build()
	require.NoError(t, err)
	return b
}

func TestCacheAdmissionIsBoundedBySize(t *testing.T) {
	small := sizedBlock(t, 100)
	large := sizedBlock(t, 4000)
	slot := small.Size() + 50
	require.Greater(t, large.Size(), slot)

	// Each entry may use at most a tenth of the capacity
	c := blockcache.New(10 * slot)
	defer c.Close()

	assert.True(t, c.SetBlock(blockcache.Key{TableID: 1}, small))
	assert.False(t, c.SetBlock(blockcache.Key{TableID: 2}, large))

	got, ok := c.GetBlock(blockcache.Key{TableID: 1})
	require.True(t, ok)
	assert.Same(t, small, got)
	_, ok = c.GetBlock(blockcache.Key{TableID: 2})
	assert.False(t, ok)
}

func TestCacheRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { blockcache.New(0) })
}
