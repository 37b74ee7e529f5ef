// Package blockcache holds decoded table blocks and indexes in memory,
// bounded by their decoded size.
//
// Eviction is otter's S3-FIFO rather than strict LRU. New entries enter a
// small FIFO holding a tenth of the capacity and move to the main queue
// once read again, so a scan touching many blocks once does not flush the
// blocks hot readers keep hitting. Every entry costs its decoded size in
// bytes, and an entry costing more than a tenth of the capacity is not
// admitted at all, so a few large blocks can never take the room of many
// small ones.
package blockcache

import (
	"math"

	"github.com/maypok86/otter"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/sstable/block"
)

// Key identifies a block by the table it belongs to and its offset within
// the table file
type Key struct {
	TableID sstable.ID
	Offset  uint64
}

type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Cache is safe for concurrent use. Cached blocks are immutable and shared
// between readers without copying.
type Cache struct {
	blocks  otter.Cache[Key, *block.Block]
	indexes otter.Cache[sstable.ID, *sstable.Index]
}

// New returns a Cache bounded to capacityBytes of decoded blocks. Indexes
// are bounded separately to an eighth of capacityBytes.
func New(capacityBytes int) *Cache {
	assert.True(capacityBytes > 0, "block cache capacity must be positive, got %d", capacityBytes)

	blocks, err := otter.MustBuilder[Key, *block.Block](capacityBytes).
		CollectStats().
		Cost(func(_ Key, b *block.Block) uint32 {
			return cost(b.Size())
		}).
		Build()
	assert.NoError(err, "building block cache")

	indexes, err := otter.MustBuilder[sstable.ID, *sstable.Index](max(capacityBytes/8, 1)).
		Cost(func(_ sstable.ID, idx *sstable.Index) uint32 {
			return cost(idx.Size())
		}).
		Build()
	assert.NoError(err, "building index cache")

	return &Cache{blocks: blocks, indexes: indexes}
}

func cost(size int) uint32 {
	if size > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(max(size, 1))
}

func (c *Cache) GetBlock(key Key) (*block.Block, bool) {
	return c.blocks.Get(key)
}

// SetBlock caches b and reports whether it was admitted. Blocks larger than
// a tenth of the capacity are not.
func (c *Cache) SetBlock(key Key, b *block.Block) bool {
	return c.blocks.Set(key, b)
}

func (c *Cache) GetIndex(id sstable.ID) (*sstable.Index, bool) {
	return c.indexes.Get(id)
}

func (c *Cache) SetIndex(id sstable.ID, idx *sstable.Index) {
	c.indexes.Set(id, idx)
}

// EvictTable drops every cached block and the index of a table, called once
// the table is deleted.
func (c *Cache) EvictTable(id sstable.ID) {
	c.blocks.DeleteByFunc(func(key Key, _ *block.Block) bool {
		return key.TableID == id
	})
	c.indexes.Delete(id)
}

func (c *Cache) Stats() Stats {
	s := c.blocks.Stats()
	return Stats{Hits: s.Hits(), Misses: s.Misses(), Size: c.blocks.Size()}
}

func (c *Cache) Close() {
	c.blocks.Close()
	c.indexes.Close()
}
