package sstable

import (
	"context"

	"github.com/tidewave/statestore/internal/sstable/block"
	"github.com/tidewave/statestore/internal/types"
)

// ID is the unique id of a table file allocated by the meta service
type ID = uint64

// Handle is an opened table file
type Handle struct {
	ID   ID
	Info *Info
}

func NewHandle(id ID, info *Info) *Handle {
	return &Handle{ID: id, Info: info}
}

// Overlaps returns true if the key range of the table intersects rng
func (h *Handle) Overlaps(rng types.KeyRange) bool {
	return rng.Overlaps(h.Info.FirstKey, h.Info.LastKey)
}

// BlockSource loads the index and blocks of a table, usually through a cache
type BlockSource interface {
	ReadIndex(ctx context.Context, h *Handle) (*Index, error)
	ReadBlocks(ctx context.Context, h *Handle, index *Index, blockRange Range) ([]*block.Block, error)
}

type IterOptions struct {
	// Range bounds the entries returned, the zero value is unbounded
	Range types.KeyRange

	// SeekEpoch positions the iterator at the first version of Range.Start
	// with an epoch <= SeekEpoch. Zero means every version.
	SeekEpoch types.Epoch

	// BlocksPerFetch is the number of blocks read with a single range request
	BlocksPerFetch int
}

// Iterator iterates through the entries of a table in (key asc, epoch desc)
// order, loading BlocksPerFetch blocks at a time from the BlockSource.
type Iterator struct {
	handle *Handle
	index  *Index
	src    BlockSource
	opts   IterOptions

	fetched   []*block.Block
	current   *block.Iterator
	nextBlock int
	seek      bool
	done      bool
	err       error
}

func NewIterator(ctx context.Context, h *Handle, src BlockSource, opts IterOptions) (*Iterator, error) {
	index, err := src.ReadIndex(ctx, h)
	if err != nil {
		return nil, err
	}
	if opts.BlocksPerFetch <= 0 {
		opts.BlocksPerFetch = 1
	}
	if opts.SeekEpoch == 0 {
		opts.SeekEpoch = types.MaxEpoch
	}

	it := &Iterator{
		handle: h,
		index:  index,
		src:    src,
		opts:   opts,
	}
	if opts.Range.Start != nil {
		it.nextBlock = index.SeekBlock(opts.Range.Start)
		it.seek = true
	}
	return it, nil
}

// Next returns the next entry which may be a tombstone. It returns false once
// the table or the range is exhausted, or on error, see Err().
func (it *Iterator) Next(ctx context.Context) (types.RowEntry, bool) {
	for !it.done {
		if it.current == nil {
			if !it.loadNextBlock(ctx) {
				return types.RowEntry{}, false
			}
		}

		entry, ok := it.current.Next()
		if !ok {
			if err := it.current.Err(); err != nil {
				it.fail(err)
				return types.RowEntry{}, false
			}
			it.current = nil
			continue
		}

		if it.opts.Range.AfterEnd(entry.Key) {
			it.done = true
			return types.RowEntry{}, false
		}
		return entry, true
	}
	return types.RowEntry{}, false
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.done = true
}

func (it *Iterator) loadNextBlock(ctx context.Context) bool {
	if len(it.fetched) == 0 {
		if it.nextBlock >= it.index.Len() {
			it.done = true
			return false
		}
		// Skip fetching blocks which start past the end of the range
		if it.opts.Range.AfterEnd(it.index.BlockMeta[it.nextBlock].FirstKey) {
			it.done = true
			return false
		}

		end := min(it.nextBlock+it.opts.BlocksPerFetch, it.index.Len())
		blocks, err := it.src.ReadBlocks(ctx, it.handle, it.index, Range{
			Start: uint64(it.nextBlock),
			End:   uint64(end),
		})
		if err != nil {
			it.fail(err)
			return false
		}
		it.fetched = blocks
		it.nextBlock = end
	}

	blk := it.fetched[0]
	it.fetched = it.fetched[1:]
	if it.seek {
		it.current = block.NewIteratorAt(blk, it.opts.Range.Start, it.opts.SeekEpoch)
		// Once positioned inside a block every later entry sorts after the seek point
		if it.current.Valid() {
			it.seek = false
		}
	} else {
		it.current = block.NewIterator(blk)
	}
	return true
}
