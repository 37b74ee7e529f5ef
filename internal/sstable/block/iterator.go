package block

import (
	"sort"

	"github.com/tidewave/statestore/internal/types"
)

// Iterator iterates through the rows of a Block in (key asc, epoch desc) order.
// Returned keys are copies, values reference the block which is immutable.
type Iterator struct {
	block       *Block
	offsetIndex int
	err         error
}

// NewIterator constructs a block.Iterator that starts at the beginning of the block
func NewIterator(block *Block) *Iterator {
	return &Iterator{
		block: block,
	}
}

// NewIteratorAt constructs a block.Iterator positioned at the first row which
// sorts at or after (key, epoch). Because epochs sort descending, seeking to
// (key, E) lands on the newest version of key visible at E.
func NewIteratorAt(block *Block, key []byte, epoch types.Epoch) *Iterator {
	it := &Iterator{block: block}
	it.offsetIndex = sort.Search(len(block.Offsets), func(i int) bool {
		if it.err != nil {
			return true
		}
		r, _, err := peekRow(block.Data[block.Offsets[i]:], block.FirstKey)
		if err != nil {
			it.err = err
			return true
		}
		return comparePeeked(r, block.FirstKey, key, epoch) >= 0
	})
	return it
}

// Next returns the next row in the block, which may be a tombstone. It returns
// false at the end of the block or when the row could not be decoded, in which
// case Err() returns the reason.
func (it *Iterator) Next() (types.RowEntry, bool) {
	if it.err != nil || it.offsetIndex >= len(it.block.Offsets) {
		return types.RowEntry{}, false
	}

	r, err := decodeRow(it.block.Data[it.block.Offsets[it.offsetIndex]:], it.block.FirstKey)
	if err != nil {
		it.err = err
		return types.RowEntry{}, false
	}
	it.offsetIndex++

	return types.RowEntry{
		Key:   r.fullKey(it.block.FirstKey),
		Epoch: r.Epoch,
		Value: r.Value,
	}, true
}

// Valid returns true if the iterator is positioned on a row
func (it *Iterator) Valid() bool {
	return it.err == nil && it.offsetIndex < len(it.block.Offsets)
}

// Err returns the decode error which ended iteration, if any
func (it *Iterator) Err() error {
	return it.err
}
