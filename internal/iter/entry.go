package iter

import (
	"context"

	"github.com/tidewave/statestore/internal/types"
)

// Iterator yields entries in (key asc, epoch desc) order, tombstones included.
type Iterator interface {
	// Next returns the next entry. It returns false once the iterator is
	// exhausted or has failed, Err() tells the two apart.
	Next(ctx context.Context) (types.RowEntry, bool)

	// Err returns the error which ended iteration, if any
	Err() error
}

// EntryIterator is an iterator over an in-memory slice of entries which must
// already be sorted.
type EntryIterator struct {
	entries []types.RowEntry
	index   int
}

func NewEntryIterator(entries ...types.RowEntry) *EntryIterator {
	return &EntryIterator{
		entries: entries,
	}
}

func (k *EntryIterator) Next(context.Context) (types.RowEntry, bool) {
	if k.index < len(k.entries) {
		entry := k.entries[k.index]
		k.index++
		return entry, true
	}
	return types.RowEntry{}, false
}

func (k *EntryIterator) Err() error {
	return nil
}

// Add appends a value for key at epoch
func (k *EntryIterator) Add(key []byte, epoch types.Epoch, value []byte) *EntryIterator {
	k.entries = append(k.entries, types.RowEntry{
		Key:   key,
		Epoch: epoch,
		Value: types.Value{Value: value},
	})
	return k
}

// AddTombstone appends a tombstone for key at epoch
func (k *EntryIterator) AddTombstone(key []byte, epoch types.Epoch) *EntryIterator {
	k.entries = append(k.entries, types.RowEntry{
		Key:   key,
		Epoch: epoch,
		Value: types.Value{Kind: types.KindTombStone},
	})
	return k
}

func (k *EntryIterator) Len() int {
	return len(k.entries)
}

// Collect drains the iterator into a slice
func Collect(ctx context.Context, it Iterator) ([]types.RowEntry, error) {
	var out []types.RowEntry
	for {
		e, ok := it.Next(ctx)
		if !ok {
			return out, it.Err()
		}
		out = append(out, e)
	}
}
