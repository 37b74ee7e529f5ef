// Package memtable buffers write batches in memory until they are flushed to
// a table file.
package memtable

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/huandu/skiplist"

	"github.com/tidewave/statestore/internal/iter"
	"github.com/tidewave/statestore/internal/types"
)

type versionedKey struct {
	key   []byte
	epoch types.Epoch
}

// versionedKeys orders skiplist keys by key ascending then epoch descending
type versionedKeys struct{}

func (versionedKeys) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(versionedKey), rhs.(versionedKey)
	return types.CompareVersioned(l.key, l.epoch, r.key, r.epoch)
}

func (versionedKeys) CalcScore(interface{}) float64 {
	return 0
}

// Table holds versioned entries sorted by (key asc, epoch desc). A Table is
// written to until it is frozen, after which it is only read and flushed.
type Table struct {
	mu     sync.RWMutex
	skl    *skiplist.SkipList
	epochs map[types.Epoch]struct{}
	frozen bool

	size atomic.Int64

	durable chan struct{}
	// err is set before durable is closed when the flush failed
	err error
}

func New() *Table {
	return &Table{
		skl:     skiplist.New(versionedKeys{}),
		epochs:  make(map[types.Epoch]struct{}),
		durable: make(chan struct{}),
	}
}

// PutBatch adds every entry at epoch. Within a batch the last entry for a
// key wins. It returns false if the table was frozen.
func (t *Table) PutBatch(e types.Epoch, entries []types.RowEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return false
	}
	for _, entry := range entries {
		k := versionedKey{key: bytes.Clone(entry.Key), epoch: e}
		if old := t.skl.Get(k); old != nil {
			t.size.Add(-entrySize(k, old.Value.(types.Value)))
		}
		value := types.Value{Kind: entry.Value.Kind, Value: bytes.Clone(entry.Value.Value)}
		t.skl.Set(k, value)
		t.size.Add(entrySize(k, value))
	}
	t.epochs[e] = struct{}{}
	return true
}

func entrySize(k versionedKey, v types.Value) int64 {
	return int64(len(k.key) + len(v.Value) + 9)
}

// Freeze stops the table from accepting writes
func (t *Table) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// Epochs returns the epochs written to the table in ascending order
func (t *Table) Epochs() []types.Epoch {
	t.mu.RLock()
	defer t.mu.RUnlock()
	epochs := make([]types.Epoch, 0, len(t.epochs))
	for e := range t.epochs {
		epochs = append(epochs, e)
	}
	slices.Sort(epochs)
	return epochs
}

// Size is the approximate number of bytes buffered
func (t *Table) Size() int64 {
	return t.size.Load()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.skl.Len()
}

func (t *Table) IsEmpty() bool {
	return t.Len() == 0
}

// NotifyDurable wakes every AwaitDurable caller. A non nil err reports that
// the table could not be made durable.
func (t *Table) NotifyDurable(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.durable)
}

// AwaitDurable blocks until NotifyDurable is called or ctx is done
func (t *Table) AwaitDurable(ctx context.Context) error {
	select {
	case <-t.durable:
		t.mu.RLock()
		defer t.mu.RUnlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns an iterator over a copy of every entry of the table
func (t *Table) Entries() iter.Iterator {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]types.RowEntry, 0, t.skl.Len())
	for elem := t.skl.Front(); elem != nil; elem = elem.Next() {
		k := elem.Key().(versionedKey)
		entries = append(entries, types.RowEntry{Key: k.key, Epoch: k.epoch, Value: elem.Value.(types.Value)})
	}
	return iter.NewEntryIterator(entries...)
}
