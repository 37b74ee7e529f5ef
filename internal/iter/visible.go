package iter

import (
	"bytes"
	"context"

	"github.com/tidewave/statestore/internal/types"
)

// VisibleIterator turns a versioned iterator into the snapshot view at a
// single epoch. For each key it yields the newest version with an epoch <= the
// snapshot epoch and hides the key when that version is a tombstone.
type VisibleIterator struct {
	inner   Iterator
	epoch   types.Epoch
	lastKey []byte
	// seen is true once a version of lastKey has been resolved
	seen bool
}

func NewVisibleIterator(inner Iterator, epoch types.Epoch) *VisibleIterator {
	return &VisibleIterator{inner: inner, epoch: epoch}
}

// Next returns the next visible key value pair
func (v *VisibleIterator) Next(ctx context.Context) (types.KeyValue, bool) {
	for {
		e, ok := v.inner.Next(ctx)
		if !ok {
			return types.KeyValue{}, false
		}
		if e.Epoch > v.epoch {
			continue
		}
		// Older versions of a key already resolved are superseded
		if v.seen && bytes.Equal(e.Key, v.lastKey) {
			continue
		}
		v.lastKey = append(v.lastKey[:0], e.Key...)
		v.seen = true

		if e.Value.IsTombstone() {
			continue
		}
		return types.KeyValue{Key: e.Key, Value: e.Value.Value}, true
	}
}

func (v *VisibleIterator) Err() error {
	return v.inner.Err()
}
