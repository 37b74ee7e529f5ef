package iter

import (
	"bytes"
	"context"

	"github.com/tidewave/statestore/internal/types"
)

// RetentionIterator discards versions no reader can observe. Every version
// newer than the safe epoch is kept, plus the newest version at or below the
// safe epoch for each key since it is the value visible at the safe epoch.
// That version is dropped too when it is a tombstone and dropTombstones is
// set, which is only correct when no older version of the key exists
// outside the iterated tables.
type RetentionIterator struct {
	inner          Iterator
	safeEpoch      types.Epoch
	dropTombstones bool
	lastKey        []byte
	// retained is true once the version of lastKey at the safe epoch was seen
	retained bool
}

func NewRetentionIterator(inner Iterator, safeEpoch types.Epoch, dropTombstones bool) *RetentionIterator {
	return &RetentionIterator{inner: inner, safeEpoch: safeEpoch, dropTombstones: dropTombstones}
}

func (r *RetentionIterator) Next(ctx context.Context) (types.RowEntry, bool) {
	for {
		e, ok := r.inner.Next(ctx)
		if !ok {
			return types.RowEntry{}, false
		}
		if !bytes.Equal(e.Key, r.lastKey) || r.lastKey == nil {
			r.lastKey = append(r.lastKey[:0], e.Key...)
			r.retained = false
		}
		if e.Epoch > r.safeEpoch {
			return e, true
		}
		if r.retained {
			continue
		}
		r.retained = true
		if e.Value.IsTombstone() && r.dropTombstones {
			continue
		}
		return e, true
	}
}

func (r *RetentionIterator) Err() error {
	return r.inner.Err()
}
