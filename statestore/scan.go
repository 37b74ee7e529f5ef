package statestore

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/tidewave/statestore/internal/iter"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

// Scanner iterates the keys of a range visible at one epoch in ascending
// order. The version it reads is pinned until Close, so concurrent flushes
// and compactions never change what it returns.
type Scanner struct {
	client    *Client
	contextID string
	it        *iter.VisibleIterator
	skip      []byte
	cursor    []byte

	mu     sync.Mutex
	closed bool
	// err is set when the read context expired and the pins were released
	err error
}

// Scan returns a Scanner over rng at epoch. Like Get it waits for the
// watermark to reach epoch, MaxEpoch scans at the current watermark. Close
// must be called to release the pinned version.
func (c *Client) Scan(ctx context.Context, rng KeyRange, epoch Epoch, opts ScanOptions) (*Scanner, error) {
	var skip []byte
	if opts.After != nil && (rng.Start == nil || bytes.Compare(opts.After, rng.Start) >= 0) {
		rng.Start = opts.After
		skip = opts.After
	}

	if err := c.prepareRead(epoch); err != nil {
		return nil, err
	}

	contextID := c.id + "/" + uuid.NewString()
	s := &Scanner{client: c, contextID: contextID, skip: skip}
	if epoch != types.MaxEpoch {
		if err := c.meta.PinSnapshot(ctx, contextID, epoch); err != nil {
			return nil, errors.CombineErrors(err, s.Close(ctx))
		}
	}
	v, err := c.meta.PinVersion(ctx, contextID, epoch)
	if err != nil {
		return nil, errors.CombineErrors(err, s.Close(ctx))
	}
	if epoch == types.MaxEpoch {
		epoch = v.Watermark
		if err := c.meta.PinSnapshot(ctx, contextID, epoch); err != nil {
			return nil, errors.CombineErrors(err, s.Close(ctx))
		}
	}

	var its []iter.Iterator
	var openErr error
	v.Tables(func(t manifest.TableMeta) bool {
		if t.MinEpoch > epoch || !t.Overlaps(rng) {
			return true
		}
		h, err := c.tables.OpenTable(ctx, t.ID, t.Size)
		if err != nil {
			openErr = err
			return false
		}
		it, err := c.tables.NewIterator(ctx, h, sstable.IterOptions{Range: rng})
		if err != nil {
			openErr = err
			return false
		}
		its = append(its, it)
		return true
	})
	if openErr != nil {
		return nil, errors.CombineErrors(openErr, s.Close(ctx))
	}

	s.it = iter.NewVisibleIterator(iter.NewMergeSort(ctx, its...), epoch)
	c.scanMu.Lock()
	c.scanners[contextID] = s
	c.scanMu.Unlock()
	return s, nil
}

// Next returns the next visible key value pair. It returns false when the
// range is exhausted, the scanner is closed or on error, see Err.
func (s *Scanner) Next(ctx context.Context) (KeyValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil || s.it == nil {
		return KeyValue{}, false
	}
	for {
		kv, ok := s.it.Next(ctx)
		if !ok {
			return KeyValue{}, false
		}
		if s.skip != nil && bytes.Equal(kv.Key, s.skip) {
			continue
		}
		s.cursor = append(s.cursor[:0], kv.Key...)
		return KeyValue{Key: kv.Key, Value: kv.Value}, true
	}
}

func (s *Scanner) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.it == nil {
		return nil
	}
	return s.it.Err()
}

func (s *Scanner) expire() {
	s.mu.Lock()
	s.err = errors.Wrapf(types.ErrContextExpired, "scanner %s", s.contextID)
	s.mu.Unlock()
}

// Cursor returns the last key returned by Next. A scan started with
// ScanOptions.After set to the cursor continues where this one stopped.
func (s *Scanner) Cursor() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		return nil
	}
	return append([]byte(nil), s.cursor...)
}

// Close releases the pinned version and snapshot. It is safe to call more
// than once.
func (s *Scanner) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.scanMu.Lock()
	delete(s.client.scanners, s.contextID)
	s.client.scanMu.Unlock()
	return s.client.meta.ReleaseContext(context.WithoutCancel(ctx), s.contextID)
}
