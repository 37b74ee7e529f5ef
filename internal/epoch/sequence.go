// Package epoch issues strictly increasing epochs and table ids, and tracks
// which issued epochs are still outstanding.
package epoch

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/types"
)

// Sequence issues strictly increasing values. Values are reserved in blocks
// of ReserveBatch by persisting the upper bound of the block before any value
// of it is returned, so values are never reissued after a restart. Unused
// values of the last block are skipped after a restart.
type Sequence struct {
	backend backend.Backend
	key     string
	reserve uint64

	mu     sync.Mutex
	loaded bool
	// last is the last value issued
	last uint64
	// limit is the persisted high water mark, values <= limit may be issued
	limit uint64
}

func NewSequence(b backend.Backend, key string, reserveBatch uint64) *Sequence {
	return &Sequence{backend: b, key: key, reserve: max(reserveBatch, 1)}
}

// Next returns the next value of the sequence
func (s *Sequence) Next(ctx context.Context) (uint64, error) {
	return s.NextN(ctx, 1)
}

// NextN reserves n contiguous values and returns the first of them
func (s *Sequence) NextN(ctx context.Context, n uint64) (uint64, error) {
	if n == 0 {
		return 0, errors.New("sequence: cannot allocate zero values")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return 0, err
	}

	first := s.last + 1
	if end := s.last + n; end > s.limit {
		limit := s.last + max(n, s.reserve)
		if err := s.persist(ctx, limit); err != nil {
			return 0, err
		}
		s.limit = limit
	}
	s.last += n
	return first, nil
}

// HighWaterMark returns the persisted upper bound of issued values
func (s *Sequence) HighWaterMark(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	return s.limit, nil
}

// Last returns the last value issued, or the recovered high water mark
func (s *Sequence) Last(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	return s.last, nil
}

func (s *Sequence) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	data, err := s.backend.Get(ctx, s.key)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		s.limit = 0
	case err != nil:
		return errors.Wrapf(err, "load sequence '%s'", s.key)
	default:
		if s.limit, err = DecodeHighWaterMark(data); err != nil {
			return errors.Wrapf(err, "sequence '%s'", s.key)
		}
	}
	// Every value up to the persisted limit may have been issued before
	s.last = s.limit
	s.loaded = true
	return nil
}

func (s *Sequence) persist(ctx context.Context, limit uint64) error {
	return errors.Wrapf(s.backend.Put(ctx, s.key, EncodeHighWaterMark(limit)),
		"persist sequence '%s' high water mark %d", s.key, limit)
}

func EncodeHighWaterMark(v uint64) []byte {
	return strconv.AppendUint(nil, v, 10)
}

func DecodeHighWaterMark(data []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, types.MarkCorrupt(err, "decode high water mark")
	}
	return v, nil
}
