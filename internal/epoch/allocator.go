package epoch

import (
	"context"
	"sync"
	"time"

	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/types"
)

// Key is the backend key holding the epoch high water mark
const Key = "meta/epoch"

type AllocatorOptions struct {
	// ReserveBatch is the number of epochs reserved per persisted high water mark
	ReserveBatch uint64 `yaml:"reserve_batch"`
	// Lease is how long an epoch may stay outstanding before it is aborted
	Lease time.Duration `yaml:"lease"`

	Now func() time.Time `yaml:"-"`
}

// Allocator issues epochs and tracks them until they are resolved
type Allocator struct {
	// mu orders issuing with tracking so the watermark never passes an epoch
	// which is about to become outstanding
	mu      sync.Mutex
	seq     *Sequence
	tracker *Tracker
}

// NewAllocator loads the high water mark and returns an Allocator which
// considers every epoch issued before the restart as resolved
func NewAllocator(ctx context.Context, b backend.Backend, opts AllocatorOptions) (*Allocator, error) {
	set.Default(&opts.ReserveBatch, 1000)
	set.Default(&opts.Lease, time.Minute)

	seq := NewSequence(b, Key, opts.ReserveBatch)
	hwm, err := seq.HighWaterMark(ctx)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		seq:     seq,
		tracker: NewTracker(hwm, opts.Lease, opts.Now),
	}, nil
}

// Next returns an epoch strictly greater than every epoch returned before,
// including before a restart
func (a *Allocator) Next(ctx context.Context) (types.Epoch, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.seq.Next(ctx)
	if err != nil {
		return 0, err
	}
	a.tracker.Issue(e)
	return e, nil
}

func (a *Allocator) Tracker() *Tracker {
	return a.tracker
}
