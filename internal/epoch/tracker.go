package epoch

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/tidewave/statestore/internal/types"
)

// Tracker tracks issued epochs until they are committed or aborted. An epoch
// which is neither before its lease expires is aborted.
type Tracker struct {
	lease time.Duration
	now   func() time.Time

	mu          sync.Mutex
	outstanding *btree.BTreeG[types.Epoch]
	deadlines   map[types.Epoch]time.Time
	lastIssued  types.Epoch
}

// NewTracker returns a Tracker which considers every epoch <= resolved to be
// committed or aborted
func NewTracker(resolved types.Epoch, lease time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		lease:       lease,
		now:         now,
		outstanding: btree.NewOrderedG[types.Epoch](16),
		deadlines:   make(map[types.Epoch]time.Time),
		lastIssued:  resolved,
	}
}

// Issue records e as outstanding
func (t *Tracker) Issue(e types.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding.ReplaceOrInsert(e)
	t.deadlines[e] = t.now().Add(t.lease)
	t.lastIssued = max(t.lastIssued, e)
}

// Resolve marks epochs as committed. It fails with ErrEpochExpired without
// resolving any epoch if one of them is not outstanding, which happens when
// its lease expired and it was aborted.
func (t *Tracker) Resolve(epochs ...types.Epoch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expire()
	for _, e := range epochs {
		if !t.outstanding.Has(e) {
			return errors.Wrapf(types.ErrEpochExpired, "epoch %d is not outstanding", e)
		}
	}
	for _, e := range epochs {
		t.remove(e)
	}
	return nil
}

// Commit calls fn with the watermark that results from resolving epochs
// and resolves them if fn succeeds. The tracker stays locked while fn runs so
// no epoch is issued or expires in between.
func (t *Tracker) Commit(epochs []types.Epoch, fn func(watermark types.Epoch) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expire()

	committing := make(map[types.Epoch]bool, len(epochs))
	for _, e := range epochs {
		if !t.outstanding.Has(e) {
			return errors.Wrapf(types.ErrEpochExpired, "epoch %d is not outstanding", e)
		}
		committing[e] = true
	}

	watermark := t.lastIssued
	t.outstanding.Ascend(func(e types.Epoch) bool {
		if committing[e] {
			return true
		}
		watermark = e - 1
		return false
	})

	if err := fn(watermark); err != nil {
		return err
	}
	for _, e := range epochs {
		t.remove(e)
	}
	return nil
}

// Abort resolves epochs without committing them, unknown epochs are ignored
func (t *Tracker) Abort(epochs ...types.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range epochs {
		t.remove(e)
	}
}

func (t *Tracker) remove(e types.Epoch) {
	t.outstanding.Delete(e)
	delete(t.deadlines, e)
}

// Expire aborts outstanding epochs whose lease expired and returns them
func (t *Tracker) Expire() []types.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expire()
}

func (t *Tracker) expire() []types.Epoch {
	now := t.now()
	var expired []types.Epoch
	for e, deadline := range t.deadlines {
		if now.After(deadline) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		t.remove(e)
	}
	return expired
}

// Watermark returns the greatest epoch W such that every epoch <= W has been
// resolved
func (t *Tracker) Watermark() types.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expire()
	if e, ok := t.outstanding.Min(); ok {
		return e - 1
	}
	return t.lastIssued
}

// LastIssued returns the greatest epoch issued so far, or the resolved
// epoch the tracker was created with
func (t *Tracker) LastIssued() types.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastIssued
}

// Outstanding returns the number of outstanding epochs
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding.Len()
}
