package backend

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/types"
)

var ErrInjected = errors.New("injected backend fault")

// Fault describes failures injected by a Faulty backend. A Fault matches
// operations whose name is Op (or any op when empty) on keys with Prefix.
type Fault struct {
	Op     string
	Prefix string
	// Times is the number of failures before the fault clears, zero fails forever
	Times int
	Err   error
}

// Faulty wraps a Backend and fails operations matching the installed faults.
// It is used to exercise retry and durability failure paths.
type Faulty struct {
	Backend
	mu     sync.Mutex
	faults []*Fault
}

func NewFaulty(b Backend) *Faulty {
	return &Faulty{Backend: b}
}

func (f *Faulty) Inject(fault Fault) {
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	f.mu.Lock()
	f.faults = append(f.faults, &fault)
	f.mu.Unlock()
}

// Clear removes every installed fault
func (f *Faulty) Clear() {
	f.mu.Lock()
	f.faults = nil
	f.mu.Unlock()
}

func (f *Faulty) check(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, fault := range f.faults {
		if fault.Op != "" && fault.Op != op {
			continue
		}
		if !strings.HasPrefix(key, fault.Prefix) {
			continue
		}
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				f.faults = append(f.faults[:i], f.faults[i+1:]...)
			}
		}
		return errors.Wrapf(fault.Err, "%s '%s'", op, key)
	}
	return nil
}

func (f *Faulty) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.check("get", key); err != nil {
		return nil, err
	}
	return f.Backend.Get(ctx, key)
}

func (f *Faulty) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := f.check("get_range", key); err != nil {
		return nil, err
	}
	return f.Backend.GetRange(ctx, key, offset, length)
}

func (f *Faulty) Put(ctx context.Context, key string, value []byte) error {
	if err := f.check("put", key); err != nil {
		return err
	}
	return f.Backend.Put(ctx, key, value)
}

func (f *Faulty) PutIfNotExists(ctx context.Context, key string, value []byte) error {
	if err := f.check("put_if_not_exists", key); err != nil {
		return err
	}
	return f.Backend.PutIfNotExists(ctx, key, value)
}

func (f *Faulty) Delete(ctx context.Context, key string) error {
	if err := f.check("delete", key); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, key)
}

func (f *Faulty) Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error {
	if err := f.check("scan", string(rng.Start)); err != nil {
		return err
	}
	return f.Backend.Scan(ctx, rng, keysOnly, fn)
}

func (f *Faulty) WriteBatch(ctx context.Context, ops []Op) error {
	for _, op := range ops {
		if err := f.check("write_batch", op.Key); err != nil {
			return err
		}
	}
	return f.Backend.WriteBatch(ctx, ops)
}
