package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-zookeeper/zk"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/types"
)

type RetryOptions struct {
	// Attempts is the total number of tries, including the first
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

func (o RetryOptions) withDefaults() RetryOptions {
	set.Default(&o.Attempts, 5)
	set.Default(&o.InitialBackoff, 20*time.Millisecond)
	set.Default(&o.MaxBackoff, time.Second)
	return o
}

// Retry wraps a Backend, retrying failed operations with exponential backoff.
// Once attempts are exhausted the last error is marked ErrBackendUnavailable.
type Retry struct {
	Backend
	opts RetryOptions
	log  *slog.Logger
}

func WithRetry(b Backend, opts RetryOptions, log *slog.Logger) *Retry {
	set.Default(&log, slog.Default())
	return &Retry{Backend: b, opts: opts.withDefaults(), log: log}
}

// retryable reports whether err is a transient failure. A zk request larger
// than the client buffer fails the same way every time.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrInvalidURL),
		errors.Is(err, types.ErrCorruption),
		errors.Is(err, errScanDelivered),
		errors.Is(err, zk.ErrShortBuffer),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (r *Retry) do(ctx context.Context, op string, fn func() error) error {
	backoff := r.opts.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt >= r.opts.Attempts {
			break
		}
		r.log.Warn("backend operation failed, retrying",
			"op", op, "attempt", attempt, "backoff", backoff, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Mark(errors.Wrapf(err, "%s: %s", op, ctx.Err()), types.ErrBackendUnavailable)
		case <-t.C:
		}
		backoff = min(backoff*2, r.opts.MaxBackoff)
	}
	return errors.Mark(errors.Wrapf(err, "%s failed after %d attempts", op, r.opts.Attempts),
		types.ErrBackendUnavailable)
}

func (r *Retry) Get(ctx context.Context, key string) (v []byte, err error) {
	err = r.do(ctx, "get", func() error {
		v, err = r.Backend.Get(ctx, key)
		return err
	})
	return v, err
}

func (r *Retry) GetRange(ctx context.Context, key string, offset, length int64) (v []byte, err error) {
	err = r.do(ctx, "get range", func() error {
		v, err = r.Backend.GetRange(ctx, key, offset, length)
		return err
	})
	return v, err
}

func (r *Retry) Put(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "put", func() error {
		return r.Backend.Put(ctx, key, value)
	})
}

// PutIfNotExists treats ErrAlreadyExists after a failed attempt as success
// only when the stored value matches, since the failed attempt may have
// been applied before the error was returned.
func (r *Retry) PutIfNotExists(ctx context.Context, key string, value []byte) error {
	failed := false
	return r.do(ctx, "put if not exists", func() error {
		err := r.Backend.PutIfNotExists(ctx, key, value)
		if err != nil && errors.Is(err, ErrAlreadyExists) && failed {
			stored, getErr := r.Backend.Get(ctx, key)
			if getErr == nil && string(stored) == string(value) {
				return nil
			}
		}
		if err != nil {
			failed = true
		}
		return err
	})
}

func (r *Retry) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", func() error {
		return r.Backend.Delete(ctx, key)
	})
}

// Scan is retried only when fn has not been called yet, a failure after
// keys were delivered is returned as is.
func (r *Retry) Scan(ctx context.Context, rng types.KeyRange, keysOnly bool, fn ScanFunc) error {
	delivered := false
	var fnErr error
	return r.do(ctx, "scan", func() error {
		err := r.Backend.Scan(ctx, rng, keysOnly, func(key string, value []byte) error {
			delivered = true
			fnErr = fn(key, value)
			return fnErr
		})
		if err != nil && (delivered || fnErr != nil) {
			return errors.Mark(err, errScanDelivered)
		}
		return err
	})
}

var errScanDelivered = errors.New("scan failed after delivering keys")

func (r *Retry) WriteBatch(ctx context.Context, ops []Op) error {
	return r.do(ctx, "write batch", func() error {
		return r.Backend.WriteBatch(ctx, ops)
	})
}

// Unwrap returns the wrapped Backend
func (r *Retry) Unwrap() Backend {
	return r.Backend
}
