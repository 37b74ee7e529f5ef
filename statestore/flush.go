package statestore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/memtable"
	"github.com/tidewave/statestore/internal/types"
)

// Flush writes every buffered batch to a table file and commits it. Batches
// written concurrently with Flush may be left for the next flush.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return types.ErrClosed
	}
	return c.flush(ctx)
}

func (c *Client) triggerFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *Client) spawnFlushTask() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			case <-c.flushCh:
			}
			if err := c.flush(context.Background()); err != nil {
				c.opts.Log.Error("flushing write buffer failed", "error", err)
			}
		}
	}()
}

// freeze moves the active buffer to the frozen queue unless it is empty
func (c *Client) freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active.IsEmpty() {
		return
	}
	c.active.Freeze()
	c.frozen.PushBack(c.active)
	c.active = memtable.New()
}

// flush uploads the frozen buffers oldest first. A buffer which fails is
// dropped, its epochs are aborted and its writers receive
// ErrDurabilityFailure.
func (c *Client) flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	// Writers waiting on a buffer must not fail because the caller of Flush
	// gave up waiting
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FlushTimeout)
	defer cancel()

	c.freeze()
	var errs error
	for {
		c.mu.RLock()
		if c.frozen.Len() == 0 {
			c.mu.RUnlock()
			return errs
		}
		buf := c.frozen.Front()
		c.mu.RUnlock()

		err := c.flushBuffer(ctx, buf)
		if err != nil {
			err = errors.Mark(err, types.ErrDurabilityFailure)
			c.abort(ctx, buf.Epochs())
			errs = errors.CombineErrors(errs, err)
		}

		c.mu.Lock()
		c.frozen.PopFront()
		c.mu.Unlock()
		buf.NotifyDurable(err)
	}
}

// flushBuffer writes buf to a level 0 table and commits it together with
// the epochs of buf
func (c *Client) flushBuffer(ctx context.Context, buf *memtable.Table) error {
	epochs := buf.Epochs()

	builder := c.tables.TableBuilder()
	it := buf.Entries()
	for {
		e, ok := it.Next(ctx)
		if !ok {
			break
		}
		if err := builder.Add(e); err != nil {
			return errors.Wrap(err, "build level 0 table")
		}
	}
	table, err := builder.Build()
	if err != nil {
		return errors.Wrap(err, "build level 0 table")
	}

	ids, err := c.meta.AllocateTableIDs(ctx, 1)
	if err != nil {
		return errors.Wrap(err, "allocate table id")
	}
	h, size, err := c.tables.WriteTable(ctx, ids[0], table)
	if err != nil {
		return err
	}
	added := manifest.NewTableMeta(h, 0, size)

	for {
		head, err := c.meta.GetVersion(ctx, types.MaxEpoch)
		if err != nil {
			return err
		}
		v, err := c.meta.CommitDelta(ctx, &manifest.Delta{
			BaseVersionID:   head.ID,
			Added:           []manifest.TableMeta{added},
			CommittedEpochs: epochs,
		})
		if errors.Is(err, types.ErrConflict) {
			c.opts.Log.Debug("conflicting version commit, retrying", "table", added.ID)
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "commit table %d with epochs %v", added.ID, epochs)
		}
		c.opts.Log.Debug("flushed write buffer", "table", added.ID, "epochs", len(epochs),
			"entries", added.EntryCount, "version", v.ID)
		return nil
	}
}
