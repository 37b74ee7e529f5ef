// Package statestore is the client of an epoch-coordinated versioned state
// store. Every write batch is stamped with an epoch issued by the meta
// service, reads observe the newest version of each key at or below the
// epoch they read at.
package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/blockcache"
	"github.com/tidewave/statestore/internal/memtable"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/internal/types"
)

// Client reads and writes the store. It buffers write batches in memory and
// flushes them to level 0 table files in the background.
type Client struct {
	opts   Options
	meta   meta.Client
	tables *tablestore.Store
	cache  *blockcache.Cache
	id     string

	mu     sync.RWMutex
	active *memtable.Table
	// frozen buffers waiting to be flushed, oldest first
	frozen *deque.Deque[*memtable.Table]
	closed bool

	flushMu sync.Mutex
	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	scanMu   sync.Mutex
	scanners map[string]*Scanner

	compactor *Compactor
}

// Open returns a Client which stores table files in b and coordinates
// through mc
func Open(_ context.Context, b backend.Backend, mc meta.Client, opts Options) (*Client, error) {
	opts.setDefaults()

	cache := blockcache.New(opts.CacheSizeBytes)
	tables := tablestore.New(b, tablestore.Options{
		Table:          opts.Table,
		Cache:          cache,
		BlocksPerFetch: opts.BlocksPerFetch,
		Log:            opts.Log,
	})

	c := &Client{
		opts:     opts,
		meta:     mc,
		tables:   tables,
		cache:    cache,
		id:       uuid.NewString(),
		active:   memtable.New(),
		frozen:   deque.New[*memtable.Table](0),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		scanners: make(map[string]*Scanner),
	}

	if opts.Compactor.Enabled {
		c.compactor = NewCompactor(tables, mc, opts.Compactor, opts.Log)
		c.compactor.Start()
	}
	c.spawnFlushTask()
	c.spawnHeartbeatTask()
	return c, nil
}

// spawnHeartbeatTask keeps the read contexts of open scanners alive at the
// meta service
func (c *Client) spawnHeartbeatTask() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
			if err := c.heartbeat(ctx); err != nil {
				c.opts.Log.Warn("scanner keep alive failed", "error", err)
			}
			cancel()
		}
	}()
}

// heartbeat extends the lease of every open scanner. Scanners whose context
// already expired stop with ErrContextExpired.
func (c *Client) heartbeat(ctx context.Context) error {
	c.scanMu.Lock()
	ids := make([]string, 0, len(c.scanners))
	for id := range c.scanners {
		ids = append(ids, id)
	}
	c.scanMu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	expired, err := c.meta.KeepAlive(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range expired {
		c.scanMu.Lock()
		s := c.scanners[id]
		c.scanMu.Unlock()
		if s != nil {
			c.opts.Log.Warn("scanner lost its pins", "context", id)
			s.expire()
		}
	}
	return nil
}

// Close stops background work, flushes the write buffer and releases every
// open Scanner
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.compactor != nil {
		c.compactor.Stop()
	}
	close(c.done)
	c.wg.Wait()
	err := c.flush(ctx)

	c.scanMu.Lock()
	scanners := make([]*Scanner, 0, len(c.scanners))
	for _, s := range c.scanners {
		scanners = append(scanners, s)
	}
	c.scanMu.Unlock()
	for _, s := range scanners {
		if closeErr := s.Close(ctx); closeErr != nil {
			c.opts.Log.Warn("releasing scanner on close", "error", closeErr)
		}
	}

	c.tables.Close()
	c.cache.Close()
	return err
}

// prepareRead flushes the local write buffers when they hold a batch at or
// below epoch, a read at epoch waits for every such batch to commit
func (c *Client) prepareRead(epoch Epoch) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return types.ErrClosed
	}
	if epoch == types.MaxEpoch {
		return nil
	}
	pending := holdsEpochAtOrBelow(c.active, epoch)
	for i := 0; i < c.frozen.Len() && !pending; i++ {
		pending = holdsEpochAtOrBelow(c.frozen.At(i), epoch)
	}
	if pending {
		c.triggerFlush()
	}
	return nil
}

func holdsEpochAtOrBelow(buf *memtable.Table, epoch Epoch) bool {
	epochs := buf.Epochs()
	return len(epochs) > 0 && epochs[0] <= epoch
}

// Get returns the value of key visible at epoch. ErrKeyNotFound is returned
// when the key is absent or deleted at epoch. A read above the watermark
// waits until every batch at or below epoch is committed or aborted,
// MaxEpoch reads at the current watermark.
func (c *Client) Get(ctx context.Context, key []byte, epoch Epoch) ([]byte, error) {
	if err := c.prepareRead(epoch); err != nil {
		return nil, err
	}
	v, err := c.meta.GetVersion(ctx, epoch)
	if err != nil {
		return nil, err
	}
	if epoch == types.MaxEpoch {
		epoch = v.Watermark
	}

	best := mo.None[types.RowEntry]()
	for _, t := range v.Candidates(key, epoch) {
		if cur, ok := best.Get(); ok && t.MaxEpoch <= cur.Epoch {
			continue
		}
		h, err := c.tables.OpenTable(ctx, t.ID, t.Size)
		if err != nil {
			return nil, err
		}
		found, err := c.tables.Get(ctx, h, key, epoch)
		if err != nil {
			return nil, err
		}
		if e, ok := found.Get(); ok {
			if cur, ok := best.Get(); !ok || e.Epoch > cur.Epoch {
				best = mo.Some(e)
			}
		}
	}

	e, ok := best.Get()
	if !ok || e.Value.IsTombstone() {
		return nil, types.ErrKeyNotFound
	}
	return e.Value.Value, nil
}

// WriteBatch stamps entries with a new epoch and buffers them. Within a batch
// the last entry for a key wins. With AwaitDurable the call returns once the
// batch is committed, a batch that could not be persisted fails with
// ErrDurabilityFailure and is never visible to other readers.
func (c *Client) WriteBatch(ctx context.Context, entries []Entry, opts WriteOptions) (Epoch, error) {
	if len(entries) == 0 {
		return 0, errors.New("write batch is empty")
	}
	rows := make([]types.RowEntry, len(entries))
	for i, e := range entries {
		if len(e.Key) == 0 {
			return 0, errors.New("key cannot be empty")
		}
		rows[i] = types.RowEntry{Key: e.Key, Value: types.Value{Value: e.Value}}
		if e.Tombstone {
			rows[i].Value = types.Value{Kind: types.KindTombStone}
		}
	}

	epoch, err := c.meta.AllocateEpoch(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "allocate epoch")
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		c.abort(ctx, []Epoch{epoch})
		return 0, types.ErrClosed
	}
	buf := c.active
	assert.True(buf.PutBatch(epoch, rows), "active write buffer is frozen")
	size := buf.Size()
	c.mu.RUnlock()

	if size >= c.opts.FlushThresholdBytes {
		c.triggerFlush()
	}
	if opts.AwaitDurable {
		if err := buf.AwaitDurable(ctx); err != nil {
			return 0, err
		}
	}
	return epoch, nil
}

// Put writes a single key and waits until it is durable
func (c *Client) Put(ctx context.Context, key, value []byte) (Epoch, error) {
	return c.WriteBatch(ctx, []Entry{PutEntry(key, value)}, DefaultWriteOptions())
}

// Delete writes a tombstone for key and waits until it is durable
func (c *Client) Delete(ctx context.Context, key []byte) (Epoch, error) {
	return c.WriteBatch(ctx, []Entry{DeleteEntry(key)}, DefaultWriteOptions())
}

func (c *Client) abort(ctx context.Context, epochs []Epoch) {
	if err := c.meta.AbortEpochs(context.WithoutCancel(ctx), epochs); err != nil {
		c.opts.Log.Warn("aborting epochs failed, they abort when their lease expires",
			"epochs", epochs, "error", err)
	}
}

// CacheStats returns the block cache statistics
func (c *Client) CacheStats() blockcache.Stats {
	return c.cache.Stats()
}
