package statestore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/tablestore"
)

// Compactor executes compaction tasks handed out by the meta service. Any
// number of compactors may run, the coordinator assigns each task to one of
// them at a time.
type Compactor struct {
	worker *compaction.Worker
	opts   CompactorOptions
	log    *slog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewCompactor(tables *tablestore.Store, mc meta.Client, opts CompactorOptions, log *slog.Logger) *Compactor {
	set.Default(&log, slog.Default())
	set.Default(&opts.PollInterval, time.Second)
	set.Default(&opts.Name, "compactor-"+uuid.NewString())
	log = log.With("worker", opts.Name)
	return &Compactor{
		worker: &compaction.Worker{
			Name:     opts.Name,
			Executor: compaction.NewExecutor(tables, mc, log),
			Source:   mc,
			Log:      log,
		},
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}
}

// Start polls for tasks every PollInterval until Stop is called
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-c.done
			cancel()
		}()

		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			}
			if _, err := c.Drain(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("compaction poll failed", "error", err)
			}
		}
	}()
}

// Drain executes tasks until the coordinator has none left and returns the
// number executed
func (c *Compactor) Drain(ctx context.Context) (int, error) {
	var n int
	for {
		ran, err := c.RunOnce(ctx)
		if err != nil || !ran {
			return n, err
		}
		n++
	}
}

// RunOnce executes at most one task
func (c *Compactor) RunOnce(ctx context.Context) (bool, error) {
	return c.worker.RunOnce(ctx)
}

func (c *Compactor) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}
