package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gammazero/deque"
	"github.com/oklog/ulid/v2"
	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

// SafeEpochFunc returns the epoch below which versions may be discarded
type SafeEpochFunc func() types.Epoch

// Coordinator selects compactions from the head version, assigns them to
// workers and commits their results. Tables owned by a queued or running
// task are never selected twice.
type Coordinator struct {
	manager   *manifest.Manager
	selector  Selector
	safeEpoch SafeEpochFunc
	opts      Options

	mu      sync.Mutex
	pending *deque.Deque[*Task]
	running map[ulid.ULID]*Task
	owned   map[sstable.ID]ulid.ULID

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

func NewCoordinator(m *manifest.Manager, safeEpoch SafeEpochFunc, opts Options) *Coordinator {
	opts.setDefaults()
	return &Coordinator{
		manager:   m,
		selector:  NewSelector(opts),
		safeEpoch: safeEpoch,
		opts:      opts,
		pending:   deque.New[*Task](0),
		running:   make(map[ulid.ULID]*Task),
		owned:     make(map[sstable.ID]ulid.ULID),
		done:      make(chan struct{}),
	}
}

// Start polls the head version every PollInterval until Stop is called
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.PollInterval*10)
				if _, err := c.Poll(ctx); err != nil {
					c.opts.Log.Warn("compaction poll failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Coordinator) isOwned(id sstable.ID) bool {
	_, ok := c.owned[id]
	return ok
}

// Poll reassigns expired tasks and queues every compaction the selector
// picks from the head. It returns the number of new tasks.
func (c *Coordinator) Poll(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	var queued int
	for {
		head := c.manager.Head()
		pick, ok := c.selector.Pick(head, c.isOwned).Get()
		if !ok {
			return queued, nil
		}

		if moved, err := c.trivialMoveLocked(ctx, head, pick); err != nil {
			return queued, err
		} else if moved {
			continue
		}
		c.enqueueLocked(head, pick)
		queued++
	}
}

// trivialMoveLocked moves a single table into the next level without
// rewriting it when nothing in the target level overlaps it
func (c *Coordinator) trivialMoveLocked(ctx context.Context, head *manifest.Version, pick Pick) (bool, error) {
	if len(pick.Inputs) != 1 || pick.Inputs[0].Level == 0 {
		return false, nil
	}
	moved := pick.Inputs[0]
	moved.Level = pick.TargetLevel
	_, err := c.manager.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID: head.ID,
		Added:         []manifest.TableMeta{moved},
		Removed:       []sstable.ID{moved.ID},
	})
	if errors.Is(err, types.ErrConflict) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	c.opts.Log.Info("moved table to next level", "table", moved.ID, "level", moved.Level)
	return true, nil
}

func (c *Coordinator) enqueueLocked(head *manifest.Version, pick Pick) *Task {
	task := &Task{
		ID:             ulid.Make(),
		Inputs:         pick.Inputs,
		TargetLevel:    pick.TargetLevel,
		SafeEpoch:      min(c.safeEpoch(), head.Watermark),
		DropTombstones: canDropTombstones(head, pick.Inputs),
		TargetFileSize: c.opts.TargetFileSize,
	}
	for _, id := range task.InputIDs() {
		c.owned[id] = task.ID
	}
	c.pending.PushBack(task)
	c.opts.Log.Info("queued compaction", "task", task.String())
	return task
}

// TriggerManualCompaction queues a task merging tableIDs of level with the
// overlapping tables of the next level
func (c *Coordinator) TriggerManualCompaction(_ context.Context, level int, tableIDs []sstable.ID) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head := c.manager.Head()
	if level < 0 || level >= c.opts.MaxLevels-1 {
		return Task{}, errors.Newf("cannot compact level %d", level)
	}
	var inputs []manifest.TableMeta
	for _, id := range tableIDs {
		t, ok := head.Table(id)
		if !ok || t.Level != level {
			return Task{}, errors.Newf("table %d is not in level %d of version %d", id, level, head.ID)
		}
		inputs = append(inputs, t)
	}
	if len(inputs) == 0 {
		inputs = head.Level(level)
	}
	if len(inputs) == 0 {
		return Task{}, errors.Newf("level %d is empty", level)
	}

	inputs = append(inputs, head.Overlapping(level+1, inputRange(inputs))...)
	for _, t := range inputs {
		if c.isOwned(t.ID) {
			return Task{}, errors.Wrapf(types.ErrDuplicateTask, "table %d is owned by task %s", t.ID, c.owned[t.ID])
		}
	}
	return *c.enqueueLocked(head, Pick{Inputs: inputs, TargetLevel: level + 1}), nil
}

// RequestTask assigns the oldest queued task to worker
func (c *Coordinator) RequestTask(_ context.Context, worker string) mo.Option[Task] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()

	if c.pending.Len() == 0 {
		return mo.None[Task]()
	}
	task := c.pending.PopFront()
	task.Attempt++
	task.Worker = worker
	task.Deadline = c.opts.Now().Add(c.opts.TaskTimeout)
	c.running[task.ID] = task
	c.opts.Log.Info("assigned compaction", "task", task.String(), "worker", worker)
	return mo.Some(*task)
}

// expireLocked requeues running tasks whose deadline passed
func (c *Coordinator) expireLocked() {
	now := c.opts.Now()
	for id, task := range c.running {
		if now.After(task.Deadline) {
			delete(c.running, id)
			c.opts.Log.Warn("compaction attempt timed out", "task", task.String(), "worker", task.Worker)
			c.retryLocked(task)
		}
	}
}

// retryLocked requeues a failed task or abandons it after MaxTaskAttempts
func (c *Coordinator) retryLocked(task *Task) {
	if task.Attempt >= c.opts.MaxTaskAttempts {
		c.opts.Log.Error("abandoning compaction after too many attempts", "task", task.String())
		c.releaseLocked(task)
		return
	}
	task.Worker = ""
	c.pending.PushBack(task)
}

func (c *Coordinator) releaseLocked(task *Task) {
	for _, id := range task.InputIDs() {
		if c.owned[id] == task.ID {
			delete(c.owned, id)
		}
	}
}

// ReportResult records the outcome of a task attempt. Reports for attempts
// which are no longer running fail with ErrStaleTask. A successful result is
// committed as a delta replacing the inputs with the outputs, or discarded
// with ErrDuplicateTask when the inputs are no longer in the head.
func (c *Coordinator) ReportResult(ctx context.Context, report Report) (*manifest.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.running[report.TaskID]
	if !ok || task.Attempt != report.Attempt {
		return nil, errors.Wrapf(types.ErrStaleTask, "task %s attempt %d", report.TaskID, report.Attempt)
	}
	delete(c.running, task.ID)

	if report.Error != "" {
		c.opts.Log.Warn("compaction attempt failed", "task", task.String(), "worker", report.Worker,
			"error", report.Error)
		c.retryLocked(task)
		return nil, nil
	}
	defer c.releaseLocked(task)

	for _, out := range report.Outputs {
		if out.Level != task.TargetLevel {
			return nil, errors.Newf("output table %d has level %d, expected %d", out.ID, out.Level, task.TargetLevel)
		}
	}

	for {
		head := c.manager.Head()
		for _, id := range task.InputIDs() {
			if !head.Contains(id) {
				c.opts.Log.Warn("discarding compaction result, input no longer exists",
					"task", task.String(), "table", id)
				return nil, errors.Wrapf(types.ErrDuplicateTask, "input table %d of task %s", id, task.ID)
			}
		}

		v, err := c.manager.CommitDelta(ctx, &manifest.Delta{
			BaseVersionID: head.ID,
			Added:         report.Outputs,
			Removed:       task.InputIDs(),
			SafeEpoch:     task.SafeEpoch,
		})
		if errors.Is(err, types.ErrConflict) {
			c.opts.Log.Debug("conflicting version commit, retrying", "task", task.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		c.opts.Log.Info("finished compaction", "task", task.String(), "outputs", len(report.Outputs),
			"version", v.ID)
		return v, nil
	}
}

// Status is a snapshot of the coordinator's tasks
type Status struct {
	Pending []Task
	Running []Task
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Status
	for i := 0; i < c.pending.Len(); i++ {
		s.Pending = append(s.Pending, *c.pending.At(i))
	}
	for _, t := range c.running {
		s.Running = append(s.Running, *t)
	}
	return s
}
