package meta

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/epoch"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/internal/types"
)

// TableIDKey is the backend key holding the table id high water mark
const TableIDKey = "meta/table_id"

type Options struct {
	Epoch      epoch.AllocatorOptions `yaml:"epoch"`
	Manifest   manifest.Options       `yaml:"manifest"`
	Compaction compaction.Options     `yaml:"compaction"`

	// RetainEpochs is the number of epochs below the watermark that stay
	// readable without a snapshot pin
	RetainEpochs uint64 `yaml:"retain_epochs"`
	// TableIDBatch is the number of table ids reserved per persisted high
	// water mark
	TableIDBatch uint64 `yaml:"table_id_batch"`
	// TableIDLease is how long an allocated table id may stay unregistered
	// before a table file with that id is considered an orphan
	TableIDLease time.Duration `yaml:"table_id_lease"`
	// ContextLease is how long the pins of a read context survive without a
	// keep alive from the node holding them
	ContextLease time.Duration `yaml:"context_lease"`
	// MaintenanceInterval is how often expired epochs are aborted and
	// unreferenced tables are vacuumed
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	Log *slog.Logger     `yaml:"-"`
	Now func() time.Time `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		Epoch:               epoch.AllocatorOptions{ReserveBatch: 1000, Lease: time.Minute},
		Manifest:            manifest.Options{CheckpointInterval: 16, VacuumDelay: time.Minute},
		Compaction:          compaction.DefaultOptions(),
		RetainEpochs:        1000,
		TableIDBatch:        1000,
		TableIDLease:        10 * time.Minute,
		ContextLease:        time.Minute,
		MaintenanceInterval: 10 * time.Second,
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	set.Default(&o.TableIDBatch, def.TableIDBatch)
	set.Default(&o.TableIDLease, def.TableIDLease)
	set.Default(&o.ContextLease, def.ContextLease)
	set.Default(&o.MaintenanceInterval, def.MaintenanceInterval)
	set.Default(&o.Log, slog.Default())
	if o.Now == nil {
		o.Now = time.Now
	}
	set.Default(&o.Manifest.Log, o.Log)
	set.Default(&o.Compaction.Log, o.Log)
	if o.Manifest.Now == nil {
		o.Manifest.Now = o.Now
	}
	if o.Compaction.Now == nil {
		o.Compaction.Now = o.Now
	}
	if o.Epoch.Now == nil {
		o.Epoch.Now = o.Now
	}
}

// Service implements Client on top of a Backend. A single Service may
// write to a backend at a time.
type Service struct {
	opts        Options
	tables      *tablestore.Store
	manager     *manifest.Manager
	epochs      *epoch.Allocator
	tableIDs    *epoch.Sequence
	coordinator *compaction.Coordinator
	startedAt   time.Time

	leaseMu sync.Mutex
	// leases holds the deadline of allocated but unregistered table ids
	leases map[sstable.ID]time.Time

	contextMu sync.Mutex
	// contexts holds the lease deadline of every context holding pins
	contexts map[string]time.Time

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

var _ Client = (*Service)(nil)

// Open recovers the service state from b. Call Start to run the background
// compaction and maintenance loops.
func Open(ctx context.Context, b backend.Backend, opts Options) (*Service, error) {
	opts.setDefaults()

	tables := tablestore.New(b, tablestore.Options{Log: opts.Log})
	manager, err := manifest.Open(ctx, manifest.NewLog(b), tables, opts.Manifest)
	if err != nil {
		return nil, err
	}
	epochs, err := epoch.NewAllocator(ctx, b, opts.Epoch)
	if err != nil {
		return nil, errors.Wrap(err, "open epoch allocator")
	}

	s := &Service{
		opts:      opts,
		tables:    tables,
		manager:   manager,
		epochs:    epochs,
		tableIDs:  epoch.NewSequence(b, TableIDKey, opts.TableIDBatch),
		startedAt: opts.Now(),
		leases:    make(map[sstable.ID]time.Time),
		contexts:  make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	s.coordinator = compaction.NewCoordinator(manager, s.safeEpoch, opts.Compaction)
	return s, nil
}

// Start runs the compaction coordinator and the maintenance loop
func (s *Service) Start() {
	s.coordinator.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.opts.MaintenanceInterval*6)
				if err := s.Maintain(ctx); err != nil {
					s.opts.Log.Warn("meta maintenance failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Close stops the background loops started by Start
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.coordinator.Stop()
		s.tables.Close()
	})
	return nil
}

// Maintain aborts epochs whose lease expired, advances the watermark over
// them, releases the pins of expired contexts and vacuums unreferenced tables
func (s *Service) Maintain(ctx context.Context) error {
	if expired := s.epochs.Tracker().Expire(); len(expired) > 0 {
		s.opts.Log.Warn("aborted epochs with expired lease", "epochs", expired)
	}
	if expired := s.expireContexts(); len(expired) > 0 {
		s.opts.Log.Warn("released read contexts with expired lease", "contexts", expired)
	}
	if err := s.advanceWatermark(ctx); err != nil {
		return err
	}

	stats, err := s.manager.Vacuum(ctx, s.tableIDExpired)
	if err != nil {
		return errors.Wrap(err, "vacuum")
	}
	if stats.Tables > 0 || stats.Orphans > 0 || stats.LogEntries > 0 {
		s.opts.Log.Info("vacuumed", "tables", stats.Tables, "orphans", stats.Orphans,
			"log_entries", stats.LogEntries, "pending", stats.PendingCount)
	}
	return nil
}

// advanceWatermark commits an empty delta when aborted epochs moved the
// watermark past the watermark of the head
func (s *Service) advanceWatermark(ctx context.Context) error {
	for {
		head := s.manager.Head()
		err := s.epochs.Tracker().Commit(nil, func(watermark types.Epoch) error {
			if watermark <= head.Watermark {
				return nil
			}
			_, err := s.manager.CommitDelta(ctx, &manifest.Delta{BaseVersionID: head.ID, Watermark: watermark})
			return err
		})
		if errors.Is(err, types.ErrConflict) {
			continue
		}
		return err
	}
}

// safeEpoch is the garbage collection floor handed to compactions. It never
// exceeds a pinned snapshot and keeps RetainEpochs epochs readable.
func (s *Service) safeEpoch() types.Epoch {
	head := s.manager.Head()
	var safe types.Epoch
	if head.Watermark > s.opts.RetainEpochs {
		safe = head.Watermark - s.opts.RetainEpochs
	}
	if pinned, ok := s.manager.MinPinnedSnapshot().Get(); ok {
		safe = min(safe, pinned)
	}
	return max(safe, head.SafeEpoch)
}

func (s *Service) tableIDExpired(id sstable.ID) bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	now := s.opts.Now()
	if deadline, ok := s.leases[id]; ok {
		if now.After(deadline) {
			delete(s.leases, id)
			return true
		}
		return false
	}
	// Ids allocated before a restart get a full lease from the restart
	return now.Sub(s.startedAt) > s.opts.TableIDLease
}

// touchContext starts or extends the lease of contextID
func (s *Service) touchContext(contextID string) {
	s.contextMu.Lock()
	s.contexts[contextID] = s.opts.Now().Add(s.opts.ContextLease)
	s.contextMu.Unlock()
}

// expireContexts releases every pin held by contexts whose lease expired
func (s *Service) expireContexts() []string {
	now := s.opts.Now()
	var expired []string
	s.contextMu.Lock()
	defer s.contextMu.Unlock()
	for id, deadline := range s.contexts {
		if now.After(deadline) {
			expired = append(expired, id)
			delete(s.contexts, id)
			s.manager.ReleaseContext(id)
		}
	}
	return expired
}

func (s *Service) releaseLeases(tables []manifest.TableMeta) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	for _, t := range tables {
		delete(s.leases, t.ID)
	}
}

func (s *Service) AllocateEpoch(ctx context.Context) (types.Epoch, error) {
	return s.epochs.Next(ctx)
}

// AbortEpochs resolves epochs without committing them and publishes the
// watermark this lets through, so readers waiting on it are released
func (s *Service) AbortEpochs(ctx context.Context, epochs []types.Epoch) error {
	s.epochs.Tracker().Abort(epochs...)
	s.opts.Log.Debug("aborted epochs", "epochs", epochs)
	if err := s.advanceWatermark(ctx); err != nil {
		s.opts.Log.Warn("advance watermark after abort", "epochs", epochs, "error", err)
	}
	return nil
}

func (s *Service) AllocateTableIDs(ctx context.Context, n int) ([]sstable.ID, error) {
	if n <= 0 {
		return nil, errors.Newf("cannot allocate %d table ids", n)
	}
	first, err := s.tableIDs.NextN(ctx, uint64(n))
	if err != nil {
		return nil, errors.Wrap(err, "allocate table ids")
	}

	deadline := s.opts.Now().Add(s.opts.TableIDLease)
	ids := make([]sstable.ID, n)
	s.leaseMu.Lock()
	for i := range ids {
		ids[i] = first + uint64(i)
		s.leases[ids[i]] = deadline
	}
	s.leaseMu.Unlock()
	return ids, nil
}

// awaitWatermark returns once every epoch <= e is committed or aborted and
// published. Epochs which were never issued fail with ErrEpochNotIssued,
// types.MaxEpoch never waits.
func (s *Service) awaitWatermark(ctx context.Context, e types.Epoch) error {
	if e == types.MaxEpoch || s.manager.Head().Watermark >= e {
		return nil
	}
	tracker := s.epochs.Tracker()
	if last := tracker.LastIssued(); e > last {
		return errors.Wrapf(types.ErrEpochNotIssued, "epoch %d is above the last issued epoch %d", e, last)
	}
	if tracker.Watermark() >= e {
		// Resolved by aborts or expiry which are not published yet
		if err := s.advanceWatermark(ctx); err != nil {
			return errors.Wrap(err, "advance watermark")
		}
	}
	_, err := s.manager.WaitForWatermark(ctx, e)
	return err
}

// GetVersion waits until the watermark reaches e and returns the version
// answering reads at e
func (s *Service) GetVersion(ctx context.Context, e types.Epoch) (*manifest.Version, error) {
	if err := s.awaitWatermark(ctx, e); err != nil {
		return nil, err
	}
	return s.manager.GetVersion(e)
}

// CommitDelta resolves d.CommittedEpochs and commits d with the resulting
// watermark. Nothing is resolved when the commit fails, so the caller may
// retry against the new head.
func (s *Service) CommitDelta(ctx context.Context, d *manifest.Delta) (*manifest.Version, error) {
	for _, t := range d.Added {
		if t.Level != 0 {
			return nil, errors.Wrapf(manifest.ErrInvalidDelta, "table %d must be added to level 0, not %d", t.ID, t.Level)
		}
	}
	if len(d.Removed) > 0 {
		return nil, errors.Wrap(manifest.ErrInvalidDelta, "only compactions remove tables")
	}

	var committed *manifest.Version
	err := s.epochs.Tracker().Commit(d.CommittedEpochs, func(watermark types.Epoch) error {
		d.Watermark = watermark
		v, err := s.manager.CommitDelta(ctx, d)
		committed = v
		return err
	})
	if err != nil {
		return nil, err
	}
	s.releaseLeases(d.Added)
	return committed, nil
}

func (s *Service) PinVersion(ctx context.Context, contextID string, e types.Epoch) (*manifest.Version, error) {
	if err := s.awaitWatermark(ctx, e); err != nil {
		return nil, err
	}
	s.touchContext(contextID)
	return s.manager.PinVersion(contextID, e)
}

func (s *Service) UnpinVersion(_ context.Context, contextID string, versionID uint64) error {
	s.manager.Unpin(contextID, versionID)
	return nil
}

// PinSnapshot keeps compactions from discarding the versions visible at e
// until UnpinSnapshot. It waits for the watermark like GetVersion, epochs
// which are no longer readable fail with ErrEpochTooOld.
func (s *Service) PinSnapshot(ctx context.Context, contextID string, e types.Epoch) error {
	if _, err := s.GetVersion(ctx, e); err != nil {
		return err
	}
	s.touchContext(contextID)
	s.manager.PinSnapshot(contextID, e)
	return nil
}

func (s *Service) UnpinSnapshot(_ context.Context, contextID string) error {
	s.manager.UnpinSnapshot(contextID)
	return nil
}

func (s *Service) ReleaseContext(_ context.Context, contextID string) error {
	s.contextMu.Lock()
	delete(s.contexts, contextID)
	s.contextMu.Unlock()
	s.manager.ReleaseContext(contextID)
	return nil
}

// KeepAlive extends the lease of the live contexts in contextIDs. Contexts
// which are unknown or whose lease already ran out are returned, the pins
// of the latter are released.
func (s *Service) KeepAlive(_ context.Context, contextIDs []string) ([]string, error) {
	now := s.opts.Now()
	var expired []string
	s.contextMu.Lock()
	defer s.contextMu.Unlock()
	for _, id := range contextIDs {
		deadline, ok := s.contexts[id]
		if ok && now.After(deadline) {
			delete(s.contexts, id)
			s.manager.ReleaseContext(id)
			ok = false
		}
		if !ok {
			expired = append(expired, id)
			continue
		}
		s.contexts[id] = now.Add(s.opts.ContextLease)
	}
	return expired, nil
}

func (s *Service) RequestCompactionTask(ctx context.Context, worker string) (compaction.Task, bool, error) {
	task, ok := s.coordinator.RequestTask(ctx, worker).Get()
	return task, ok, nil
}

func (s *Service) ReportCompactionResult(ctx context.Context, report compaction.Report) error {
	if _, err := s.coordinator.ReportResult(ctx, report); err != nil {
		return err
	}
	s.releaseLeases(report.Outputs)
	return nil
}

func (s *Service) TriggerManualCompaction(ctx context.Context, level int, tableIDs []sstable.ID) (compaction.Task, error) {
	return s.coordinator.TriggerManualCompaction(ctx, level, tableIDs)
}

// PollCompactions queues the compactions the head needs without waiting for
// the coordinator's poll interval
func (s *Service) PollCompactions(ctx context.Context) (int, error) {
	return s.coordinator.Poll(ctx)
}

// Head returns the current version
func (s *Service) Head() *manifest.Version {
	return s.manager.Head()
}

// SafeEpoch returns the epoch below which compactions may discard
// superseded versions
func (s *Service) SafeEpoch() types.Epoch {
	return s.safeEpoch()
}

// CompactionStatus returns the queued and running compaction tasks
func (s *Service) CompactionStatus() compaction.Status {
	return s.coordinator.Status()
}
