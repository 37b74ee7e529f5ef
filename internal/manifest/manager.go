package manifest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/kapetan-io/tackle/set"
	"github.com/samber/mo"
	"github.com/zhangyunhao116/skipmap"

	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/internal/types"
)

type Options struct {
	// CheckpointInterval is the number of deltas between checkpoints
	CheckpointInterval uint64 `yaml:"checkpoint_interval"`
	// VacuumDelay is how long a table removed from the head is kept after no
	// retained version references it
	VacuumDelay time.Duration `yaml:"vacuum_delay"`

	Log *slog.Logger `yaml:"-"`
	// Now is used in tests to control time
	Now func() time.Time `yaml:"-"`
}

type versionEntry struct {
	version *Version
	// guarded by Manager.mu
	pins int
}

type snapshotPin struct {
	Epoch   types.Epoch
	Context string
}

func lessSnapshot(a, b snapshotPin) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Context < b.Context
}

// Manager owns the current Version. Commits are serialized and published by
// swapping the head pointer, readers load the head without locking. Versions
// other than the head are retained while pinned.
type Manager struct {
	log    *Log
	tables *tablestore.Store
	opts   Options

	head  atomic.Pointer[Version]
	arena *skipmap.OrderedMap[uint64, *versionEntry]

	// changed is closed and replaced each time a new head is published
	notifyMu sync.Mutex
	changed  chan struct{}

	mu           sync.Mutex
	versionPins  map[string]map[uint64]int
	snapshots    *btree.BTreeG[snapshotPin]
	snapshotPins map[string]types.Epoch
	removed      map[sstable.ID]time.Time
}

// Open recovers the head version from the manifest log
func Open(ctx context.Context, log *Log, tables *tablestore.Store, opts Options) (*Manager, error) {
	set.Default(&opts.CheckpointInterval, 16)
	set.Default(&opts.VacuumDelay, time.Minute)
	set.Default(&opts.Log, slog.Default())
	if opts.Now == nil {
		opts.Now = time.Now
	}

	head, err := log.Recover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "recover manifest")
	}

	m := &Manager{
		log:          log,
		tables:       tables,
		opts:         opts,
		arena:        skipmap.New[uint64, *versionEntry](),
		versionPins:  make(map[string]map[uint64]int),
		snapshots:    btree.NewG[snapshotPin](8, lessSnapshot),
		snapshotPins: make(map[string]types.Epoch),
		removed:      make(map[sstable.ID]time.Time),
		changed:      make(chan struct{}),
	}
	m.publish(head)
	opts.Log.Info("manifest recovered", "version", head.ID, "watermark", head.Watermark,
		"safe_epoch", head.SafeEpoch)
	return m, nil
}

// Head returns the current version
func (m *Manager) Head() *Version {
	return m.head.Load()
}

// publish makes v the head. The caller holds mu or has exclusive access.
func (m *Manager) publish(v *Version) {
	prev := m.head.Load()
	m.arena.Store(v.ID, &versionEntry{version: v})
	m.head.Store(v)
	if prev != nil {
		m.release(prev.ID)
	}

	m.notifyMu.Lock()
	close(m.changed)
	m.changed = make(chan struct{})
	m.notifyMu.Unlock()
}

// WaitForWatermark blocks until the head watermark reaches epoch and returns
// that head. It returns the context error if ctx ends first.
func (m *Manager) WaitForWatermark(ctx context.Context, epoch types.Epoch) (*Version, error) {
	for {
		m.notifyMu.Lock()
		changed := m.changed
		m.notifyMu.Unlock()

		if head := m.head.Load(); head.Watermark >= epoch {
			return head, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for watermark to reach epoch %d", epoch)
		case <-changed:
		}
	}
}

// release drops a version from the arena once it is neither pinned nor the
// head, and starts the vacuum delay of the tables only it referenced
func (m *Manager) release(id uint64) {
	e, ok := m.arena.Load(id)
	if !ok || e.pins > 0 || m.head.Load().ID == id {
		return
	}
	m.arena.Delete(id)

	now := m.opts.Now()
	e.version.Tables(func(t TableMeta) bool {
		if !m.referenced(t.ID) {
			if _, ok := m.removed[t.ID]; !ok {
				m.removed[t.ID] = now
			}
		}
		return true
	})
}

func (m *Manager) referenced(id sstable.ID) bool {
	found := false
	m.arena.Range(func(_ uint64, e *versionEntry) bool {
		found = e.version.Contains(id)
		return !found
	})
	return found
}

// CommitDelta applies d to the head if d.BaseVersionID is the head id and
// returns the new head. Otherwise ErrConflict is returned and the caller
// recomputes its delta against the new head.
func (m *Manager) CommitDelta(ctx context.Context, d *Delta) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.head.Load()
	next, err := head.Apply(d)
	if err != nil {
		return nil, err
	}
	d.VersionID = next.ID

	if err := m.log.WriteDelta(ctx, d); err != nil {
		if errors.Is(err, types.ErrConflict) {
			// Another manager appended to the log, catch up before returning
			if refreshErr := m.refresh(ctx); refreshErr != nil {
				m.opts.Log.Warn("refresh after manifest conflict failed", "error", refreshErr)
			}
		}
		return nil, err
	}
	m.publish(next)
	m.opts.Log.Debug("committed version delta", "delta", d.String())

	if next.ID%m.opts.CheckpointInterval == 0 {
		if err := m.log.WriteCheckpoint(ctx, next); err != nil {
			m.opts.Log.Warn("manifest checkpoint failed", "version", next.ID, "error", err)
		}
	}
	return next, nil
}

// Refresh applies deltas appended to the log by other managers
func (m *Manager) Refresh(ctx context.Context) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refresh(ctx); err != nil {
		return nil, err
	}
	return m.head.Load(), nil
}

func (m *Manager) refresh(ctx context.Context) error {
	head := m.head.Load()
	next, err := m.log.Replay(ctx, head)
	if err != nil {
		return err
	}
	if next.ID != head.ID {
		m.publish(next)
	}
	return nil
}

// retained returns the retained versions, newest first
func (m *Manager) retained() []*Version {
	var versions []*Version
	m.arena.Range(func(_ uint64, e *versionEntry) bool {
		versions = append(versions, e.version)
		return true
	})
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	return versions
}

// GetVersion returns the newest retained version able to answer reads at
// epoch. The head answers any epoch at or above its SafeEpoch, an older
// retained version answers epochs between its SafeEpoch and its Watermark.
func (m *Manager) GetVersion(epoch types.Epoch) (*Version, error) {
	head := m.head.Load()
	if head.SafeEpoch <= epoch {
		return head, nil
	}
	for _, v := range m.retained() {
		if v.SafeEpoch <= epoch && (v.ID == head.ID || v.Watermark >= epoch) {
			return v, nil
		}
	}
	return nil, errors.Wrapf(types.ErrEpochTooOld, "epoch %d is below safe epoch %d", epoch, head.SafeEpoch)
}

// PinVersion pins the version returned by GetVersion(epoch) for contextID
// until Unpin is called
func (m *Manager) PinVersion(contextID string, epoch types.Epoch) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.GetVersion(epoch)
	if err != nil {
		return nil, err
	}
	e, ok := m.arena.Load(v.ID)
	if !ok {
		return nil, errors.Wrapf(types.ErrEpochTooOld, "version %d was released", v.ID)
	}
	e.pins++
	pins := m.versionPins[contextID]
	if pins == nil {
		pins = make(map[uint64]int)
		m.versionPins[contextID] = pins
	}
	pins[v.ID]++
	return v, nil
}

// Unpin releases a pin taken by PinVersion
func (m *Manager) Unpin(contextID string, versionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpin(contextID, versionID)
}

func (m *Manager) unpin(contextID string, versionID uint64) {
	pins := m.versionPins[contextID]
	if pins[versionID] == 0 {
		return
	}
	if pins[versionID]--; pins[versionID] == 0 {
		delete(pins, versionID)
	}
	if len(pins) == 0 {
		delete(m.versionPins, contextID)
	}
	if e, ok := m.arena.Load(versionID); ok {
		e.pins--
		m.release(versionID)
	}
}

// PinSnapshot records that contextID reads at epoch. A context holds a
// single snapshot pin, pinning again keeps the smaller epoch.
func (m *Manager) PinSnapshot(contextID string, epoch types.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snapshotPins[contextID]; ok {
		if cur <= epoch {
			return
		}
		m.snapshots.Delete(snapshotPin{Epoch: cur, Context: contextID})
	}
	m.snapshotPins[contextID] = epoch
	m.snapshots.ReplaceOrInsert(snapshotPin{Epoch: epoch, Context: contextID})
}

func (m *Manager) UnpinSnapshot(contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unpinSnapshot(contextID)
}

func (m *Manager) unpinSnapshot(contextID string) {
	if cur, ok := m.snapshotPins[contextID]; ok {
		m.snapshots.Delete(snapshotPin{Epoch: cur, Context: contextID})
		delete(m.snapshotPins, contextID)
	}
}

// MinPinnedSnapshot returns the smallest pinned snapshot epoch
func (m *Manager) MinPinnedSnapshot() mo.Option[types.Epoch] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pin, ok := m.snapshots.Min(); ok {
		return mo.Some(pin.Epoch)
	}
	return mo.None[types.Epoch]()
}

// ReleaseContext drops every version and snapshot pin held by contextID
func (m *Manager) ReleaseContext(contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for versionID, n := range m.versionPins[contextID] {
		for i := 0; i < n; i++ {
			m.unpin(contextID, versionID)
		}
	}
	m.unpinSnapshot(contextID)
}

// RetainedVersions returns the ids of the retained versions, newest first
func (m *Manager) RetainedVersions() []uint64 {
	var ids []uint64
	for _, v := range m.retained() {
		ids = append(ids, v.ID)
	}
	return ids
}

type VacuumStats struct {
	Tables       int
	Orphans      int
	LogEntries   int
	PendingCount int
}

// Vacuum deletes tables removed from every retained version more than
// VacuumDelay ago and truncates the manifest log. Orphaned table files
// which were never registered in a version are deleted when isExpired
// reports their id lease has expired.
func (m *Manager) Vacuum(ctx context.Context, isExpired func(sstable.ID) bool) (VacuumStats, error) {
	var stats VacuumStats
	now := m.opts.Now()

	m.mu.Lock()
	var expired []sstable.ID
	for id, removedAt := range m.removed {
		if now.Sub(removedAt) >= m.opts.VacuumDelay && !m.referenced(id) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.tables.DeleteTable(ctx, id); err != nil {
			return stats, err
		}
		m.mu.Lock()
		delete(m.removed, id)
		m.mu.Unlock()
		stats.Tables++
	}

	if isExpired != nil {
		ids, err := m.tables.ListTables(ctx)
		if err != nil {
			return stats, err
		}
		for _, id := range ids {
			m.mu.Lock()
			_, pending := m.removed[id]
			orphan := !pending && !m.referenced(id) && isExpired(id)
			m.mu.Unlock()
			if !orphan {
				continue
			}
			if err := m.tables.DeleteTable(ctx, id); err != nil {
				return stats, err
			}
			m.opts.Log.Info("deleted orphan table", "table", id)
			stats.Orphans++
		}
	}

	n, err := m.log.Truncate(ctx)
	if err != nil {
		return stats, err
	}
	stats.LogEntries = n

	m.mu.Lock()
	stats.PendingCount = len(m.removed)
	m.mu.Unlock()
	return stats, nil
}
