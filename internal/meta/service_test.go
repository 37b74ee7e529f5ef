package meta_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openService(t *testing.T, b backend.Backend, clock *fakeClock) *meta.Service {
	t.Helper()
	opts := meta.DefaultOptions()
	opts.Now = clock.Now
	opts.Epoch.ReserveBatch = 5
	opts.TableIDBatch = 5
	s, err := meta.Open(context.Background(), b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeTable(t *testing.T, b backend.Backend, id sstable.ID, entries ...types.RowEntry) manifest.TableMeta {
	t.Helper()
	store := tablestore.New(b, tablestore.Options{})
	builder := store.TableBuilder()
	for _, e := range entries {
		require.NoError(t, builder.Add(e))
	}
	table, err := builder.Build()
	require.NoError(t, err)
	h, size, err := store.WriteTable(context.Background(), id, table)
	require.NoError(t, err)
	return manifest.NewTableMeta(h, 0, size)
}

func put(key string, e types.Epoch, value string) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Epoch: e, Value: types.Value{Value: []byte(value)}}
}

func TestAllocateTableIDs(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	clock := &fakeClock{now: time.Unix(1000, 0)}

	s := openService(t, b, clock)
	ids, err := s.AllocateTableIDs(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []sstable.ID{1, 2, 3}, ids)
	ids, err = s.AllocateTableIDs(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []sstable.ID{4, 5, 6, 7}, ids)

	_, err = s.AllocateTableIDs(ctx, 0)
	assert.Error(t, err)

	// Ids are never reissued after a restart
	require.NoError(t, s.Close())
	s = openService(t, b, clock)
	ids, err = s.AllocateTableIDs(ctx, 1)
	require.NoError(t, err)
	assert.Greater(t, ids[0], sstable.ID(7))
}

func TestCommitDeltaAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := openService(t, b, clock)

	e1, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	e2, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	require.Equal(t, e1+1, e2)

	ids, err := s.AllocateTableIDs(ctx, 2)
	require.NoError(t, err)

	// Committing e2 before e1 leaves the watermark below e1
	v, err := s.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID:   s.Head().ID,
		Added:           []manifest.TableMeta{writeTable(t, b, ids[1], put("b", e2, "2"))},
		CommittedEpochs: []types.Epoch{e2},
	})
	require.NoError(t, err)
	assert.Equal(t, e1-1, v.Watermark)

	// A stale base version conflicts and resolves nothing
	table := writeTable(t, b, ids[0], put("a", e1, "1"))
	_, err = s.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID:   v.ID - 1,
		Added:           []manifest.TableMeta{table},
		CommittedEpochs: []types.Epoch{e1},
	})
	assert.True(t, errors.Is(err, types.ErrConflict))

	v, err = s.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID:   v.ID,
		Added:           []manifest.TableMeta{table},
		CommittedEpochs: []types.Epoch{e1},
	})
	require.NoError(t, err)
	assert.Equal(t, e2, v.Watermark)
	assert.Len(t, v.Level(0), 2)

	// An epoch is committed once
	_, err = s.CommitDelta(ctx, &manifest.Delta{BaseVersionID: v.ID, CommittedEpochs: []types.Epoch{e1}})
	assert.True(t, errors.Is(err, types.ErrEpochExpired))

	// Only level 0 tables may be added
	bad := table
	bad.ID, bad.Level = ids[0]+100, 1
	_, err = s.CommitDelta(ctx, &manifest.Delta{BaseVersionID: v.ID, Added: []manifest.TableMeta{bad}})
	assert.True(t, errors.Is(err, manifest.ErrInvalidDelta))
}

func TestExpiredEpochs(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := openService(t, b, clock)

	e1, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	e2, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	require.NoError(t, s.AbortEpochs(ctx, []types.Epoch{e2}))

	clock.Advance(2 * time.Minute)
	_, err = s.CommitDelta(ctx, &manifest.Delta{BaseVersionID: s.Head().ID, CommittedEpochs: []types.Epoch{e1}})
	assert.True(t, errors.Is(err, types.ErrEpochExpired))

	// Maintenance moves the watermark over aborted epochs
	require.NoError(t, s.Maintain(ctx))
	assert.Equal(t, e2, s.Head().Watermark)
}

func TestOrphanTablesAreVacuumed(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := openService(t, b, clock)

	e, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	ids, err := s.AllocateTableIDs(ctx, 2)
	require.NoError(t, err)
	registered := writeTable(t, b, ids[0], put("a", e, "1"))
	writeTable(t, b, ids[1], put("b", e, "2"))

	_, err = s.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID:   s.Head().ID,
		Added:           []manifest.TableMeta{registered},
		CommittedEpochs: []types.Epoch{e},
	})
	require.NoError(t, err)

	store := tablestore.New(b, tablestore.Options{})
	require.NoError(t, s.Maintain(ctx))
	tables, err := store.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, tables)

	clock.Advance(11 * time.Minute)
	require.NoError(t, s.Maintain(ctx))
	tables, err = store.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids[:1], tables)
}

func TestPinSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := openService(t, backend.NewInMemory(), clock)

	err := s.PinSnapshot(ctx, "reader", 5)
	assert.True(t, errors.Is(err, types.ErrEpochNotIssued))

	var epochs []types.Epoch
	for i := 0; i < 5; i++ {
		e, err := s.AllocateEpoch(ctx)
		require.NoError(t, err)
		epochs = append(epochs, e)
	}
	require.NoError(t, s.AbortEpochs(ctx, epochs))
	assert.Equal(t, types.Epoch(5), s.Head().Watermark)

	require.NoError(t, s.PinSnapshot(ctx, "reader", 5))
	v, err := s.PinVersion(ctx, "reader", 5)
	require.NoError(t, err)
	assert.Equal(t, s.Head().ID, v.ID)
	require.NoError(t, s.UnpinVersion(ctx, "reader", v.ID))
	require.NoError(t, s.UnpinSnapshot(ctx, "reader"))
	require.NoError(t, s.ReleaseContext(ctx, "reader"))
}

func TestReadsWaitForWatermark(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := openService(t, b, clock)

	e1, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	e2, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	ids, err := s.AllocateTableIDs(ctx, 2)
	require.NoError(t, err)

	// e2 commits first, e1 is still in flight on another writer
	_, err = s.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID:   s.Head().ID,
		Added:           []manifest.TableMeta{writeTable(t, b, ids[1], put("b", e2, "2"))},
		CommittedEpochs: []types.Epoch{e2},
	})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.GetVersion(short, e2)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	_, err = s.PinVersion(short, "reader", e2)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The latest version never waits
	v, err := s.GetVersion(ctx, types.MaxEpoch)
	require.NoError(t, err)
	assert.Equal(t, e1-1, v.Watermark)

	got := make(chan *manifest.Version, 1)
	go func() {
		v, err := s.GetVersion(ctx, e2)
		assert.NoError(t, err)
		got <- v
	}()

	_, err = s.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID:   s.Head().ID,
		Added:           []manifest.TableMeta{writeTable(t, b, ids[0], put("a", e1, "1"))},
		CommittedEpochs: []types.Epoch{e1},
	})
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, e2, v.Watermark)
		assert.Len(t, v.Level(0), 2)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not released by the commit")
	}

	// Aborting the epoch a reader waits on releases it as well
	e3, err := s.AllocateEpoch(ctx)
	require.NoError(t, err)
	got = make(chan *manifest.Version, 1)
	go func() {
		v, err := s.GetVersion(ctx, e3)
		assert.NoError(t, err)
		got <- v
	}()
	require.NoError(t, s.AbortEpochs(ctx, []types.Epoch{e3}))
	select {
	case v := <-got:
		assert.Equal(t, e3, v.Watermark)
	case <-time.After(5 * time.Second):
		t.Fatal("read was not released by the abort")
	}

	_, err = s.GetVersion(ctx, e3+100)
	assert.True(t, errors.Is(err, types.ErrEpochNotIssued))
}

func TestExpiredContextsLosePins(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	opts := meta.DefaultOptions()
	opts.Now = clock.Now
	opts.RetainEpochs = 1
	opts.ContextLease = time.Minute
	s, err := meta.Open(ctx, backend.NewInMemory(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var epochs []types.Epoch
	for i := 0; i < 5; i++ {
		e, err := s.AllocateEpoch(ctx)
		require.NoError(t, err)
		epochs = append(epochs, e)
	}
	require.NoError(t, s.AbortEpochs(ctx, epochs))
	assert.Equal(t, types.Epoch(4), s.SafeEpoch())

	// "dead" never sends a keep alive after pinning
	require.NoError(t, s.PinSnapshot(ctx, "dead", 2))
	_, err = s.PinVersion(ctx, "dead", 2)
	require.NoError(t, err)
	require.NoError(t, s.PinSnapshot(ctx, "live", 3))
	assert.Equal(t, types.Epoch(2), s.SafeEpoch())

	clock.Advance(40 * time.Second)
	expired, err := s.KeepAlive(ctx, []string{"live"})
	require.NoError(t, err)
	assert.Empty(t, expired)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.Maintain(ctx))
	assert.Equal(t, types.Epoch(3), s.SafeEpoch())

	expired, err = s.KeepAlive(ctx, []string{"dead", "live"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, expired)

	require.NoError(t, s.ReleaseContext(ctx, "live"))
	assert.Equal(t, types.Epoch(4), s.SafeEpoch())
	expired, err = s.KeepAlive(ctx, []string{"live"})
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, expired)
}
