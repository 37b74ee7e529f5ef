package rpc_test

import (
	"context"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/compaction"
	"github.com/tidewave/statestore/internal/epoch"
	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/meta/rpc"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

func newClient(t *testing.T) (*rpc.Client, *meta.Service) {
	t.Helper()
	svc, err := meta.Open(context.Background(), backend.NewInMemory(), meta.Options{})
	require.NoError(t, err)
	srv := httptest.NewServer(rpc.NewServer(svc, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})
	return rpc.NewClient(srv.URL, srv.Client()), svc
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, svc := newClient(t)

	e, err := c.AllocateEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Epoch(1), e)

	ids, err := c.AllocateTableIDs(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []sstable.ID{1, 2}, ids)

	v, err := c.CommitDelta(ctx, &manifest.Delta{
		BaseVersionID: 0,
		Added: []manifest.TableMeta{{
			ID: ids[0], Size: 10, FirstKey: []byte("a"), LastKey: []byte("z"),
			MinEpoch: e, MaxEpoch: e, EntryCount: 3,
		}},
		CommittedEpochs: []types.Epoch{e},
	})
	require.NoError(t, err)
	assert.Equal(t, svc.Head().ID, v.ID)
	assert.Equal(t, e, v.Watermark)
	require.Len(t, v.Level(0), 1)
	assert.Equal(t, "z", string(v.Level(0)[0].LastKey))

	got, err := c.GetVersion(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)

	pinned, err := c.PinVersion(ctx, "ctx-1", e)
	require.NoError(t, err)
	assert.Equal(t, v.ID, pinned.ID)
	require.NoError(t, c.PinSnapshot(ctx, "ctx-1", e))
	expired, err := c.KeepAlive(ctx, []string{"ctx-1", "gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, expired)
	require.NoError(t, c.UnpinSnapshot(ctx, "ctx-1"))
	require.NoError(t, c.UnpinVersion(ctx, "ctx-1", pinned.ID))
	require.NoError(t, c.ReleaseContext(ctx, "ctx-1"))

	_, ok, err := c.RequestCompactionTask(ctx, "worker")
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := c.TriggerManualCompaction(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []sstable.ID{ids[0]}, task.InputIDs())

	assigned, ok, err := c.RequestCompactionTask(ctx, "worker")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, assigned.ID)
	assert.Equal(t, 1, assigned.Attempt)
	require.NoError(t, c.ReportCompactionResult(ctx, compactionFailure(assigned.ID, assigned.Attempt)))
}

func TestErrorsSurviveTransport(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	e, err := c.AllocateEpoch(ctx)
	require.NoError(t, err)

	_, err = c.CommitDelta(ctx, &manifest.Delta{BaseVersionID: 7, CommittedEpochs: []types.Epoch{e}})
	assert.True(t, errors.Is(err, types.ErrConflict), "got %v", err)

	require.NoError(t, c.AbortEpochs(ctx, []types.Epoch{e}))
	_, err = c.CommitDelta(ctx, &manifest.Delta{BaseVersionID: 0, CommittedEpochs: []types.Epoch{e}})
	assert.True(t, errors.Is(err, types.ErrEpochExpired), "got %v", err)

	err = c.ReportCompactionResult(ctx, compactionFailure([16]byte{1}, 1))
	assert.True(t, errors.Is(err, types.ErrStaleTask), "got %v", err)

	_, err = c.GetVersion(ctx, e+10)
	assert.True(t, errors.Is(err, types.ErrEpochNotIssued), "got %v", err)

	// A read above the watermark waits for the outstanding epoch
	pending, err := c.AllocateEpoch(ctx)
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.PinVersion(short, "reader", pending)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rpc.NewClient(url, nil).AllocateEpoch(ctx)
	assert.True(t, errors.Is(err, types.ErrBackendUnavailable), "got %v", err)
}

func compactionFailure(id [16]byte, attempt int) compaction.Report {
	return compaction.Report{TaskID: ulid.ULID(id), Attempt: attempt, Worker: "worker", Error: "boom"}
}

func TestConcurrentEpochAllocationAcrossNodes(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	const prior = 500
	require.NoError(t, b.Put(ctx, epoch.Key, epoch.EncodeHighWaterMark(prior)))

	svc, err := meta.Open(ctx, b, meta.Options{Epoch: epoch.AllocatorOptions{ReserveBatch: 100}})
	require.NoError(t, err)
	srv := httptest.NewServer(rpc.NewServer(svc, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})

	const nodes, perNode = 2, 1000
	results := make([][]types.Epoch, nodes)
	var wg sync.WaitGroup
	for n := 0; n < nodes; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			client := rpc.NewClient(srv.URL, srv.Client())
			for i := 0; i < perNode; i++ {
				e, err := client.AllocateEpoch(ctx)
				if !assert.NoError(t, err) {
					return
				}
				results[n] = append(results[n], e)
			}
		}(n)
	}
	wg.Wait()

	all := append(results[0], results[1]...)
	slices.Sort(all)
	require.Len(t, all, nodes*perNode)
	for i, e := range all {
		assert.Equal(t, types.Epoch(prior+1+i), e)
	}
}
