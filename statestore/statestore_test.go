package statestore_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/epoch"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/statestore"
)

type harness struct {
	backend backend.Backend
	meta    *meta.Service
	client  *statestore.Client
}

// newHarness opens a meta service and a client on b. The first epoch issued
// is 10.
func newHarness(t *testing.T, b backend.Backend, retainEpochs uint64) *harness {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, epoch.Key, epoch.EncodeHighWaterMark(9)))

	opts := meta.DefaultOptions()
	opts.Epoch.ReserveBatch = 1
	opts.RetainEpochs = retainEpochs
	svc, err := meta.Open(ctx, b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	copts := statestore.DefaultOptions()
	copts.Table.BlockSize = 64
	copts.FlushInterval = 10 * time.Millisecond
	client, err := statestore.Open(ctx, b, svc, copts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &harness{backend: b, meta: svc, client: client}
}

func (h *harness) get(t *testing.T, key string, e statestore.Epoch) string {
	t.Helper()
	v, err := h.client.Get(context.Background(), []byte(key), e)
	if errors.Is(err, statestore.ErrKeyNotFound) {
		return "<absent>"
	}
	require.NoError(t, err)
	return string(v)
}

func (h *harness) scan(t *testing.T, rng statestore.KeyRange, e statestore.Epoch) []string {
	t.Helper()
	ctx := context.Background()
	s, err := h.client.Scan(ctx, rng, e, statestore.ScanOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close(ctx)) }()
	return drain(t, s)
}

func drain(t *testing.T, s *statestore.Scanner) []string {
	t.Helper()
	var out []string
	for {
		kv, ok := s.Next(context.Background())
		if !ok {
			break
		}
		out = append(out, fmt.Sprintf("%s:%s", kv.Key, kv.Value))
	}
	require.NoError(t, s.Err())
	return out
}

func TestVersionedReadsAcrossEpochs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	e, err := h.client.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("a"), []byte("1")),
		statestore.PutEntry([]byte("b"), []byte("2")),
	}, statestore.DefaultWriteOptions())
	require.NoError(t, err)
	assert.Equal(t, statestore.Epoch(10), e)

	e, err = h.client.Put(ctx, []byte("a"), []byte("3"))
	require.NoError(t, err)
	assert.Equal(t, statestore.Epoch(11), e)

	assert.Equal(t, "1", h.get(t, "a", 10))
	assert.Equal(t, "3", h.get(t, "a", 11))
	assert.Equal(t, "2", h.get(t, "b", 11))
	assert.Equal(t, "<absent>", h.get(t, "a", 9))
	assert.Equal(t, []string{"a:1", "b:2"}, h.scan(t, statestore.KeyRange{}, 10))
	assert.Equal(t, []string{"a:3", "b:2"}, h.scan(t, statestore.KeyRange{}, 11))

	e, err = h.client.Delete(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, statestore.Epoch(12), e)

	assert.Equal(t, "<absent>", h.get(t, "a", 12))
	assert.Equal(t, "3", h.get(t, "a", 11))
	assert.Equal(t, []string{"b:2"}, h.scan(t, statestore.KeyRange{}, 12))
	assert.Equal(t, []string{"a:3", "b:2"}, h.scan(t, statestore.KeyRange{}, 11))
}

func TestReadsFlushBufferedWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	e1, err := h.client.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("k"), []byte("old")),
	}, statestore.WriteOptions{})
	require.NoError(t, err)
	e2, err := h.client.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("k"), []byte("x")),
		statestore.DeleteEntry([]byte("k")),
	}, statestore.WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, "old", h.get(t, "k", e1))
	assert.Equal(t, "<absent>", h.get(t, "k", e2))

	require.NoError(t, h.client.Flush(ctx))
	assert.Equal(t, "old", h.get(t, "k", e1))
	assert.Equal(t, "<absent>", h.get(t, "k", statestore.MaxEpoch))
}

func TestReadWaitsForEarlierEpochOfAnotherNode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	copts := statestore.DefaultOptions()
	copts.FlushInterval = time.Hour
	nodeA, err := statestore.Open(ctx, h.backend, h.meta, copts)
	require.NoError(t, err)
	defer func() { _ = nodeA.Close(ctx) }()

	// nodeA holds epoch 10 in its buffer while the harness client commits 11
	e1, err := nodeA.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("k"), []byte("A")),
	}, statestore.WriteOptions{})
	require.NoError(t, err)
	e2, err := h.client.Put(ctx, []byte("other"), []byte("B"))
	require.NoError(t, err)
	require.Greater(t, e2, e1)
	assert.Less(t, h.meta.Head().Watermark, e1)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.client.Get(short, []byte("k"), e2)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The watermark read sees neither batch
	assert.Equal(t, "<absent>", h.get(t, "k", statestore.MaxEpoch))
	assert.Equal(t, "<absent>", h.get(t, "other", statestore.MaxEpoch))

	type result struct {
		value []byte
		err   error
	}
	got := make(chan result, 1)
	go func() {
		v, err := h.client.Get(ctx, []byte("k"), e2)
		got <- result{value: v, err: err}
	}()
	require.NoError(t, nodeA.Flush(ctx))

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, "A", string(r.value))
	case <-time.After(5 * time.Second):
		t.Fatal("read at the later epoch never completed")
	}
	assert.Equal(t, "B", h.get(t, "other", e2))
	assert.Equal(t, []string{"k:A", "other:B"}, h.scan(t, statestore.KeyRange{}, statestore.MaxEpoch))
	assert.Equal(t, []string{"k:A"}, h.scan(t, statestore.KeyRange{}, e1))

	_, err = h.client.Get(ctx, []byte("k"), e2+1000)
	assert.True(t, errors.Is(err, statestore.ErrEpochNotIssued))
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	want := make(map[string]string)
	var entries []statestore.Entry
	for i := 0; i < 200; i++ {
		k, v := fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%d", i*i)
		want[k] = v
		entries = append(entries, statestore.PutEntry([]byte(k), []byte(v)))
	}
	e, err := h.client.WriteBatch(ctx, entries, statestore.DefaultWriteOptions())
	require.NoError(t, err)

	for k, v := range want {
		assert.Equal(t, v, h.get(t, k, e))
	}
	got := h.scan(t, statestore.KeyRange{Start: []byte("key-050"), End: []byte("key-060")}, e)
	require.Len(t, got, 10)
	assert.Equal(t, "key-050:value-2500", got[0])
	assert.Equal(t, "key-059:value-3481", got[9])

	got = h.scan(t, statestore.KeyRange{Start: []byte("key-198"), End: []byte("key-199"), EndInclusive: true}, e)
	assert.Equal(t, []string{"key-198:value-39204", "key-199:value-39601"}, got)
}

func TestScanCursorResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	var entries []statestore.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries, statestore.PutEntry([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	e, err := h.client.WriteBatch(ctx, entries, statestore.DefaultWriteOptions())
	require.NoError(t, err)

	s, err := h.client.Scan(ctx, statestore.KeyRange{}, e, statestore.ScanOptions{})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, ok := s.Next(ctx)
		require.True(t, ok)
	}
	cursor := s.Cursor()
	assert.Equal(t, []byte("k3"), cursor)
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	_, ok := s.Next(ctx)
	assert.False(t, ok)

	s, err = h.client.Scan(ctx, statestore.KeyRange{}, e, statestore.ScanOptions{After: cursor})
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()
	assert.Equal(t, []string{"k4:v", "k5:v", "k6:v", "k7:v", "k8:v", "k9:v"}, drain(t, s))
}

func TestScanIsolatedFromLaterWritesAndCompaction(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()
	h := newHarness(t, b, 1)

	_, err := h.client.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("a"), []byte("1")),
		statestore.PutEntry([]byte("b"), []byte("2")),
	}, statestore.DefaultWriteOptions())
	require.NoError(t, err)

	s, err := h.client.Scan(ctx, statestore.KeyRange{}, 10, statestore.ScanOptions{})
	require.NoError(t, err)
	defer func() { _ = s.Close(ctx) }()

	_, err = h.client.Put(ctx, []byte("a"), []byte("3"))
	require.NoError(t, err)
	_, err = h.client.Delete(ctx, []byte("b"))
	require.NoError(t, err)
	_, err = h.client.Put(ctx, []byte("c"), []byte("4"))
	require.NoError(t, err)

	_, err = h.meta.TriggerManualCompaction(ctx, 0, nil)
	require.NoError(t, err)
	compactor := statestore.NewCompactor(tablestore.New(b, tablestore.Options{}), h.meta, statestore.CompactorOptions{}, nil)
	n, err := compactor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	head := h.meta.Head()
	assert.Empty(t, head.Level(0))
	assert.NotEmpty(t, head.Level(1))
	require.NoError(t, h.meta.Maintain(ctx))

	assert.Equal(t, []string{"a:1", "b:2"}, drain(t, s))
	assert.Equal(t, "1", h.get(t, "a", 10))
	assert.Equal(t, []string{"a:3", "c:4"}, h.scan(t, statestore.KeyRange{}, statestore.MaxEpoch))
}

func TestScannerLeases(t *testing.T) {
	ctx := context.Background()
	b := backend.NewInMemory()

	opts := meta.DefaultOptions()
	opts.ContextLease = 100 * time.Millisecond
	svc, err := meta.Open(ctx, b, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	open := func(heartbeat time.Duration) *statestore.Client {
		copts := statestore.DefaultOptions()
		copts.FlushInterval = 10 * time.Millisecond
		copts.HeartbeatInterval = heartbeat
		c, err := statestore.Open(ctx, b, svc, copts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close(context.Background()) })
		return c
	}
	alive := open(10 * time.Millisecond)
	stalled := open(300 * time.Millisecond)

	e, err := alive.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("a"), []byte("1")),
		statestore.PutEntry([]byte("b"), []byte("2")),
	}, statestore.DefaultWriteOptions())
	require.NoError(t, err)

	kept, err := alive.Scan(ctx, statestore.KeyRange{}, e, statestore.ScanOptions{})
	require.NoError(t, err)
	defer func() { _ = kept.Close(ctx) }()
	lost, err := stalled.Scan(ctx, statestore.KeyRange{}, e, statestore.ScanOptions{})
	require.NoError(t, err)
	defer func() { _ = lost.Close(ctx) }()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, svc.Maintain(ctx))

	// The stalled client learns on its next heartbeat that the pins are gone
	assert.Eventually(t, func() bool {
		_, ok := lost.Next(ctx)
		return !ok && errors.Is(lost.Err(), statestore.ErrContextExpired)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"a:1", "b:2"}, drain(t, kept))
}

func TestFailedFlushIsNeverVisible(t *testing.T) {
	ctx := context.Background()
	b := backend.NewFaulty(backend.NewInMemory())
	h := newHarness(t, b, 1000)

	b.Inject(backend.Fault{Op: "put_if_not_exists", Prefix: "sst/"})
	_, err := h.client.Put(ctx, []byte("lost"), []byte("v"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, statestore.ErrDurabilityFailure))
	assert.Equal(t, "<absent>", h.get(t, "lost", statestore.MaxEpoch))

	b.Clear()
	e, err := h.client.Put(ctx, []byte("kept"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, "v", h.get(t, "kept", e))
	assert.Equal(t, "<absent>", h.get(t, "lost", e))
	assert.GreaterOrEqual(t, h.meta.Head().Watermark, e)
}

func TestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	const writers, writes = 4, 25
	epochs := make([][]statestore.Epoch, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writes; i++ {
				e, err := h.client.Put(ctx, []byte(fmt.Sprintf("w%d", w)), []byte(fmt.Sprint(i)))
				if !assert.NoError(t, err) {
					return
				}
				epochs[w] = append(epochs[w], e)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[statestore.Epoch]bool)
	for w := 0; w < writers; w++ {
		require.Len(t, epochs[w], writes)
		for i, e := range epochs[w] {
			assert.False(t, seen[e], "epoch %d issued twice", e)
			seen[e] = true
			assert.Equal(t, fmt.Sprint(i), h.get(t, fmt.Sprintf("w%d", w), e))
		}
	}
}

func TestClosedClient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewInMemory(), 1000)

	_, err := h.client.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("k"), []byte("v")),
	}, statestore.WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, h.client.Close(ctx))
	require.NoError(t, h.client.Close(ctx))

	_, err = h.client.Get(ctx, []byte("k"), statestore.MaxEpoch)
	assert.True(t, errors.Is(err, statestore.ErrClosed))
	_, err = h.client.Put(ctx, []byte("k"), []byte("v"))
	assert.True(t, errors.Is(err, statestore.ErrClosed))

	// Close flushed the buffered batch
	copts := statestore.DefaultOptions()
	reopened, err := statestore.Open(ctx, h.backend, h.meta, copts)
	require.NoError(t, err)
	defer func() { _ = reopened.Close(ctx) }()
	v, err := reopened.Get(ctx, []byte("k"), statestore.MaxEpoch)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := statestore.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, statestore.DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "statestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: leveldb:///var/lib/statestore
log:
  level: debug
  json: true
meta:
  remote: http://meta:7070
  service:
    retain_epochs: 50
client:
  flush_interval: 250ms
  compactor:
    enabled: true
`), 0o600))

	cfg, err = statestore.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "leveldb:///var/lib/statestore", cfg.Backend)
	assert.Equal(t, "http://meta:7070", cfg.Meta.Remote)
	assert.Equal(t, uint64(50), cfg.Meta.Service.RetainEpochs)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.FlushInterval)
	assert.True(t, cfg.Client.Compactor.Enabled)
	// Fields absent from the file keep their defaults
	assert.Equal(t, statestore.DefaultOptions().FlushTimeout, cfg.Client.FlushTimeout)

	log, err := cfg.Log.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = statestore.LogConfig{Level: "loud"}.Logger()
	assert.Error(t, err)
}
