package statestore

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kapetan-io/tackle/set"

	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

// Epoch is the logical timestamp assigned to every write batch
type Epoch = types.Epoch

// MaxEpoch reads at the current watermark, the newest epoch below which
// every batch is committed or aborted
const MaxEpoch = types.MaxEpoch

// KeyRange bounds a scan. Start is inclusive, End is exclusive unless
// EndInclusive is set. Nil bounds are unbounded.
type KeyRange = types.KeyRange

type KeyValue struct {
	Key   []byte
	Value []byte
}

// Entry is one write of a batch. A Tombstone entry deletes Key.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

func PutEntry(key, value []byte) Entry {
	return Entry{Key: key, Value: value}
}

func DeleteEntry(key []byte) Entry {
	return Entry{Key: key, Tombstone: true}
}

type WriteOptions struct {
	// AwaitDurable waits until the batch is flushed to a table file and
	// committed to a version
	AwaitDurable bool
}

func DefaultWriteOptions() WriteOptions {
	return WriteOptions{AwaitDurable: true}
}

type ScanOptions struct {
	// After resumes a scan after this key, usually the Cursor of an earlier
	// Scanner
	After []byte
}

type CompactorOptions struct {
	// Enabled runs a compaction worker in the client
	Enabled bool `yaml:"enabled"`
	// Name identifies the worker to the compaction coordinator
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Options struct {
	Table sstable.Config `yaml:"table"`
	// CacheSizeBytes bounds the block cache
	CacheSizeBytes int `yaml:"cache_size_bytes"`
	// BlocksPerFetch is the number of blocks read per range request by scans
	BlocksPerFetch int `yaml:"blocks_per_fetch"`
	// FlushThresholdBytes is the write buffer size which triggers a flush
	FlushThresholdBytes int64 `yaml:"flush_threshold_bytes"`
	// FlushInterval is how often the write buffer is flushed
	FlushInterval time.Duration `yaml:"flush_interval"`
	// FlushTimeout bounds the upload and commit of one write buffer
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// HeartbeatInterval is how often the leases of open scanners are
	// extended, it must be shorter than the meta service context lease
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
	Compactor         CompactorOptions `yaml:"compactor"`

	Log *slog.Logger `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		Table:               sstable.DefaultConfig(),
		CacheSizeBytes:      64 << 20,
		BlocksPerFetch:      4,
		FlushThresholdBytes: 4 << 20,
		FlushInterval:       100 * time.Millisecond,
		FlushTimeout:        30 * time.Second,
		HeartbeatInterval:   20 * time.Second,
		Compactor: CompactorOptions{
			PollInterval: time.Second,
		},
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	if o.Table == (sstable.Config{}) {
		o.Table = def.Table
	}
	set.Default(&o.CacheSizeBytes, def.CacheSizeBytes)
	set.Default(&o.BlocksPerFetch, def.BlocksPerFetch)
	set.Default(&o.FlushThresholdBytes, def.FlushThresholdBytes)
	set.Default(&o.FlushInterval, def.FlushInterval)
	set.Default(&o.FlushTimeout, def.FlushTimeout)
	set.Default(&o.HeartbeatInterval, def.HeartbeatInterval)
	set.Default(&o.Compactor.PollInterval, def.Compactor.PollInterval)
	set.Default(&o.Compactor.Name, "compactor-"+uuid.NewString())
	set.Default(&o.Log, slog.Default())
}
