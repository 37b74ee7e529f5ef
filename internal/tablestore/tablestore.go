// Package tablestore reads and writes table files through a Backend and
// caches their footers, filters, indexes and blocks.
package tablestore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kapetan-io/tackle/set"
	"github.com/maypok86/otter"
	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/blockcache"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/sstable/block"
	"github.com/tidewave/statestore/internal/sstable/bloom"
	"github.com/tidewave/statestore/internal/types"
)

const (
	tablePrefix = "sst/"
	tableSuffix = ".sst"
)

// Path returns the backend key of a table file
func Path(id sstable.ID) string {
	return fmt.Sprintf("%s%020d%s", tablePrefix, id, tableSuffix)
}

// ParsePath returns the table id of a backend key created by Path
func ParsePath(key string) (sstable.ID, bool) {
	if !strings.HasPrefix(key, tablePrefix) || !strings.HasSuffix(key, tableSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(key, tablePrefix), tableSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type Options struct {
	Table sstable.Config
	// Cache is shared by every Store of a process, nil disables block caching
	Cache *blockcache.Cache
	// BlocksPerFetch is the number of blocks fetched per range read when
	// iterating a table
	BlocksPerFetch int
	Log            *slog.Logger
}

// Store is safe for concurrent use
type Store struct {
	backend     backend.Backend
	opts        Options
	handles     otter.Cache[sstable.ID, *sstable.Handle]
	filterCache otter.Cache[sstable.ID, mo.Option[bloom.Filter]]
}

func New(b backend.Backend, opts Options) *Store {
	set.Default(&opts.Log, slog.Default())
	set.Default(&opts.BlocksPerFetch, 4)
	if opts.Table == (sstable.Config{}) {
		opts.Table = sstable.DefaultConfig()
	}

	handles, err := otter.MustBuilder[sstable.ID, *sstable.Handle](10_000).Build()
	assert.NoError(err, "building handle cache")
	filters, err := otter.MustBuilder[sstable.ID, mo.Option[bloom.Filter]](1000).Build()
	assert.NoError(err, "building filter cache")

	return &Store{
		backend:     b,
		opts:        opts,
		handles:     handles,
		filterCache: filters,
	}
}

func (s *Store) TableBuilder() *sstable.Builder {
	return sstable.NewBuilder(s.opts.Table)
}

// WriteTable uploads an encoded table under id. Ids are never reused so the
// object is written with PutIfNotExists.
func (s *Store) WriteTable(ctx context.Context, id sstable.ID, table *sstable.Table) (*sstable.Handle, uint64, error) {
	data := table.Bytes()
	if err := s.backend.PutIfNotExists(ctx, Path(id), data); err != nil {
		return nil, 0, errors.Wrapf(err, "write table %d", id)
	}

	h := sstable.NewHandle(id, table.Info)
	s.handles.Set(id, h)
	s.filterCache.Set(id, table.Bloom)
	return h, uint64(len(data)), nil
}

// OpenTable returns the handle of table id by reading its footer. Size is
// the size of the table file, or zero when it is not known.
func (s *Store) OpenTable(ctx context.Context, id sstable.ID, size uint64) (*sstable.Handle, error) {
	if h, ok := s.handles.Get(id); ok {
		return h, nil
	}

	info, err := sstable.ReadInfo(ctx, s.blob(id, size))
	if err != nil {
		return nil, errors.Wrapf(err, "open table %d", id)
	}
	h := sstable.NewHandle(id, info)
	s.handles.Set(id, h)
	return h, nil
}

func (s *Store) ReadFilter(ctx context.Context, h *sstable.Handle) (mo.Option[bloom.Filter], error) {
	if f, ok := s.filterCache.Get(h.ID); ok {
		return f, nil
	}
	f, err := sstable.ReadFilter(ctx, h.Info, s.blob(h.ID, 0))
	if err != nil {
		return mo.None[bloom.Filter](), errors.Wrapf(err, "read filter of table %d", h.ID)
	}
	s.filterCache.Set(h.ID, f)
	return f, nil
}

// ReadIndex implements sstable.BlockSource
func (s *Store) ReadIndex(ctx context.Context, h *sstable.Handle) (*sstable.Index, error) {
	if s.opts.Cache != nil {
		if idx, ok := s.opts.Cache.GetIndex(h.ID); ok {
			return idx, nil
		}
	}
	idx, err := sstable.ReadIndex(ctx, h.Info, s.blob(h.ID, 0))
	if err != nil {
		return nil, errors.Wrapf(err, "read index of table %d", h.ID)
	}
	if s.opts.Cache != nil {
		s.opts.Cache.SetIndex(h.ID, idx)
	}
	return idx, nil
}

// ReadBlocks implements sstable.BlockSource. Cached blocks are served from
// the block cache, each run of missing blocks is fetched with one range read.
func (s *Store) ReadBlocks(ctx context.Context, h *sstable.Handle, index *sstable.Index, blockRange sstable.Range) ([]*block.Block, error) {
	if s.opts.Cache == nil {
		return s.readBlocks(ctx, h, index, blockRange)
	}

	blocks := make([]*block.Block, 0, blockRange.End-blockRange.Start)
	missingStart := -1
	fetch := func(end uint64) error {
		if missingStart < 0 {
			return nil
		}
		fetched, err := s.readBlocks(ctx, h, index, sstable.Range{Start: uint64(missingStart), End: end})
		if err != nil {
			return err
		}
		for i, b := range fetched {
			s.opts.Cache.SetBlock(s.blockKey(h, index, uint64(missingStart+i)), b)
		}
		blocks = append(blocks, fetched...)
		missingStart = -1
		return nil
	}

	for i := blockRange.Start; i < blockRange.End; i++ {
		if b, ok := s.opts.Cache.GetBlock(s.blockKey(h, index, i)); ok {
			if err := fetch(i); err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
			continue
		}
		if missingStart < 0 {
			missingStart = int(i)
		}
	}
	if err := fetch(blockRange.End); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (s *Store) readBlocks(ctx context.Context, h *sstable.Handle, index *sstable.Index, blockRange sstable.Range) ([]*block.Block, error) {
	blocks, err := sstable.ReadBlocks(ctx, h.Info, index, blockRange, s.blob(h.ID, 0))
	if err != nil {
		return nil, errors.Wrapf(err, "read blocks [%d:%d] of table %d", blockRange.Start, blockRange.End, h.ID)
	}
	return blocks, nil
}

func (s *Store) blockKey(h *sstable.Handle, index *sstable.Index, i uint64) blockcache.Key {
	return blockcache.Key{TableID: h.ID, Offset: index.BlockMeta[i].Offset}
}

// NewIterator returns an iterator over the entries of h within opts.Range
func (s *Store) NewIterator(ctx context.Context, h *sstable.Handle, opts sstable.IterOptions) (*sstable.Iterator, error) {
	if opts.BlocksPerFetch == 0 {
		opts.BlocksPerFetch = s.opts.BlocksPerFetch
	}
	return sstable.NewIterator(ctx, h, s, opts)
}

// Get returns the newest version of key with an epoch <= epoch, which may
// be a tombstone. The filter is consulted before any block is read.
func (s *Store) Get(ctx context.Context, h *sstable.Handle, key []byte, epoch types.Epoch) (mo.Option[types.RowEntry], error) {
	if !h.Overlaps(types.KeyRange{Start: key, End: key, EndInclusive: true}) || h.Info.MinEpoch > epoch {
		return mo.None[types.RowEntry](), nil
	}

	filter, err := s.ReadFilter(ctx, h)
	if err != nil {
		return mo.None[types.RowEntry](), err
	}
	if f, ok := filter.Get(); ok && !f.HasKey(key) {
		return mo.None[types.RowEntry](), nil
	}

	it, err := s.NewIterator(ctx, h, sstable.IterOptions{
		Range:          types.KeyRange{Start: key, End: key, EndInclusive: true},
		SeekEpoch:      epoch,
		BlocksPerFetch: 1,
	})
	if err != nil {
		return mo.None[types.RowEntry](), err
	}
	entry, ok := it.Next(ctx)
	if !ok {
		return mo.None[types.RowEntry](), it.Err()
	}
	return mo.Some(entry), nil
}

// DeleteTable removes a table file and evicts it from every cache
func (s *Store) DeleteTable(ctx context.Context, id sstable.ID) error {
	if err := s.backend.Delete(ctx, Path(id)); err != nil {
		return errors.Wrapf(err, "delete table %d", id)
	}
	s.handles.Delete(id)
	s.filterCache.Delete(id)
	if s.opts.Cache != nil {
		s.opts.Cache.EvictTable(id)
	}
	return nil
}

// ListTables returns the ids of every table file in the backend in
// ascending order
func (s *Store) ListTables(ctx context.Context) ([]sstable.ID, error) {
	var ids []sstable.ID
	err := s.backend.Scan(ctx, backend.PrefixRange(tablePrefix), true, func(key string, _ []byte) error {
		if id, ok := ParsePath(key); ok {
			ids = append(ids, id)
		} else {
			s.opts.Log.Warn("ignoring unexpected object in table directory", "key", key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list tables")
	}
	return ids, nil
}

func (s *Store) Close() {
	s.handles.Close()
	s.filterCache.Close()
}

func (s *Store) blob(id sstable.ID, size uint64) *tableBlob {
	return &tableBlob{backend: s.backend, key: Path(id), size: size}
}

// tableBlob reads a table file with backend range reads
type tableBlob struct {
	backend backend.Backend
	key     string
	size    uint64
}

func (b *tableBlob) Len(ctx context.Context) (int, error) {
	if b.size > 0 {
		return int(b.size), nil
	}
	data, err := b.backend.Get(ctx, b.key)
	if err != nil {
		return 0, err
	}
	b.size = uint64(len(data))
	return len(data), nil
}

func (b *tableBlob) ReadRange(ctx context.Context, r sstable.Range) ([]byte, error) {
	return b.backend.GetRange(ctx, b.key, int64(r.Start), int64(r.End-r.Start))
}
