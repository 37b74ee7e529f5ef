package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/gammazero/deque"
	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/flatbuf"
	"github.com/tidewave/statestore/internal/sstable/block"
	"github.com/tidewave/statestore/internal/sstable/bloom"
	"github.com/tidewave/statestore/internal/types"
)

const (
	sizeOfUint32 = 4
)

// Table is the in memory representation of an encoded table file
type Table struct {
	Info *Info

	Bloom mo.Option[bloom.Filter]

	// Blocks holds the encoded blocks in file order. The final element
	// also holds the encoded filter, index and footer.
	Blocks *deque.Deque[[]byte]
}

// Bytes concatenates the encoded table into a single slice suitable for a
// single backend Put.
func (t *Table) Bytes() []byte {
	var size int
	for i := 0; i < t.Blocks.Len(); i++ {
		size += len(t.Blocks.At(i))
	}
	result := make([]byte, 0, size)
	for i := 0; i < t.Blocks.Len(); i++ {
		result = append(result, t.Blocks.At(i)...)
	}
	return result
}

// Builder builds a table file in the format outlined below. Entries must be
// added in (key ascending, epoch descending) order.
//
// +-----------------------------------------------+
// |               Table File                      |
// +-----------------------------------------------+
// |  +-----------------------------------------+  |
// |  |  List of Blocks (see block.Encode)      |  |
// |  |  - Rows (key suffix, epoch, value)      |  |
// |  |  - Row offsets                          |  |
// |  |  - Checksum                             |  |
// |  |  ...                                    |  |
// |  +-----------------------------------------+  |
// |  +-----------------------------------------+  |
// |  |  bloom.Filter (if MinFilterKeys met)    |  |
// |  +-----------------------------------------+  |
// |  +-----------------------------------------+  |
// |  |  flatbuf.TableIndex + Checksum          |  |
// |  |  - Block Offset                         |  |
// |  |  - First and Last Key of the Block      |  |
// |  |  ...                                    |  |
// |  +-----------------------------------------+  |
// |  +-----------------------------------------+  |
// |  |  flatbuf.TableInfo                      |  |
// |  |  - First and Last Key of the Table      |  |
// |  |  - Min and Max Epoch                    |  |
// |  |  - Entry Count                          |  |
// |  |  - Offset and Length of the Filter      |  |
// |  |  - Offset and Length of the Index       |  |
// |  |  - Compression Codec                    |  |
// |  +-----------------------------------------+  |
// |  |  Checksum of TableInfo (4 bytes)        |  |
// |  +-----------------------------------------+  |
// |  |  Offset of TableInfo (4 bytes)          |  |
// |  +-----------------------------------------+  |
// +-----------------------------------------------+
type Builder struct {
	blockBuilder  *block.Builder
	filterBuilder *bloom.Builder

	// The metadata for each block held by the index
	blockMetaList []*flatbuf.BlockMetaT

	firstKey mo.Option[[]byte]
	lastKey  []byte
	minEpoch types.Epoch
	maxEpoch types.Epoch
	entries  uint64

	// The encoded blocks that make up the table
	blocks *deque.Deque[[]byte]

	// currentLen is the total length of all encoded blocks
	currentLen uint64

	conf Config
}

func NewBuilder(conf Config) *Builder {
	return &Builder{
		filterBuilder: bloom.NewBuilder(conf.FilterBitsPerKey),
		blockBuilder:  block.NewBuilder(conf.BlockSize),
		blocks:        deque.New[[]byte](0),
		firstKey:      mo.None[[]byte](),
		minEpoch:      types.MaxEpoch,
		conf:          conf,
	}
}

func (b *Builder) Add(entry types.RowEntry) error {
	assert.True(entry.Epoch != 0, "entry '%s' has no epoch", entry.Key)

	if !b.blockBuilder.Add(entry) {
		if err := b.finishBlock(); err != nil {
			return err
		}
		assert.True(b.blockBuilder.Add(entry), "block.Builder.Add() failed on an empty block")
	}

	if b.firstKey.IsAbsent() {
		b.firstKey = mo.Some(bytes.Clone(entry.Key))
	}
	b.lastKey = append(b.lastKey[:0], entry.Key...)
	b.minEpoch = min(b.minEpoch, entry.Epoch)
	b.maxEpoch = max(b.maxEpoch, entry.Epoch)
	b.entries++
	b.filterBuilder.Add(entry.Key)
	return nil
}

// EstimatedSize returns the number of encoded bytes so far plus the size of
// the block under construction.
func (b *Builder) EstimatedSize() uint64 {
	return b.currentLen + b.conf.BlockSize
}

// IsEmpty returns true if no entries have been added
func (b *Builder) IsEmpty() bool {
	return b.entries == 0
}

func (b *Builder) finishBlock() error {
	if b.blockBuilder.IsEmpty() {
		return nil
	}

	lastKey := bytes.Clone(b.blockBuilder.LastKey())
	blk, err := b.blockBuilder.Build()
	if err != nil {
		return err
	}
	b.blockBuilder = block.NewBuilder(b.conf.BlockSize)

	buf, err := block.Encode(blk, b.conf.Compression)
	if err != nil {
		return err
	}

	b.blockMetaList = append(b.blockMetaList, &flatbuf.BlockMetaT{
		Offset:   b.currentLen,
		FirstKey: blk.FirstKey,
		LastKey:  lastKey,
	})
	b.currentLen += uint64(len(buf))
	b.blocks.PushBack(buf)
	return nil
}

func (b *Builder) Build() (*Table, error) {
	if err := b.finishBlock(); err != nil {
		return nil, err
	}
	assert.True(len(b.blockMetaList) > 0, "cannot build a table with no entries")

	var buf []byte
	maybeFilter := mo.None[bloom.Filter]()
	filterOffset := b.currentLen
	if b.filterBuilder.NumKeys() >= int(b.conf.MinFilterKeys) {
		filter := b.filterBuilder.Build()
		encoded, err := bloom.Encode(filter, b.conf.Compression)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encoded...)
		maybeFilter = mo.Some(filter)
	}
	filterLen := uint64(len(buf))

	index, err := encodeIndex(&flatbuf.TableIndexT{BlockMeta: b.blockMetaList}, b.conf.Compression)
	if err != nil {
		return nil, err
	}
	indexOffset := b.currentLen + uint64(len(buf))
	buf = append(buf, index...)

	infoOffset := b.currentLen + uint64(len(buf))
	firstKey, _ := b.firstKey.Get()
	info := &Info{
		FirstKey:         firstKey,
		LastKey:          bytes.Clone(b.lastKey),
		MinEpoch:         b.minEpoch,
		MaxEpoch:         b.maxEpoch,
		EntryCount:       b.entries,
		IndexOffset:      indexOffset,
		IndexLen:         uint64(len(index)),
		FilterOffset:     filterOffset,
		FilterLen:        filterLen,
		CompressionCodec: b.conf.Compression,
	}
	buf = append(buf, EncodeInfo(info)...)

	// the footer offset is the last 4 bytes of the file
	buf = binary.BigEndian.AppendUint32(buf, uint32(infoOffset))
	b.blocks.PushBack(buf)

	return &Table{
		Info:   info,
		Bloom:  maybeFilter,
		Blocks: b.blocks,
	}, nil
}
