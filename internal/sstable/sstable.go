package sstable

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/tidewave/statestore/internal/compress"
	"github.com/tidewave/statestore/internal/flatbuf"
	"github.com/tidewave/statestore/internal/types"
)

// Config specifies how a table file is encoded
type Config struct {
	// BlockSize is the target size of each block in the table. Must not exceed 65535.
	BlockSize uint64 `yaml:"block_size"`

	// MinFilterKeys is the minimum number of distinct keys that must exist in the
	// table before a bloom filter is written. Small tables are faster to search
	// without a filter.
	MinFilterKeys uint32 `yaml:"min_filter_keys"`

	FilterBitsPerKey uint32 `yaml:"filter_bits_per_key"`

	// The codec used to compress new tables. The codec of an existing table is
	// recorded in its Info and used when reading it back.
	Compression compress.Codec `yaml:"compression"`
}

func DefaultConfig() Config {
	return Config{
		BlockSize:        4096,
		MinFilterKeys:    0,
		FilterBitsPerKey: 10,
		Compression:      compress.CodecNone,
	}
}

// Info is the footer of a table file. It is read first when a table is
// opened and locates the filter and the block index.
type Info struct {
	FirstKey   []byte
	LastKey    []byte
	MinEpoch   types.Epoch
	MaxEpoch   types.Epoch
	EntryCount uint64

	// the offset and length of the block index
	IndexOffset uint64
	IndexLen    uint64

	// the offset and length of the bloom filter, FilterLen is zero when
	// the table has no filter
	FilterOffset uint64
	FilterLen    uint64

	// the codec used for blocks, the filter and the index of this table
	CompressionCodec compress.Codec
}

func (info *Info) Clone() *Info {
	c := *info
	c.FirstKey = bytes.Clone(info.FirstKey)
	c.LastKey = bytes.Clone(info.LastKey)
	return &c
}

// EncodeInfo encodes the provided Info as a flatbuf.TableInfo followed
// by a CRC32 checksum of the encoded bytes
func EncodeInfo(info *Info) []byte {
	builder := flatbuffers.NewBuilder(128)
	firstKey := builder.CreateByteVector(info.FirstKey)
	lastKey := builder.CreateByteVector(info.LastKey)

	flatbuf.TableInfoStart(builder)
	flatbuf.TableInfoAddFirstKey(builder, firstKey)
	flatbuf.TableInfoAddLastKey(builder, lastKey)
	flatbuf.TableInfoAddMinEpoch(builder, info.MinEpoch)
	flatbuf.TableInfoAddMaxEpoch(builder, info.MaxEpoch)
	flatbuf.TableInfoAddIndexOffset(builder, info.IndexOffset)
	flatbuf.TableInfoAddIndexLen(builder, info.IndexLen)
	flatbuf.TableInfoAddFilterOffset(builder, info.FilterOffset)
	flatbuf.TableInfoAddFilterLen(builder, info.FilterLen)
	flatbuf.TableInfoAddEntryCount(builder, info.EntryCount)
	flatbuf.TableInfoAddCompression(builder, int8(info.CompressionCodec))
	builder.Finish(flatbuf.TableInfoEnd(builder))

	b := builder.FinishedBytes()
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// DecodeInfo verifies the checksum and decodes the footer
func DecodeInfo(b []byte) (*Info, error) {
	if len(b) <= sizeOfUint32 {
		return nil, types.Corruptf("corrupt table info: too small")
	}

	// last 4 bytes hold the checksum
	checksumIndex := len(b) - sizeOfUint32
	if binary.BigEndian.Uint32(b[checksumIndex:]) != crc32.ChecksumIEEE(b[:checksumIndex]) {
		return nil, types.Corruptf("corrupt table info: checksum mismatch")
	}

	fb := flatbuf.GetRootAsTableInfo(b, 0)
	codec := compress.Codec(fb.Compression())
	if !codec.Valid() {
		return nil, types.Corruptf("corrupt table info: unknown compression codec '%d'", codec)
	}

	return &Info{
		FirstKey:         bytes.Clone(fb.FirstKeyBytes()),
		LastKey:          bytes.Clone(fb.LastKeyBytes()),
		MinEpoch:         fb.MinEpoch(),
		MaxEpoch:         fb.MaxEpoch(),
		EntryCount:       fb.EntryCount(),
		IndexOffset:      fb.IndexOffset(),
		IndexLen:         fb.IndexLen(),
		FilterOffset:     fb.FilterOffset(),
		FilterLen:        fb.FilterLen(),
		CompressionCodec: codec,
	}, nil
}

// Index is the decoded block index of a table
type Index struct {
	BlockMeta []*flatbuf.BlockMetaT
}

// Size is the approximate in-memory footprint of the index
func (idx *Index) Size() int {
	size := 0
	for _, m := range idx.BlockMeta {
		size += 8 + len(m.FirstKey) + len(m.LastKey)
	}
	return size
}

// Len returns the number of blocks in the table
func (idx *Index) Len() int {
	return len(idx.BlockMeta)
}

// SeekBlock returns the index of the first block which could hold a version
// of key. Versions of a key may straddle a block boundary, so the block
// before the first block starting at key is included.
func (idx *Index) SeekBlock(key []byte) int {
	lo, hi := 0, len(idx.BlockMeta)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(idx.BlockMeta[mid].FirstKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return max(lo-1, 0)
}

func encodeIndex(index *flatbuf.TableIndexT, codec compress.Codec) ([]byte, error) {
	builder := flatbuffers.NewBuilder(0)
	builder.Finish(index.Pack(builder))

	compressed, err := compress.Encode(builder.FinishedBytes(), codec)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(compressed)+sizeOfUint32)
	buf = append(buf, compressed...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(compressed)), nil
}

// DecodeIndex verifies the checksum, decompresses and decodes the block index
func DecodeIndex(buf []byte, codec compress.Codec) (*Index, error) {
	if len(buf) <= sizeOfUint32 {
		return nil, types.Corruptf("corrupt table index: too small")
	}

	checksumIndex := len(buf) - sizeOfUint32
	compressed := buf[:checksumIndex]
	if binary.BigEndian.Uint32(buf[checksumIndex:]) != crc32.ChecksumIEEE(compressed) {
		return nil, types.Corruptf("corrupt table index: checksum mismatch")
	}

	data, err := compress.Decode(compressed, codec)
	if err != nil {
		return nil, types.MarkCorrupt(err, "corrupt table index")
	}

	index := flatbuf.GetRootAsTableIndex(data, 0).UnPack()
	if len(index.BlockMeta) == 0 {
		return nil, types.Corruptf("corrupt table index: no blocks")
	}
	return &Index{BlockMeta: index.BlockMeta}, nil
}
