package sstable

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/sstable/block"
	"github.com/tidewave/statestore/internal/sstable/bloom"
	"github.com/tidewave/statestore/internal/types"
)

// Range is a half open byte range [Start, End) within a table file, or a half
// open range of block indexes when used with ReadBlocks.
type Range struct {
	Start uint64
	End   uint64
}

// ReadOnlyBlob is a table file which may be read in pieces
type ReadOnlyBlob interface {
	Len(ctx context.Context) (int, error)
	ReadRange(ctx context.Context, r Range) ([]byte, error)
}

// NewBytesBlob creates a ReadOnlyBlob from a byte slice
func NewBytesBlob(data []byte) ReadOnlyBlob {
	return bytesBlob(data)
}

type bytesBlob []byte

func (b bytesBlob) Len(context.Context) (int, error) {
	return len(b), nil
}

func (b bytesBlob) ReadRange(_ context.Context, r Range) ([]byte, error) {
	if r.Start > r.End || r.End > uint64(len(b)) {
		return nil, errors.Newf("invalid range [%d:%d] for blob of length %d", r.Start, r.End, len(b))
	}
	return b[r.Start:r.End], nil
}

// ReadInfo reads the footer offset from the last 4 bytes of the file and
// then decodes the footer
func ReadInfo(ctx context.Context, obj ReadOnlyBlob) (*Info, error) {
	size, err := obj.Len(ctx)
	if err != nil {
		return nil, err
	}
	if size <= sizeOfUint32 {
		return nil, types.Corruptf("corrupt table: file is too small (%d bytes)", size)
	}

	offsetIndex := uint64(size - sizeOfUint32)
	offsetBytes, err := obj.ReadRange(ctx, Range{Start: offsetIndex, End: uint64(size)})
	if err != nil {
		return nil, err
	}

	infoOffset := uint64(binary.BigEndian.Uint32(offsetBytes))
	if infoOffset >= offsetIndex {
		return nil, types.Corruptf("corrupt table: footer offset %d out of range", infoOffset)
	}
	infoBytes, err := obj.ReadRange(ctx, Range{Start: infoOffset, End: offsetIndex})
	if err != nil {
		return nil, err
	}
	return DecodeInfo(infoBytes)
}

func ReadFilter(ctx context.Context, info *Info, obj ReadOnlyBlob) (mo.Option[bloom.Filter], error) {
	if info.FilterLen < 1 {
		return mo.None[bloom.Filter](), nil
	}

	buf, err := obj.ReadRange(ctx, Range{
		Start: info.FilterOffset,
		End:   info.FilterOffset + info.FilterLen,
	})
	if err != nil {
		return mo.None[bloom.Filter](), err
	}

	filter, err := bloom.Decode(buf, info.CompressionCodec)
	if err != nil {
		return mo.None[bloom.Filter](), err
	}
	return mo.Some(filter), nil
}

func ReadIndex(ctx context.Context, info *Info, obj ReadOnlyBlob) (*Index, error) {
	buf, err := obj.ReadRange(ctx, Range{
		Start: info.IndexOffset,
		End:   info.IndexOffset + info.IndexLen,
	})
	if err != nil {
		return nil, err
	}
	return DecodeIndex(buf, info.CompressionCodec)
}

// blockByteRange returns the byte range holding the blocks in blockRange
func blockByteRange(blockRange Range, info *Info, index *Index) Range {
	end := info.FilterOffset
	if blockRange.End < uint64(index.Len()) {
		end = index.BlockMeta[blockRange.End].Offset
	}
	return Range{Start: index.BlockMeta[blockRange.Start].Offset, End: end}
}

// ReadBlocks reads the blocks in blockRange with a single range read and
// decodes each of them
func ReadBlocks(ctx context.Context, info *Info, index *Index, blockRange Range, obj ReadOnlyBlob) ([]*block.Block, error) {
	assert.True(blockRange.Start <= blockRange.End, "block start index cannot be greater than end index")
	assert.True(blockRange.End <= uint64(index.Len()), "block end index out of range")

	if blockRange.Start == blockRange.End {
		return nil, nil
	}

	rng := blockByteRange(blockRange, info, index)
	data, err := obj.ReadRange(ctx, rng)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != rng.End-rng.Start {
		return nil, types.Corruptf("corrupt table: short read of blocks [%d:%d]", rng.Start, rng.End)
	}

	blocks := make([]*block.Block, 0, blockRange.End-blockRange.Start)
	for i := blockRange.Start; i < blockRange.End; i++ {
		start := index.BlockMeta[i].Offset - rng.Start
		end := uint64(len(data))
		if i+1 < blockRange.End {
			end = index.BlockMeta[i+1].Offset - rng.Start
		}
		if start > end {
			return nil, types.Corruptf("corrupt table: block %d offsets are not ascending", i)
		}

		var blk block.Block
		if err := block.Decode(&blk, data[start:end], info.CompressionCodec); err != nil {
			return nil, errors.Wrapf(err, "block %d", i)
		}
		blocks = append(blocks, &blk)
	}
	return blocks, nil
}
