package sstable

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tidewave/statestore/internal/sstable/block"
)

// BlobSource is a BlockSource reading straight from a ReadOnlyBlob with no caching
type BlobSource struct {
	Blob ReadOnlyBlob
}

func (s BlobSource) ReadIndex(ctx context.Context, h *Handle) (*Index, error) {
	return ReadIndex(ctx, h.Info, s.Blob)
}

func (s BlobSource) ReadBlocks(ctx context.Context, h *Handle, index *Index, r Range) ([]*block.Block, error) {
	return ReadBlocks(ctx, h.Info, index, r, s.Blob)
}

// PrettyPrint returns a human-readable representation of an encoded table
//
//	Table Info:
//	  Key Range: [key1, key4]
//	  Epochs: [10, 12]
//	  Entries: 4
//	  Index Offset: 147
//	  ...
//	Blocks:
//	  Block 0:
//	    Offset: 0
//	    Keys: [key1, key2]
//	    Rows:
//	      Offset: 0
//	          Key: []byte("key1") @ 12 - 4 bytes
//	        Value: []byte("value1") - 6 bytes
func PrettyPrint(ctx context.Context, data []byte) string {
	var buf bytes.Buffer
	blob := NewBytesBlob(data)

	info, err := ReadInfo(ctx, blob)
	if err != nil {
		_, _ = fmt.Fprintf(&buf, "ERROR: while reading table info - %s\n", err)
		return buf.String()
	}

	_, _ = fmt.Fprintf(&buf, "Table Info:\n")
	_, _ = fmt.Fprintf(&buf, "  Key Range: [%s, %s]\n", block.Truncate(info.FirstKey, 30), block.Truncate(info.LastKey, 30))
	_, _ = fmt.Fprintf(&buf, "  Epochs: [%d, %d]\n", info.MinEpoch, info.MaxEpoch)
	_, _ = fmt.Fprintf(&buf, "  Entries: %d\n", info.EntryCount)
	_, _ = fmt.Fprintf(&buf, "  Index Offset: %d\n", info.IndexOffset)
	_, _ = fmt.Fprintf(&buf, "  Index Length: %d\n", info.IndexLen)
	_, _ = fmt.Fprintf(&buf, "  Filter Offset: %d\n", info.FilterOffset)
	_, _ = fmt.Fprintf(&buf, "  Filter Length: %d\n", info.FilterLen)
	_, _ = fmt.Fprintf(&buf, "  Compression Codec: %s\n", info.CompressionCodec)

	if filter, err := ReadFilter(ctx, info, blob); err != nil {
		_, _ = fmt.Fprintf(&buf, "ERROR: while reading filter - %s\n", err)
	} else if f, ok := filter.Get(); ok {
		_, _ = fmt.Fprintf(&buf, "Bloom Filter:\n")
		_, _ = fmt.Fprintf(&buf, "  Number of Probes: %d\n", f.NumProbes)
		_, _ = fmt.Fprintf(&buf, "  Data Length: %d\n", len(f.Data))
	}

	index, err := ReadIndex(ctx, info, blob)
	if err != nil {
		_, _ = fmt.Fprintf(&buf, "ERROR: while parsing index at [%d:%d] - %s\n",
			info.IndexOffset, info.IndexLen, err)
		return buf.String()
	}

	_, _ = fmt.Fprintf(&buf, "Blocks:\n")
	for i, meta := range index.BlockMeta {
		_, _ = fmt.Fprintf(&buf, "  Block %d:\n", i)
		_, _ = fmt.Fprintf(&buf, "    Offset: %d\n", meta.Offset)
		_, _ = fmt.Fprintf(&buf, "    Keys: [%s, %s]\n", block.Truncate(meta.FirstKey, 30), block.Truncate(meta.LastKey, 30))
		_, _ = fmt.Fprintf(&buf, "    Rows:\n")

		blocks, err := ReadBlocks(ctx, info, index, Range{Start: uint64(i), End: uint64(i + 1)}, blob)
		if err != nil {
			_, _ = fmt.Fprintf(&buf, "ERROR: while parsing block at offset %d - %s\n", meta.Offset, err)
			return buf.String()
		}
		_, _ = fmt.Fprintf(&buf, "%s\n", indent(6, block.PrettyPrint(blocks[0])))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// prefix each line delimited by '\n' by X number of spaces
func indent(indent int, input string) string {
	prefix := strings.Repeat(" ", indent)
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
