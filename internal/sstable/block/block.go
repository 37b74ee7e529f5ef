package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/compress"
	"github.com/tidewave/statestore/internal/types"
)

const (
	sizeOfUint16 = 2
	sizeOfUint32 = 4
)

var ErrEmptyBlock = errors.New("empty block")

// Block is a decoded block. Blocks are immutable once built or decoded and
// are shared between concurrent readers through the block cache.
type Block struct {
	FirstKey []byte
	Data     []byte
	Offsets  []uint16
}

// Size is the in-memory footprint of the decoded block
func (b *Block) Size() int {
	return len(b.Data) + len(b.Offsets)*sizeOfUint16 + len(b.FirstKey)
}

// Len is the number of rows in the block
func (b *Block) Len() int {
	return len(b.Offsets)
}

// Encode encodes the Block into a byte slice using the following format
//
// NOTE: The first key in the block is stored in full. Every later key stores
// only the suffix that follows the prefix it shares with the first key.
// +-----------------------------------------------+
// |               Block                           |
// +-----------------------------------------------+
// |  +-----------------------------------------+  |
// |  |  Block.Data                             |  |
// |  |  (List of Rows, see row.go)             |  |
// |  +-----------------------------------------+  |
// |  +-----------------------------------------+  |
// |  |  Block.Offsets                          |  |
// |  |  +-----------------------------------+  |  |
// |  |  |  Offset of Row (2 bytes)          |  |  |
// |  |  +-----------------------------------+  |  |
// |  |  ...                                    |  |
// |  +-----------------------------------------+  |
// |  |  Number of Offsets (2 bytes)            |  |
// |  +-----------------------------------------+  |
// |  |  Checksum of compressed bytes (4 bytes) |  |
// |  +-----------------------------------------+  |
// +-----------------------------------------------+
func Encode(b *Block, codec compress.Codec) ([]byte, error) {
	buf := make([]byte, 0, len(b.Data)+(len(b.Offsets)+1)*sizeOfUint16)
	buf = append(buf, b.Data...)
	for _, offset := range b.Offsets {
		buf = binary.BigEndian.AppendUint16(buf, offset)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b.Offsets)))

	compressed, err := compress.Encode(buf, codec)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressed)+sizeOfUint32)
	out = append(out, compressed...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(compressed)), nil
}

// Decode verifies the checksum of the encoded block and decodes it into the
// provided Block. Every failure is marked as types.ErrCorruption.
func Decode(b *Block, input []byte, codec compress.Codec) error {
	if len(input) < sizeOfUint32+sizeOfUint16 {
		return types.Corruptf("corrupt block: block is too small; must be at least 6 bytes")
	}

	// last 4 bytes hold the checksum
	checksumIndex := len(input) - sizeOfUint32
	compressed := input[:checksumIndex]
	if binary.BigEndian.Uint32(input[checksumIndex:]) != crc32.ChecksumIEEE(compressed) {
		return types.Corruptf("corrupt block: checksum mismatch")
	}

	buf, err := compress.Decode(compressed, codec)
	if err != nil {
		return types.MarkCorrupt(err, "corrupt block")
	}
	if len(buf) < sizeOfUint16 {
		return types.Corruptf("corrupt block: uncompressed block is too small; must be at least 2 bytes")
	}

	// The last 2 bytes hold the offset count
	offsetCountIndex := len(buf) - sizeOfUint16
	offsetCount := int(binary.BigEndian.Uint16(buf[offsetCountIndex:]))
	if offsetCount == 0 {
		return types.Corruptf("corrupt block: block must contain at least one row")
	}

	offsetStartIndex := offsetCountIndex - offsetCount*sizeOfUint16
	if offsetStartIndex <= 0 {
		return types.Corruptf("corrupt block: invalid index offset '%d'", offsetStartIndex)
	}

	offsets := make([]uint16, offsetCount)
	for i := range offsets {
		offsets[i] = binary.BigEndian.Uint16(buf[offsetStartIndex+i*sizeOfUint16:])
		if int(offsets[i]) >= offsetStartIndex {
			return types.Corruptf("corrupt block: row offset[%d] '%d' is out of range", i, offsets[i])
		}
	}
	data := buf[:offsetStartIndex]

	// The first row always stores the full key
	first, _, err := peekRow(data[offsets[0]:], nil)
	if err != nil {
		return err
	}

	b.Data = data
	b.Offsets = offsets
	b.FirstKey = first.keySuffix
	return nil
}

type Builder struct {
	offsets   []uint16
	data      []byte
	blockSize uint64
	firstKey  []byte
	lastKey   []byte
	lastEpoch types.Epoch
}

// NewBuilder builds a block of rows along with the Block.Offsets which
// point to the beginning of each row. Rows must be added in
// (key ascending, epoch descending) order.
func NewBuilder(blockSize uint64) *Builder {
	assert.True(blockSize <= 1<<16-1, "block size %d exceeds the maximum row offset", blockSize)
	return &Builder{
		blockSize: blockSize,
	}
}

func (b *Builder) curBlockSize() int {
	return sizeOfUint16 + // number of rows in the block
		len(b.offsets)*sizeOfUint16 + // offsets
		len(b.data) + // rows already in the block
		sizeOfUint32 // checksum
}

// Add appends the entry to the block and returns false if the block is full.
// An empty block accepts an entry of any size.
func (b *Builder) Add(entry types.RowEntry) bool {
	assert.True(len(entry.Key) > 0, "key must not be empty")
	assert.True(b.lastKey == nil || types.CompareVersioned(b.lastKey, b.lastEpoch, entry.Key, entry.Epoch) < 0,
		"entries must be added in (key asc, epoch desc) order; '%s'@%d after '%s'@%d",
		entry.Key, entry.Epoch, b.lastKey, b.lastEpoch)

	row := Row{Epoch: entry.Epoch, Value: entry.Value}
	row.keyPrefixLen = computePrefixLen(b.firstKey, entry.Key)
	row.keySuffix = entry.Key[row.keyPrefixLen:]

	if uint64(b.curBlockSize()+sizeOfUint16+rowSize(row)) > b.blockSize && !b.IsEmpty() {
		return false
	}

	b.offsets = append(b.offsets, uint16(len(b.data)))
	b.data = encodeRow(b.data, row)

	if b.firstKey == nil {
		b.firstKey = bytes.Clone(entry.Key)
	}
	b.lastKey = append(b.lastKey[:0], entry.Key...)
	b.lastEpoch = entry.Epoch
	return true
}

func (b *Builder) IsEmpty() bool {
	return len(b.offsets) == 0
}

// LastKey returns the key of the most recently added entry
func (b *Builder) LastKey() []byte {
	return b.lastKey
}

func (b *Builder) Build() (*Block, error) {
	if b.IsEmpty() {
		return nil, ErrEmptyBlock
	}
	return &Block{
		FirstKey: b.firstKey,
		Offsets:  b.offsets,
		Data:     b.data,
	}, nil
}

// EstimateSize returns the encoded size of a block holding the provided
// entries without compression. Tests use it to pick a block size which
// forces a specific number of blocks.
func EstimateSize(entries []types.RowEntry) uint64 {
	var b Builder
	size := b.curBlockSize()
	for _, e := range entries {
		size += rowSize(Row{Value: e.Value, keySuffix: e.Key}) + sizeOfUint16
	}
	return uint64(size)
}

func PrettyPrint(block *Block) string {
	buf := new(bytes.Buffer)
	it := NewIterator(block)
	for _, offset := range block.Offsets {
		e, ok := it.Next()
		if !ok {
			_, _ = fmt.Fprintf(buf, "WARN: %v\n", it.Err())
			break
		}
		_, _ = fmt.Fprintf(buf, "Offset: %d\n", offset)
		_, _ = fmt.Fprintf(buf, "    Key: []byte(\"%s\") @ %d - %d bytes\n", Truncate(e.Key, 30), e.Epoch, len(e.Key))
		if e.Value.IsTombstone() {
			_, _ = fmt.Fprintf(buf, "    IsTombstone\n")
		} else {
			v := e.Value.Value
			_, _ = fmt.Fprintf(buf, "  Value: []byte(\"%s\") - %d bytes\n", Truncate(v, 30), len(v))
		}
	}
	return buf.String()
}

// Truncate takes a given byte slice and truncates it to the provided
// length appending "..." to the end if the slice was truncated and returning
// the result as a string.
func Truncate(data []byte, maxLength int) string {
	if len(data) <= maxLength {
		return string(data)
	}
	return fmt.Sprintf("%s...", data[:maxLength-3])
}
