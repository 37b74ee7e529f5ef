package block

import (
	"bytes"
	"encoding/binary"

	"github.com/tidewave/statestore/internal/assert"
	"github.com/tidewave/statestore/internal/types"
)

type rowFlags uint8

const (
	flagTombstone rowFlags = 1 << iota

	rowErrPrefix = "corrupt row: "
	// keyPrefixLen + keySuffixLen + epoch + flags
	rowHeaderSize = 2 + 2 + 8 + 1
)

// Row is a single versioned entry as stored in a block. The key is stored
// with the prefix it shares with the first key of the block stripped off.
type Row struct {
	Epoch types.Epoch
	Value types.Value

	keyPrefixLen uint16
	keySuffix    []byte
}

// fullKey restores the full key by prepending the shared prefix of the
// block's first key to the stored suffix.
func (r Row) fullKey(firstKey []byte) []byte {
	assert.True(int(r.keyPrefixLen) <= len(firstKey),
		"row key prefix length %d; exceeds first key length '%d'", r.keyPrefixLen, len(firstKey))
	result := make([]byte, int(r.keyPrefixLen)+len(r.keySuffix))
	copy(result, firstKey[:r.keyPrefixLen])
	copy(result[r.keyPrefixLen:], r.keySuffix)
	return result
}

func rowSize(r Row) int {
	size := rowHeaderSize + len(r.keySuffix)
	if !r.Value.IsTombstone() {
		size += 4 + len(r.Value.Value)
	}
	return size
}

// encodeRow appends the row to buf using the following layout
//
//	|--------------|--------------|-----------|--------|-------|----------|--------|
//	| uint16       | uint16       | []byte    | uint64 | uint8 | uint32   | []byte |
//	|--------------|--------------|-----------|--------|-------|----------|--------|
//	| KeyPrefixLen | KeySuffixLen | KeySuffix | Epoch  | Flags | ValueLen | Value  |
//	|--------------|--------------|-----------|--------|-------|----------|--------|
//
// ValueLen and Value are omitted when Flags has the tombstone bit set.
func encodeRow(buf []byte, r Row) []byte {
	buf = binary.BigEndian.AppendUint16(buf, r.keyPrefixLen)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.keySuffix)))
	buf = append(buf, r.keySuffix...)
	buf = binary.BigEndian.AppendUint64(buf, r.Epoch)

	if r.Value.IsTombstone() {
		return append(buf, byte(flagTombstone))
	}
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Value.Value)))
	return append(buf, r.Value.Value...)
}

// decodeRow decodes a single row, the returned Row references data and the
// caller must copy anything it keeps beyond the life of the block.
func decodeRow(data []byte, firstKey []byte) (Row, error) {
	r, offset, err := peekRow(data, firstKey)
	if err != nil {
		return Row{}, err
	}

	flags := rowFlags(data[offset])
	offset++

	if flags&flagTombstone != 0 {
		r.Value = types.Value{Kind: types.KindTombStone}
		return r, nil
	}

	if len(data[offset:]) < 4 {
		return Row{}, types.Corruptf(rowErrPrefix + "data length too short for value length")
	}
	valueLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data[offset:]) < valueLen {
		return Row{}, types.Corruptf(rowErrPrefix + "data length too short for value")
	}
	r.Value = types.Value{Value: data[offset : offset+valueLen]}
	return r, nil
}

// peekRow decodes the key and epoch of a row without touching the value. It
// returns the offset of the flags byte.
func peekRow(data []byte, firstKey []byte) (Row, int, error) {
	if len(data) < rowHeaderSize {
		return Row{}, 0, types.Corruptf(rowErrPrefix + "data length too short to decode a row")
	}

	var r Row
	r.keyPrefixLen = binary.BigEndian.Uint16(data)
	keySuffixLen := int(binary.BigEndian.Uint16(data[2:]))
	offset := 4

	if int(r.keyPrefixLen) > len(firstKey) {
		return Row{}, 0, types.Corruptf(rowErrPrefix + "key prefix length exceeds length of first key in block")
	}
	if len(data[offset:]) < keySuffixLen+8+1 {
		return Row{}, 0, types.Corruptf(rowErrPrefix + "key suffix length exceeds length of block")
	}
	r.keySuffix = data[offset : offset+keySuffixLen]
	offset += keySuffixLen

	r.Epoch = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	return r, offset, nil
}

// comparePeeked compares the key and epoch of an encoded row against key and
// epoch without allocating the full key.
func comparePeeked(r Row, firstKey []byte, key []byte, epoch types.Epoch) int {
	prefix := firstKey[:r.keyPrefixLen]
	n := min(len(prefix), len(key))
	if c := bytes.Compare(prefix, key[:n]); c != 0 {
		return c
	}
	if len(key) < len(prefix) {
		// key is a strict prefix of the row prefix
		return 1
	}
	return types.CompareVersioned(r.keySuffix, r.Epoch, key[len(prefix):], epoch)
}

// computePrefixLen calculates the length of the common prefix between two byte slices.
func computePrefixLen(lhs, rhs []byte) uint16 {
	n := min(len(lhs), len(rhs), 1<<16-1)
	var off int
	// Compare in chunks first, the tail byte by byte
	for ; off+64 <= n; off += 64 {
		if !bytes.Equal(lhs[off:off+64], rhs[off:off+64]) {
			break
		}
	}
	for off < n && lhs[off] == rhs[off] {
		off++
	}
	return uint16(off)
}
