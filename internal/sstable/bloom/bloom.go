package bloom

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"

	"github.com/tidewave/statestore/internal/compress"
	"github.com/tidewave/statestore/internal/types"
)

// Filter is a whole-table membership filter over user keys. Epochs are not
// part of the filtered key, every version of a key maps to the same bits.
type Filter struct {
	NumProbes uint16
	Data      []byte
}

// HasKey returns true if the key might exist in the bloom filter, false if it definitely does not
func (f *Filter) HasKey(key []byte) bool {
	if len(f.Data) == 0 {
		return false
	}

	found := true
	eachProbe(filterHash(key), f.NumProbes, uint64(len(f.Data))*8, func(bit uint64) bool {
		if f.Data[bit/8]&(1<<(bit%8)) == 0 {
			found = false
		}
		return found
	})
	return found
}

// Size is the in-memory footprint of the filter
func (f *Filter) Size() int {
	return len(f.Data) + 2
}

// Encode encodes the bloom filter into a byte slice using binary.BigEndian
// in the following format
//
// +-----------------------------------------------+
// |  Num of Probes (2 bytes)                      |
// +-----------------------------------------------+
// |  Bit Array (numKeys * bitsPerKey / 8 bytes)   |
// +-----------------------------------------------+
// |  Checksum of compressed bytes (4 bytes)       |
// +-----------------------------------------------+
func Encode(f Filter, codec compress.Codec) ([]byte, error) {
	buf := make([]byte, 2, 2+len(f.Data))
	binary.BigEndian.PutUint16(buf, f.NumProbes)
	buf = append(buf, f.Data...)

	compressed, err := compress.Encode(buf, codec)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(compressed)+4)
	out = append(out, compressed...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(compressed)), nil
}

// Decode decodes the bloom filter from the provided byte slice, failures are
// marked as types.ErrCorruption
func Decode(data []byte, codec compress.Codec) (Filter, error) {
	if len(data) < 4 {
		return Filter{}, types.Corruptf("corrupt filter: filter is too small; must be at least 4 bytes")
	}

	checksumIndex := len(data) - 4
	compressed := data[:checksumIndex]
	if binary.BigEndian.Uint32(data[checksumIndex:]) != crc32.ChecksumIEEE(compressed) {
		return Filter{}, types.Corruptf("corrupt filter: checksum mismatch")
	}

	buf, err := compress.Decode(compressed, codec)
	if err != nil {
		return Filter{}, types.MarkCorrupt(err, "corrupt filter")
	}
	if len(buf) < 2 {
		return Filter{}, types.Corruptf("corrupt filter: missing probe count")
	}

	return Filter{
		NumProbes: binary.BigEndian.Uint16(buf[:2]),
		Data:      buf[2:],
	}, nil
}

type Builder struct {
	keyHashes  []uint64
	lastKey    []byte
	bitsPerKey uint32
}

func NewBuilder(bitsPerKey uint32) *Builder {
	return &Builder{
		bitsPerKey: bitsPerKey,
	}
}

// Add adds a key to the filter. Keys arrive in sorted order so consecutive
// versions of the same key are only hashed once.
func (b *Builder) Add(key []byte) {
	if b.lastKey != nil && bytes.Equal(b.lastKey, key) {
		return
	}
	b.lastKey = append(b.lastKey[:0], key...)
	b.keyHashes = append(b.keyHashes, filterHash(key))
}

// NumKeys returns the number of distinct keys added
func (b *Builder) NumKeys() int {
	return len(b.keyHashes)
}

// Build builds the bloom filter using enhanced double hashing
func (b *Builder) Build() Filter {
	if len(b.keyHashes) == 0 {
		return Filter{}
	}

	numProbes := optimalNumProbes(b.bitsPerKey)
	numBytes := (uint64(len(b.keyHashes))*uint64(b.bitsPerKey) + 7) / 8
	buf := make([]byte, numBytes)

	for _, h := range b.keyHashes {
		eachProbe(h, numProbes, numBytes*8, func(bit uint64) bool {
			buf[bit/8] |= 1 << (bit % 8)
			return true
		})
	}

	return Filter{
		NumProbes: numProbes,
		Data:      buf,
	}
}

func filterHash(key []byte) uint64 {
	hash := fnv.New64a()
	_, _ = hash.Write(key)
	return hash.Sum64()
}

// eachProbe implements enhanced double hashing from
// https://www.khoury.northeastern.edu/~pete/pub/bloom-filters-verification.pdf
// and stops early when fn returns false.
func eachProbe(keyHash uint64, numProbes uint16, filterBits uint64, fn func(bit uint64) bool) {
	h := (keyHash & 0xffffffff) % filterBits
	delta := (keyHash >> 32) % filterBits
	for i := uint64(0); i < uint64(numProbes); i++ {
		delta = (delta + i) % filterBits
		if !fn(h) {
			return
		}
		h = (h + delta) % filterBits
	}
}

// optimalNumProbes is bits_per_key * ln(2)
func optimalNumProbes(bitsPerKey uint32) uint16 {
	return max(uint16(float32(bitsPerKey)*0.69), 1)
}
