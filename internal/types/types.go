package types

import (
	"bytes"
	"cmp"

	"github.com/samber/mo"
)

type Kind byte

const (
	KindKeyValue  Kind = 0x00
	KindTombStone Kind = 0x01
)

// Epoch is the logical timestamp every write batch is stamped with. Zero is
// never issued and means "no epoch".
type Epoch = uint64

// MaxEpoch reads the newest version of every key.
const MaxEpoch Epoch = 1<<64 - 1

// KeyValue represents a key-value pair known not to be a tombstone.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RowEntry represents a versioned key-value pair that may be a tombstone.
type RowEntry struct {
	Key   []byte
	Epoch Epoch
	Value Value
}

// Compare orders entries by key ascending then by epoch descending, so the
// newest version of a key is always encountered first.
func (e RowEntry) Compare(other RowEntry) int {
	return CompareVersioned(e.Key, e.Epoch, other.Key, other.Epoch)
}

// Size is the approximate in-memory footprint of the entry.
func (e RowEntry) Size() int64 {
	return int64(len(e.Key) + len(e.Value.Value) + 9)
}

// CompareVersioned compares two (key, epoch) pairs. Keys ascend, epochs descend.
func CompareVersioned(keyA []byte, epochA Epoch, keyB []byte, epochB Epoch) int {
	if c := bytes.Compare(keyA, keyB); c != 0 {
		return c
	}
	return cmp.Compare(epochB, epochA)
}

// Value in a RowEntry which has a Kind that identifies
// what kind of Value it represents.
type Value struct {
	Value []byte
	Kind  Kind
}

func (v Value) IsTombstone() bool {
	return v.Kind == KindTombStone
}

// ValueFromBytes - if first byte is 0x01, then return tombstone
// else return with value
func ValueFromBytes(b []byte) Value {
	if Kind(b[0]) == KindTombStone {
		return Value{Kind: KindTombStone}
	}

	return Value{
		Value: b[1:],
		Kind:  KindKeyValue,
	}
}

// ToBytes - if it is a tombstone return 1 (indicating tombstone) as the only byte
// if it is not a tombstone the value is stored from second byte onwards
func (v Value) ToBytes() []byte {
	if v.IsTombstone() {
		return []byte{byte(KindTombStone)}
	}
	return append([]byte{byte(KindKeyValue)}, v.Value...)
}

func (v Value) GetValue() mo.Option[[]byte] {
	if v.IsTombstone() {
		return mo.None[[]byte]()
	}
	return mo.Some(v.Value)
}

// KeyRange is a range of keys. Start is inclusive, a nil Start is unbounded.
// End is exclusive unless EndInclusive is set, a nil End is unbounded.
type KeyRange struct {
	Start        []byte
	End          []byte
	EndInclusive bool
}

// Contains returns true if key falls within the range
func (r KeyRange) Contains(key []byte) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return !r.AfterEnd(key)
}

// AfterEnd returns true if key is past the upper bound of the range
func (r KeyRange) AfterEnd(key []byte) bool {
	if r.End == nil {
		return false
	}
	c := bytes.Compare(key, r.End)
	if r.EndInclusive {
		return c > 0
	}
	return c >= 0
}

// Overlaps returns true if the closed interval [first, last] intersects the range
func (r KeyRange) Overlaps(first, last []byte) bool {
	if r.Start != nil && bytes.Compare(last, r.Start) < 0 {
		return false
	}
	return !r.AfterEnd(first)
}
