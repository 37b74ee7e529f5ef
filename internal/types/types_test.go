package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidewave/statestore/internal/types"
)

func TestCompareVersioned(t *testing.T) {
	assert.Equal(t, -1, types.CompareVersioned([]byte("a"), 1, []byte("b"), 9))
	// newer epochs of the same key sort first
	assert.Equal(t, -1, types.CompareVersioned([]byte("a"), 11, []byte("a"), 10))
	assert.Equal(t, 1, types.CompareVersioned([]byte("a"), 10, []byte("a"), 11))
	assert.Equal(t, 0, types.CompareVersioned([]byte("a"), 10, []byte("a"), 10))
}

func TestKeyRange(t *testing.T) {
	r := types.KeyRange{Start: []byte("b"), End: []byte("d")}
	assert.False(t, r.Contains([]byte("a")))
	assert.True(t, r.Contains([]byte("b")))
	assert.True(t, r.Contains([]byte("c")))
	assert.False(t, r.Contains([]byte("d")))

	r.EndInclusive = true
	assert.True(t, r.Contains([]byte("d")))
	assert.False(t, r.Contains([]byte("e")))

	assert.True(t, r.Overlaps([]byte("a"), []byte("b")))
	assert.True(t, r.Overlaps([]byte("d"), []byte("z")))
	assert.False(t, r.Overlaps([]byte("e"), []byte("z")))

	unbounded := types.KeyRange{}
	assert.True(t, unbounded.Contains([]byte("anything")))
}

func TestValueBytes(t *testing.T) {
	v := types.Value{Value: []byte("v")}
	assert.Equal(t, v, types.ValueFromBytes(v.ToBytes()))
	tomb := types.Value{Kind: types.KindTombStone}
	assert.True(t, types.ValueFromBytes(tomb.ToBytes()).IsTombstone())
	assert.True(t, tomb.GetValue().IsAbsent())
}
