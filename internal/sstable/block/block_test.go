package block_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave/statestore/internal/compress"
	"github.com/tidewave/statestore/internal/sstable/block"
	"github.com/tidewave/statestore/internal/types"
)

func put(key string, epoch types.Epoch, value string) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Epoch: epoch, Value: types.Value{Value: []byte(value)}}
}

func del(key string, epoch types.Epoch) types.RowEntry {
	return types.RowEntry{Key: []byte(key), Epoch: epoch, Value: types.Value{Kind: types.KindTombStone}}
}

func build(t *testing.T, entries ...types.RowEntry) *block.Block {
	t.Helper()
	bb := block.NewBuilder(4096)
	for _, e := range entries {
		require.True(t, bb.Add(e))
	}
	b, err := bb.Build()
	require.NoError(t, err)
	return b
}

func TestBlockRoundTrip(t *testing.T) {
	entries := []types.RowEntry{
		put("donkey", 12, "kong"),
		del("donkey", 11),
		put("donkey", 10, "diddy"),
		put("kratos", 10, "atreus"),
		put("super", 3, "mario"),
	}

	for _, codec := range []compress.Codec{compress.CodecNone, compress.CodecSnappy, compress.CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			b := build(t, entries...)
			encoded, err := block.Encode(b, codec)
			require.NoError(t, err)

			var decoded block.Block
			require.NoError(t, block.Decode(&decoded, encoded, codec))
			assert.Equal(t, b.Data, decoded.Data)
			assert.Equal(t, b.Offsets, decoded.Offsets)
			assert.Equal(t, []byte("donkey"), decoded.FirstKey)

			it := block.NewIterator(&decoded)
			for _, want := range entries {
				got, ok := it.Next()
				require.True(t, ok)
				assert.Equal(t, want.Key, got.Key)
				assert.Equal(t, want.Epoch, got.Epoch)
				assert.Equal(t, want.Value.IsTombstone(), got.Value.IsTombstone())
				if !want.Value.IsTombstone() {
					assert.Equal(t, want.Value.Value, got.Value.Value)
				}
			}
			_, ok := it.Next()
			assert.False(t, ok)
			assert.NoError(t, it.Err())
		})
	}
}

func TestBlockChecksumMismatch(t *testing.T) {
	b := build(t, put("key1", 1, "value1"), put("key2", 1, "value2"))
	encoded, err := block.Encode(b, compress.CodecNone)
	require.NoError(t, err)

	encoded[3] ^= 0xff
	var decoded block.Block
	err = block.Decode(&decoded, encoded, compress.CodecNone)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrCorruption))

	err = block.Decode(&decoded, []byte{0x01}, compress.CodecNone)
	assert.True(t, errors.Is(err, types.ErrCorruption))
}

func TestBlockFull(t *testing.T) {
	entries := []types.RowEntry{put("aaaa", 1, "1111"), put("bbbb", 1, "2222")}
	bb := block.NewBuilder(block.EstimateSize(entries[:1]))
	assert.True(t, bb.Add(entries[0]))
	assert.False(t, bb.Add(entries[1]))

	// An empty block accepts any entry
	bb = block.NewBuilder(8)
	assert.True(t, bb.Add(entries[0]))

	_, err := block.NewBuilder(4096).Build()
	assert.ErrorIs(t, err, block.ErrEmptyBlock)
}

func TestBlockRejectsOutOfOrder(t *testing.T) {
	bb := block.NewBuilder(4096)
	require.True(t, bb.Add(put("a", 10, "x")))
	assert.Panics(t, func() { bb.Add(put("a", 11, "y")) })
	assert.Panics(t, func() { bb.Add(put("0", 1, "y")) })
}

func TestIteratorAt(t *testing.T) {
	b := build(t,
		put("apple", 5, "a5"),
		put("apple", 3, "a3"),
		put("applesauce", 9, "s9"),
		put("banana", 7, "b7"),
		del("banana", 6),
		put("banana", 2, "b2"),
	)

	for _, tc := range []struct {
		key     string
		epoch   types.Epoch
		wantKey string
		wantEp  types.Epoch
	}{
		{"apple", 10, "apple", 5},
		{"apple", 5, "apple", 5},
		{"apple", 4, "apple", 3},
		{"apple", 1, "applesauce", 9},
		{"app", 1, "apple", 5},
		{"banana", 6, "banana", 6},
		{"banana", 5, "banana", 2},
		{"aaa", types.MaxEpoch, "apple", 5},
	} {
		t.Run(fmt.Sprintf("%s@%d", tc.key, tc.epoch), func(t *testing.T) {
			it := block.NewIteratorAt(b, []byte(tc.key), tc.epoch)
			e, ok := it.Next()
			require.True(t, ok)
			assert.Equal(t, tc.wantKey, string(e.Key))
			assert.Equal(t, tc.wantEp, e.Epoch)
		})
	}

	it := block.NewIteratorAt(b, []byte("banana"), 1)
	_, ok := it.Next()
	assert.False(t, ok)
	assert.NoError(t, it.Err())
}

func TestPrettyPrint(t *testing.T) {
	b := build(t, put("key1", 4, "value1"), del("key2", 4))
	out := block.PrettyPrint(b)
	assert.Contains(t, out, `Key: []byte("key1") @ 4`)
	assert.Contains(t, out, "IsTombstone")
	assert.Equal(t, "abcde...", block.Truncate(bytes.Repeat([]byte("abcdefgh"), 4)[:12], 8))
}
