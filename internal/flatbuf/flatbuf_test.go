package flatbuf

import (
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableInfo(t *testing.T) {
	b := flatbuffers.NewBuilder(0)
	first := b.CreateByteVector([]byte("aaa"))
	last := b.CreateByteVector([]byte("zzz"))
	TableInfoStart(b)
	TableInfoAddFirstKey(b, first)
	TableInfoAddLastKey(b, last)
	TableInfoAddMinEpoch(b, 10)
	TableInfoAddMaxEpoch(b, 12)
	TableInfoAddIndexOffset(b, 4096)
	TableInfoAddIndexLen(b, 64)
	TableInfoAddFilterOffset(b, 4000)
	TableInfoAddFilterLen(b, 96)
	TableInfoAddEntryCount(b, 3)
	TableInfoAddCompression(b, 4)
	b.Finish(TableInfoEnd(b))

	info := GetRootAsTableInfo(b.FinishedBytes(), 0)
	assert.Equal(t, []byte("aaa"), info.FirstKeyBytes())
	assert.Equal(t, []byte("zzz"), info.LastKeyBytes())
	assert.Equal(t, uint64(10), info.MinEpoch())
	assert.Equal(t, uint64(12), info.MaxEpoch())
	assert.Equal(t, uint64(4096), info.IndexOffset())
	assert.Equal(t, uint64(64), info.IndexLen())
	assert.Equal(t, uint64(4000), info.FilterOffset())
	assert.Equal(t, uint64(96), info.FilterLen())
	assert.Equal(t, uint64(3), info.EntryCount())
	assert.Equal(t, int8(4), info.Compression())
}

func TestTableIndex(t *testing.T) {
	index := &TableIndexT{BlockMeta: []*BlockMetaT{
		{Offset: 0, FirstKey: []byte("a"), LastKey: []byte("c")},
		{Offset: 512, FirstKey: []byte("d"), LastKey: []byte("f")},
	}}
	b := flatbuffers.NewBuilder(0)
	b.Finish(index.Pack(b))

	decoded := GetRootAsTableIndex(b.FinishedBytes(), 0)
	require.Equal(t, 2, decoded.BlockMetaLength())
	assert.Equal(t, index, decoded.UnPack())

	var m BlockMeta
	require.True(t, decoded.BlockMeta(&m, 1))
	assert.Equal(t, uint64(512), m.Offset())
}

func TestVersionDelta(t *testing.T) {
	delta := &VersionDeltaT{
		VersionId:     7,
		BaseVersionId: 6,
		Added: []*TableMetaT{
			{Id: 3, Level: 0, Size: 100, FirstKey: []byte("a"), LastKey: []byte("b"),
				MinEpoch: 10, MaxEpoch: 11, EntryCount: 3},
		},
		Removed:         []uint64{1, 2},
		CommittedEpochs: []uint64{10, 11},
		Watermark:       11,
		SafeEpoch:       4,
	}
	b := flatbuffers.NewBuilder(0)
	b.Finish(delta.Pack(b))
	assert.Equal(t, delta, GetRootAsVersionDelta(b.FinishedBytes(), 0).UnPack())
}

func TestVersionCheckpoint(t *testing.T) {
	cp := &VersionCheckpointT{
		VersionId: 42,
		Watermark: 100,
		SafeEpoch: 90,
		Levels: []*LevelTablesT{
			{Tables: []*TableMetaT{{Id: 9, FirstKey: []byte("k"), LastKey: []byte("m")}}},
			{Tables: nil},
			{Tables: []*TableMetaT{{Id: 4, Level: 2, FirstKey: []byte("a"), LastKey: []byte("z")}}},
		},
	}
	b := flatbuffers.NewBuilder(0)
	b.Finish(cp.Pack(b))
	assert.Equal(t, cp, GetRootAsVersionCheckpoint(b.FinishedBytes(), 0).UnPack())
}
