package flatbuf

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

/*
 * TableMeta
 */

type TableMeta struct {
	_tab flatbuffers.Table
}

func (rcv *TableMeta) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *TableMeta) Id() uint64            { return getUint64(&rcv._tab, 0) }
func (rcv *TableMeta) Level() uint32         { return getUint32(&rcv._tab, 1) }
func (rcv *TableMeta) Size() uint64          { return getUint64(&rcv._tab, 2) }
func (rcv *TableMeta) FirstKeyBytes() []byte { return getBytes(&rcv._tab, 3) }
func (rcv *TableMeta) LastKeyBytes() []byte  { return getBytes(&rcv._tab, 4) }
func (rcv *TableMeta) MinEpoch() uint64      { return getUint64(&rcv._tab, 5) }
func (rcv *TableMeta) MaxEpoch() uint64      { return getUint64(&rcv._tab, 6) }
func (rcv *TableMeta) EntryCount() uint64    { return getUint64(&rcv._tab, 7) }

type TableMetaT struct {
	Id         uint64
	Level      uint32
	Size       uint64
	FirstKey   []byte
	LastKey    []byte
	MinEpoch   uint64
	MaxEpoch   uint64
	EntryCount uint64
}

func (t *TableMetaT) Pack(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	if t == nil {
		return 0
	}
	firstKey := createBytes(builder, t.FirstKey)
	lastKey := createBytes(builder, t.LastKey)
	builder.StartObject(8)
	builder.PrependUint64Slot(0, t.Id, 0)
	builder.PrependUint32Slot(1, t.Level, 0)
	builder.PrependUint64Slot(2, t.Size, 0)
	builder.PrependUOffsetTSlot(3, firstKey, 0)
	builder.PrependUOffsetTSlot(4, lastKey, 0)
	builder.PrependUint64Slot(5, t.MinEpoch, 0)
	builder.PrependUint64Slot(6, t.MaxEpoch, 0)
	builder.PrependUint64Slot(7, t.EntryCount, 0)
	return builder.EndObject()
}

func (rcv *TableMeta) UnPack() *TableMetaT {
	return &TableMetaT{
		Id:         rcv.Id(),
		Level:      rcv.Level(),
		Size:       rcv.Size(),
		FirstKey:   rcv.FirstKeyBytes(),
		LastKey:    rcv.LastKeyBytes(),
		MinEpoch:   rcv.MinEpoch(),
		MaxEpoch:   rcv.MaxEpoch(),
		EntryCount: rcv.EntryCount(),
	}
}

func packTableMetas(builder *flatbuffers.Builder, tables []*TableMetaT) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(tables))
	for i, t := range tables {
		offsets[i] = t.Pack(builder)
	}
	return createOffsetVector(builder, offsets)
}

func unpackTableMetas(t *flatbuffers.Table, field int) []*TableMetaT {
	n := vectorLen(t, field)
	if n == 0 {
		return nil
	}
	out := make([]*TableMetaT, n)
	var m TableMeta
	for j := 0; j < n; j++ {
		x, _ := tableElem(t, field, j)
		m.Init(t.Bytes, x)
		out[j] = m.UnPack()
	}
	return out
}

func unpackUint64s(t *flatbuffers.Table, field int) []uint64 {
	n := vectorLen(t, field)
	if n == 0 {
		return nil
	}
	out := make([]uint64, n)
	for j := range out {
		out[j] = getUint64Elem(t, field, j)
	}
	return out
}

/*
 * VersionDelta
 */

type VersionDelta struct {
	_tab flatbuffers.Table
}

func GetRootAsVersionDelta(buf []byte, offset flatbuffers.UOffsetT) *VersionDelta {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &VersionDelta{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *VersionDelta) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *VersionDelta) VersionId() uint64     { return getUint64(&rcv._tab, 0) }
func (rcv *VersionDelta) BaseVersionId() uint64 { return getUint64(&rcv._tab, 1) }
func (rcv *VersionDelta) AddedLength() int      { return vectorLen(&rcv._tab, 2) }
func (rcv *VersionDelta) RemovedLength() int    { return vectorLen(&rcv._tab, 3) }
func (rcv *VersionDelta) Watermark() uint64     { return getUint64(&rcv._tab, 5) }
func (rcv *VersionDelta) SafeEpoch() uint64     { return getUint64(&rcv._tab, 6) }

type VersionDeltaT struct {
	VersionId       uint64
	BaseVersionId   uint64
	Added           []*TableMetaT
	Removed         []uint64
	CommittedEpochs []uint64
	Watermark       uint64
	SafeEpoch       uint64
}

func (t *VersionDeltaT) Pack(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	if t == nil {
		return 0
	}
	added := packTableMetas(builder, t.Added)
	removed := createUint64Vector(builder, t.Removed)
	committed := createUint64Vector(builder, t.CommittedEpochs)
	builder.StartObject(7)
	builder.PrependUint64Slot(0, t.VersionId, 0)
	builder.PrependUint64Slot(1, t.BaseVersionId, 0)
	builder.PrependUOffsetTSlot(2, added, 0)
	builder.PrependUOffsetTSlot(3, removed, 0)
	builder.PrependUOffsetTSlot(4, committed, 0)
	builder.PrependUint64Slot(5, t.Watermark, 0)
	builder.PrependUint64Slot(6, t.SafeEpoch, 0)
	return builder.EndObject()
}

func (rcv *VersionDelta) UnPack() *VersionDeltaT {
	return &VersionDeltaT{
		VersionId:       rcv.VersionId(),
		BaseVersionId:   rcv.BaseVersionId(),
		Added:           unpackTableMetas(&rcv._tab, 2),
		Removed:         unpackUint64s(&rcv._tab, 3),
		CommittedEpochs: unpackUint64s(&rcv._tab, 4),
		Watermark:       rcv.Watermark(),
		SafeEpoch:       rcv.SafeEpoch(),
	}
}

/*
 * LevelTables
 */

type LevelTables struct {
	_tab flatbuffers.Table
}

func (rcv *LevelTables) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

type LevelTablesT struct {
	Tables []*TableMetaT
}

func (t *LevelTablesT) Pack(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	tables := packTableMetas(builder, t.Tables)
	builder.StartObject(1)
	builder.PrependUOffsetTSlot(0, tables, 0)
	return builder.EndObject()
}

func (rcv *LevelTables) UnPack() *LevelTablesT {
	return &LevelTablesT{Tables: unpackTableMetas(&rcv._tab, 0)}
}

/*
 * VersionCheckpoint
 */

type VersionCheckpoint struct {
	_tab flatbuffers.Table
}

func GetRootAsVersionCheckpoint(buf []byte, offset flatbuffers.UOffsetT) *VersionCheckpoint {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &VersionCheckpoint{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *VersionCheckpoint) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *VersionCheckpoint) VersionId() uint64 { return getUint64(&rcv._tab, 0) }
func (rcv *VersionCheckpoint) Watermark() uint64 { return getUint64(&rcv._tab, 1) }
func (rcv *VersionCheckpoint) SafeEpoch() uint64 { return getUint64(&rcv._tab, 2) }
func (rcv *VersionCheckpoint) LevelsLength() int { return vectorLen(&rcv._tab, 3) }

func (rcv *VersionCheckpoint) Levels(obj *LevelTables, j int) bool {
	x, ok := tableElem(&rcv._tab, 3, j)
	if ok {
		obj.Init(rcv._tab.Bytes, x)
	}
	return ok
}

type VersionCheckpointT struct {
	VersionId uint64
	Watermark uint64
	SafeEpoch uint64
	Levels    []*LevelTablesT
}

func (t *VersionCheckpointT) Pack(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	if t == nil {
		return 0
	}
	offsets := make([]flatbuffers.UOffsetT, len(t.Levels))
	for i, l := range t.Levels {
		offsets[i] = l.Pack(builder)
	}
	levels := createOffsetVector(builder, offsets)
	builder.StartObject(4)
	builder.PrependUint64Slot(0, t.VersionId, 0)
	builder.PrependUint64Slot(1, t.Watermark, 0)
	builder.PrependUint64Slot(2, t.SafeEpoch, 0)
	builder.PrependUOffsetTSlot(3, levels, 0)
	return builder.EndObject()
}

func (rcv *VersionCheckpoint) UnPack() *VersionCheckpointT {
	t := &VersionCheckpointT{
		VersionId: rcv.VersionId(),
		Watermark: rcv.Watermark(),
		SafeEpoch: rcv.SafeEpoch(),
		Levels:    make([]*LevelTablesT, rcv.LevelsLength()),
	}
	var l LevelTables
	for j := range t.Levels {
		rcv.Levels(&l, j)
		t.Levels[j] = l.UnPack()
	}
	return t
}
