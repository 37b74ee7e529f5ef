// Package flatbuf holds the flatbuffers accessors and builders for the
// schemas in /schemas. The layout follows flatc output so the files can be
// regenerated, the object API (the *T structs) is what the rest of the code uses.
package flatbuf

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// slot returns the vtable offset of the field with the given index
func slot(i int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*i)
}

func getUint64(t *flatbuffers.Table, field int) uint64 {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		return t.GetUint64(o + t.Pos)
	}
	return 0
}

func getUint32(t *flatbuffers.Table, field int) uint32 {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		return t.GetUint32(o + t.Pos)
	}
	return 0
}

func getInt8(t *flatbuffers.Table, field int) int8 {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		return t.GetInt8(o + t.Pos)
	}
	return 0
}

func getBytes(t *flatbuffers.Table, field int) []byte {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		return t.ByteVector(o + t.Pos)
	}
	return nil
}

func vectorLen(t *flatbuffers.Table, field int) int {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		return t.VectorLen(o)
	}
	return 0
}

func getUint64Elem(t *flatbuffers.Table, field int, j int) uint64 {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		a := t.Vector(o)
		return t.GetUint64(a + flatbuffers.UOffsetT(j*8))
	}
	return 0
}

// tableElem positions obj at the j-th element of a vector of tables
func tableElem(t *flatbuffers.Table, field int, j int) (flatbuffers.UOffsetT, bool) {
	o := flatbuffers.UOffsetT(t.Offset(slot(field)))
	if o != 0 {
		x := t.Vector(o)
		x += flatbuffers.UOffsetT(j) * 4
		return t.Indirect(x), true
	}
	return 0, false
}

func createUint64Vector(b *flatbuffers.Builder, v []uint64) flatbuffers.UOffsetT {
	b.StartVector(8, len(v), 8)
	for i := len(v) - 1; i >= 0; i-- {
		b.PrependUint64(v[i])
	}
	return b.EndVector(len(v))
}

func createOffsetVector(b *flatbuffers.Builder, offsets []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(4, len(offsets), 4)
	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}
	return b.EndVector(len(offsets))
}

func createBytes(b *flatbuffers.Builder, v []byte) flatbuffers.UOffsetT {
	if v == nil {
		return 0
	}
	return b.CreateByteVector(v)
}

/*
 * TableInfo
 */

type TableInfo struct {
	_tab flatbuffers.Table
}

func GetRootAsTableInfo(buf []byte, offset flatbuffers.UOffsetT) *TableInfo {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &TableInfo{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *TableInfo) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *TableInfo) FirstKeyBytes() []byte { return getBytes(&rcv._tab, 0) }
func (rcv *TableInfo) LastKeyBytes() []byte  { return getBytes(&rcv._tab, 1) }
func (rcv *TableInfo) MinEpoch() uint64      { return getUint64(&rcv._tab, 2) }
func (rcv *TableInfo) MaxEpoch() uint64      { return getUint64(&rcv._tab, 3) }
func (rcv *TableInfo) IndexOffset() uint64   { return getUint64(&rcv._tab, 4) }
func (rcv *TableInfo) IndexLen() uint64      { return getUint64(&rcv._tab, 5) }
func (rcv *TableInfo) FilterOffset() uint64  { return getUint64(&rcv._tab, 6) }
func (rcv *TableInfo) FilterLen() uint64     { return getUint64(&rcv._tab, 7) }
func (rcv *TableInfo) EntryCount() uint64    { return getUint64(&rcv._tab, 8) }
func (rcv *TableInfo) Compression() int8     { return getInt8(&rcv._tab, 9) }

func TableInfoStart(builder *flatbuffers.Builder) {
	builder.StartObject(10)
}
func TableInfoAddFirstKey(builder *flatbuffers.Builder, firstKey flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(0, firstKey, 0)
}
func TableInfoAddLastKey(builder *flatbuffers.Builder, lastKey flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(1, lastKey, 0)
}
func TableInfoAddMinEpoch(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(2, v, 0)
}
func TableInfoAddMaxEpoch(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(3, v, 0)
}
func TableInfoAddIndexOffset(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(4, v, 0)
}
func TableInfoAddIndexLen(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(5, v, 0)
}
func TableInfoAddFilterOffset(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(6, v, 0)
}
func TableInfoAddFilterLen(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(7, v, 0)
}
func TableInfoAddEntryCount(builder *flatbuffers.Builder, v uint64) {
	builder.PrependUint64Slot(8, v, 0)
}
func TableInfoAddCompression(builder *flatbuffers.Builder, v int8) {
	builder.PrependInt8Slot(9, v, 0)
}
func TableInfoEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}

/*
 * BlockMeta
 */

type BlockMeta struct {
	_tab flatbuffers.Table
}

func (rcv *BlockMeta) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *BlockMeta) Offset() uint64        { return getUint64(&rcv._tab, 0) }
func (rcv *BlockMeta) FirstKeyBytes() []byte { return getBytes(&rcv._tab, 1) }
func (rcv *BlockMeta) LastKeyBytes() []byte  { return getBytes(&rcv._tab, 2) }

type BlockMetaT struct {
	Offset   uint64
	FirstKey []byte
	LastKey  []byte
}

func (t *BlockMetaT) Pack(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	if t == nil {
		return 0
	}
	firstKey := createBytes(builder, t.FirstKey)
	lastKey := createBytes(builder, t.LastKey)
	builder.StartObject(3)
	builder.PrependUint64Slot(0, t.Offset, 0)
	builder.PrependUOffsetTSlot(1, firstKey, 0)
	builder.PrependUOffsetTSlot(2, lastKey, 0)
	return builder.EndObject()
}

func (rcv *BlockMeta) UnPack() *BlockMetaT {
	return &BlockMetaT{
		Offset:   rcv.Offset(),
		FirstKey: rcv.FirstKeyBytes(),
		LastKey:  rcv.LastKeyBytes(),
	}
}

/*
 * TableIndex
 */

type TableIndex struct {
	_tab flatbuffers.Table
}

func GetRootAsTableIndex(buf []byte, offset flatbuffers.UOffsetT) *TableIndex {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &TableIndex{}
	x.Init(buf, n+offset)
	return x
}

func (rcv *TableIndex) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *TableIndex) BlockMeta(obj *BlockMeta, j int) bool {
	x, ok := tableElem(&rcv._tab, 0, j)
	if ok {
		obj.Init(rcv._tab.Bytes, x)
	}
	return ok
}

func (rcv *TableIndex) BlockMetaLength() int {
	return vectorLen(&rcv._tab, 0)
}

type TableIndexT struct {
	BlockMeta []*BlockMetaT
}

func (t *TableIndexT) Pack(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	if t == nil {
		return 0
	}
	offsets := make([]flatbuffers.UOffsetT, len(t.BlockMeta))
	for i, m := range t.BlockMeta {
		offsets[i] = m.Pack(builder)
	}
	vec := createOffsetVector(builder, offsets)
	builder.StartObject(1)
	builder.PrependUOffsetTSlot(0, vec, 0)
	return builder.EndObject()
}

func (rcv *TableIndex) UnPack() *TableIndexT {
	t := &TableIndexT{BlockMeta: make([]*BlockMetaT, rcv.BlockMetaLength())}
	var m BlockMeta
	for j := range t.BlockMeta {
		rcv.BlockMeta(&m, j)
		t.BlockMeta[j] = m.UnPack()
	}
	return t
}
