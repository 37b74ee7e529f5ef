package manifest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/tidewave/statestore/internal/flatbuf"
	"github.com/tidewave/statestore/internal/types"
)

const sizeOfUint32 = 4

// EncodeDelta encodes d as a flatbuf.VersionDelta followed by a CRC32
// checksum of the encoded bytes
func EncodeDelta(d *Delta) []byte {
	t := &flatbuf.VersionDeltaT{
		VersionId:       d.VersionID,
		BaseVersionId:   d.BaseVersionID,
		Added:           tableMetasToFlatBuf(d.Added),
		Removed:         d.Removed,
		CommittedEpochs: d.CommittedEpochs,
		Watermark:       d.Watermark,
		SafeEpoch:       d.SafeEpoch,
	}
	builder := flatbuffers.NewBuilder(256)
	builder.Finish(t.Pack(builder))
	return withChecksum(builder.FinishedBytes())
}

func DecodeDelta(b []byte) (*Delta, error) {
	buf, err := verifyChecksum(b, "version delta")
	if err != nil {
		return nil, err
	}
	t := flatbuf.GetRootAsVersionDelta(buf, 0).UnPack()
	return &Delta{
		VersionID:       t.VersionId,
		BaseVersionID:   t.BaseVersionId,
		Added:           tableMetasFromFlatBuf(t.Added),
		Removed:         t.Removed,
		CommittedEpochs: t.CommittedEpochs,
		Watermark:       t.Watermark,
		SafeEpoch:       t.SafeEpoch,
	}, nil
}

// EncodeVersion encodes v as a flatbuf.VersionCheckpoint followed by a CRC32
// checksum of the encoded bytes
func EncodeVersion(v *Version) []byte {
	t := &flatbuf.VersionCheckpointT{
		VersionId: v.ID,
		Watermark: v.Watermark,
		SafeEpoch: v.SafeEpoch,
		Levels:    make([]*flatbuf.LevelTablesT, len(v.Levels)),
	}
	for i, level := range v.Levels {
		t.Levels[i] = &flatbuf.LevelTablesT{Tables: tableMetasToFlatBuf(level)}
	}
	builder := flatbuffers.NewBuilder(1024)
	builder.Finish(t.Pack(builder))
	return withChecksum(builder.FinishedBytes())
}

func DecodeVersion(b []byte) (*Version, error) {
	buf, err := verifyChecksum(b, "version checkpoint")
	if err != nil {
		return nil, err
	}
	t := flatbuf.GetRootAsVersionCheckpoint(buf, 0).UnPack()
	v := &Version{
		ID:        t.VersionId,
		Watermark: t.Watermark,
		SafeEpoch: t.SafeEpoch,
		Levels:    make([][]TableMeta, len(t.Levels)),
	}
	for i, level := range t.Levels {
		v.Levels[i] = tableMetasFromFlatBuf(level.Tables)
	}
	if len(v.Levels) == 0 {
		v.Levels = [][]TableMeta{nil}
	}
	return v, nil
}

func withChecksum(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

func verifyChecksum(b []byte, what string) ([]byte, error) {
	if len(b) <= sizeOfUint32 {
		return nil, types.Corruptf("corrupt %s: too small", what)
	}
	i := len(b) - sizeOfUint32
	if binary.BigEndian.Uint32(b[i:]) != crc32.ChecksumIEEE(b[:i]) {
		return nil, types.Corruptf("corrupt %s: checksum mismatch", what)
	}
	return b[:i], nil
}

func tableMetasToFlatBuf(tables []TableMeta) []*flatbuf.TableMetaT {
	out := make([]*flatbuf.TableMetaT, len(tables))
	for i, t := range tables {
		out[i] = &flatbuf.TableMetaT{
			Id:         t.ID,
			Level:      uint32(t.Level),
			Size:       t.Size,
			FirstKey:   t.FirstKey,
			LastKey:    t.LastKey,
			MinEpoch:   t.MinEpoch,
			MaxEpoch:   t.MaxEpoch,
			EntryCount: t.EntryCount,
		}
	}
	return out
}

func tableMetasFromFlatBuf(tables []*flatbuf.TableMetaT) []TableMeta {
	if len(tables) == 0 {
		return nil
	}
	out := make([]TableMeta, len(tables))
	for i, t := range tables {
		out[i] = TableMeta{
			ID:         t.Id,
			Level:      int(t.Level),
			Size:       t.Size,
			FirstKey:   bytes.Clone(t.FirstKey),
			LastKey:    bytes.Clone(t.LastKey),
			MinEpoch:   t.MinEpoch,
			MaxEpoch:   t.MaxEpoch,
			EntryCount: t.EntryCount,
		}
	}
	return out
}
