package manifest

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

var ErrInvalidDelta = errors.New("invalid version delta")

// TableMeta describes a table file registered in a Version
type TableMeta struct {
	ID         sstable.ID
	Level      int
	Size       uint64
	FirstKey   []byte
	LastKey    []byte
	MinEpoch   types.Epoch
	MaxEpoch   types.Epoch
	EntryCount uint64
}

// NewTableMeta returns the TableMeta of a table file written to level
func NewTableMeta(h *sstable.Handle, level int, size uint64) TableMeta {
	return TableMeta{
		ID:         h.ID,
		Level:      level,
		Size:       size,
		FirstKey:   h.Info.FirstKey,
		LastKey:    h.Info.LastKey,
		MinEpoch:   h.Info.MinEpoch,
		MaxEpoch:   h.Info.MaxEpoch,
		EntryCount: h.Info.EntryCount,
	}
}

// Overlaps returns true if the key range of the table intersects rng
func (t TableMeta) Overlaps(rng types.KeyRange) bool {
	return rng.Overlaps(t.FirstKey, t.LastKey)
}

func (t TableMeta) String() string {
	return fmt.Sprintf("%d[%q..%q]@%d-%d", t.ID, t.FirstKey, t.LastKey, t.MinEpoch, t.MaxEpoch)
}

// Version is an immutable snapshot of the set of table files that make up
// the store. Level 0 tables may overlap and are ordered newest first, tables
// of deeper levels are sorted by first key and never overlap.
type Version struct {
	ID uint64
	// Watermark is the greatest epoch such that every epoch <= Watermark
	// has been committed or aborted
	Watermark types.Epoch
	// SafeEpoch is the garbage collection floor applied by compactions. Reads
	// below SafeEpoch may be missing versions that were discarded.
	SafeEpoch types.Epoch
	Levels    [][]TableMeta
}

// Delta is the change from BaseVersionID to VersionID. Added tables carry the
// level they are added to.
type Delta struct {
	VersionID       uint64
	BaseVersionID   uint64
	Added           []TableMeta
	Removed         []sstable.ID
	CommittedEpochs []types.Epoch
	Watermark       types.Epoch
	SafeEpoch       types.Epoch
}

func (d *Delta) String() string {
	added := make([]string, 0, len(d.Added))
	for _, t := range d.Added {
		added = append(added, fmt.Sprintf("L%d:%d", t.Level, t.ID))
	}
	return fmt.Sprintf("delta %d->%d added=[%s] removed=%v epochs=%v watermark=%d safe=%d",
		d.BaseVersionID, d.VersionID, strings.Join(added, " "), d.Removed, d.CommittedEpochs,
		d.Watermark, d.SafeEpoch)
}

// NumLevels returns the number of levels including empty trailing levels
func (v *Version) NumLevels() int {
	return len(v.Levels)
}

// Level returns the tables of level, nil if the level does not exist
func (v *Version) Level(level int) []TableMeta {
	if level >= len(v.Levels) {
		return nil
	}
	return v.Levels[level]
}

// LevelSize returns the total size in bytes of the tables in level
func (v *Version) LevelSize(level int) uint64 {
	var size uint64
	for _, t := range v.Level(level) {
		size += t.Size
	}
	return size
}

// Tables calls fn for every table of every level
func (v *Version) Tables(fn func(t TableMeta) bool) {
	for _, level := range v.Levels {
		for _, t := range level {
			if !fn(t) {
				return
			}
		}
	}
}

// Table returns the table with id if the version contains it
func (v *Version) Table(id sstable.ID) (TableMeta, bool) {
	var found TableMeta
	var ok bool
	v.Tables(func(t TableMeta) bool {
		if t.ID == id {
			found, ok = t, true
			return false
		}
		return true
	})
	return found, ok
}

func (v *Version) Contains(id sstable.ID) bool {
	_, ok := v.Table(id)
	return ok
}

// Candidates returns the tables that may hold a version of key with an epoch
// <= epoch. Every level is consulted since versions of a key may be spread
// across levels.
func (v *Version) Candidates(key []byte, epoch types.Epoch) []TableMeta {
	rng := types.KeyRange{Start: key, End: key, EndInclusive: true}
	var out []TableMeta
	v.Tables(func(t TableMeta) bool {
		if t.MinEpoch <= epoch && t.Overlaps(rng) {
			out = append(out, t)
		}
		return true
	})
	return out
}

// Overlapping returns the tables of level that intersect rng
func (v *Version) Overlapping(level int, rng types.KeyRange) []TableMeta {
	var out []TableMeta
	for _, t := range v.Level(level) {
		if t.Overlaps(rng) {
			out = append(out, t)
		}
	}
	return out
}

// Apply returns the version produced by applying d to v. v is not modified.
func (v *Version) Apply(d *Delta) (*Version, error) {
	if d.BaseVersionID != v.ID {
		return nil, errors.Wrapf(types.ErrConflict, "delta base %d, current version %d", d.BaseVersionID, v.ID)
	}

	next := &Version{
		ID:        v.ID + 1,
		Watermark: max(v.Watermark, d.Watermark),
		SafeEpoch: max(v.SafeEpoch, d.SafeEpoch),
		Levels:    make([][]TableMeta, len(v.Levels)),
	}

	removed := make(map[sstable.ID]bool, len(d.Removed))
	for _, id := range d.Removed {
		if !v.Contains(id) {
			return nil, errors.Wrapf(ErrInvalidDelta, "removed table %d is not in version %d", id, v.ID)
		}
		removed[id] = true
	}
	for i, level := range v.Levels {
		next.Levels[i] = make([]TableMeta, 0, len(level))
		for _, t := range level {
			if !removed[t.ID] {
				next.Levels[i] = append(next.Levels[i], t)
			}
		}
	}

	var l0 []TableMeta
	for _, t := range d.Added {
		if v.Contains(t.ID) && !removed[t.ID] {
			return nil, errors.Wrapf(ErrInvalidDelta, "added table %d is already in version %d", t.ID, v.ID)
		}
		if t.Level < 0 {
			return nil, errors.Wrapf(ErrInvalidDelta, "table %d has negative level %d", t.ID, t.Level)
		}
		for len(next.Levels) <= t.Level {
			next.Levels = append(next.Levels, nil)
		}
		if t.Level == 0 {
			l0 = append(l0, t)
			continue
		}
		next.Levels[t.Level] = append(next.Levels[t.Level], t)
	}
	if len(next.Levels) == 0 {
		next.Levels = append(next.Levels, nil)
	}
	next.Levels[0] = append(l0, next.Levels[0]...)

	for i := 1; i < len(next.Levels); i++ {
		level := next.Levels[i]
		slices.SortFunc(level, func(a, b TableMeta) int {
			return bytes.Compare(a.FirstKey, b.FirstKey)
		})
		for j := 1; j < len(level); j++ {
			if bytes.Compare(level[j-1].LastKey, level[j].FirstKey) >= 0 {
				return nil, errors.Wrapf(ErrInvalidDelta, "tables %s and %s overlap in level %d",
					level[j-1], level[j], i)
			}
		}
	}
	return next, nil
}

func (v *Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version %d watermark=%d safe=%d", v.ID, v.Watermark, v.SafeEpoch)
	for i, level := range v.Levels {
		fmt.Fprintf(&b, "\n  L%d:", i)
		for _, t := range level {
			fmt.Fprintf(&b, " %s", t)
		}
	}
	return b.String()
}
