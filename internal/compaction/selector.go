package compaction

import (
	"bytes"
	"slices"

	"github.com/samber/mo"

	"github.com/tidewave/statestore/internal/manifest"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/types"
)

// Pick is a set of input tables chosen by the Selector
type Pick struct {
	Inputs      []manifest.TableMeta
	TargetLevel int
}

// KeyRange returns the closed key range covered by the inputs
func (p Pick) KeyRange() types.KeyRange {
	return inputRange(p.Inputs)
}

func inputRange(tables []manifest.TableMeta) types.KeyRange {
	var rng types.KeyRange
	for i, t := range tables {
		if i == 0 || bytes.Compare(t.FirstKey, rng.Start) < 0 {
			rng.Start = t.FirstKey
		}
		if i == 0 || bytes.Compare(t.LastKey, rng.End) > 0 {
			rng.End = t.LastKey
		}
	}
	rng.EndInclusive = true
	return rng
}

// Selector chooses the next compaction from a Version
type Selector struct {
	opts Options
}

func NewSelector(opts Options) Selector {
	opts.setDefaults()
	return Selector{opts: opts}
}

// Pick returns the most urgent compaction of v. Tables for which owned
// returns true belong to an in-flight task and are never picked.
func (s Selector) Pick(v *manifest.Version, owned func(sstable.ID) bool) mo.Option[Pick] {
	if p, ok := s.pickL0(v, owned).Get(); ok {
		return mo.Some(p)
	}
	for level := 1; level < min(v.NumLevels(), s.opts.MaxLevels-1); level++ {
		if v.LevelSize(level) <= s.levelLimit(level) {
			continue
		}
		if p, ok := s.pickLevel(v, level, owned).Get(); ok {
			return mo.Some(p)
		}
	}
	return mo.None[Pick]()
}

// levelLimit returns LevelBaseBytes * LevelMultiplier^(level-1)
func (s Selector) levelLimit(level int) uint64 {
	limit := s.opts.LevelBaseBytes
	for i := 1; i < level; i++ {
		limit *= s.opts.LevelMultiplier
	}
	return limit
}

// pickL0 merges the oldest level 0 tables with every overlapping level 1
// table. Only one level 0 task runs at a time since level 0 tables overlap.
func (s Selector) pickL0(v *manifest.Version, owned func(sstable.ID) bool) mo.Option[Pick] {
	l0 := v.Level(0)
	if len(l0) < s.opts.L0Trigger {
		return mo.None[Pick]()
	}
	for _, t := range l0 {
		if owned(t.ID) {
			return mo.None[Pick]()
		}
	}

	// Level 0 is ordered newest first
	n := min(len(l0), s.opts.MaxL0FilesPerTask)
	inputs := slices.Clone(l0[len(l0)-n:])
	slices.Reverse(inputs)

	overlapping := v.Overlapping(1, inputRange(inputs))
	for _, t := range overlapping {
		if owned(t.ID) {
			return mo.None[Pick]()
		}
	}
	return mo.Some(Pick{Inputs: append(inputs, overlapping...), TargetLevel: 1})
}

// pickLevel merges the oldest table of level with the overlapping tables of
// the next level. Table ids increase over time so the smallest id is oldest.
func (s Selector) pickLevel(v *manifest.Version, level int, owned func(sstable.ID) bool) mo.Option[Pick] {
	candidates := slices.Clone(v.Level(level))
	slices.SortFunc(candidates, func(a, b manifest.TableMeta) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

outer:
	for _, t := range candidates {
		if owned(t.ID) {
			continue
		}
		overlapping := v.Overlapping(level+1, types.KeyRange{Start: t.FirstKey, End: t.LastKey, EndInclusive: true})
		for _, o := range overlapping {
			if owned(o.ID) {
				continue outer
			}
		}
		return mo.Some(Pick{Inputs: append([]manifest.TableMeta{t}, overlapping...), TargetLevel: level + 1})
	}
	return mo.None[Pick]()
}

// canDropTombstones reports whether no table outside inputs could hold an
// older version of a key in the key range of inputs
func canDropTombstones(v *manifest.Version, inputs []manifest.TableMeta) bool {
	in := make(map[sstable.ID]bool, len(inputs))
	for _, t := range inputs {
		in[t.ID] = true
	}
	rng := inputRange(inputs)
	drop := true
	v.Tables(func(t manifest.TableMeta) bool {
		if !in[t.ID] && t.Overlaps(rng) {
			drop = false
		}
		return drop
	})
	return drop
}
