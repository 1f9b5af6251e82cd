// Package correlate pairs numeric-literal occurrences that sit close together
// in a file. Proximity is heuristic evidence that two entities are referenced
// by the same structure, e.g. a weapon and the runes it ships with.
package correlate

import (
	"cmp"
	"slices"
)

const (
	DefaultMaxDistance = 512
	DefaultRegionGap   = 64 << 10
)

// Options bound the correlation. RegionGap controls how far apart two
// repetitions of the same pair may be and still count as one structure.
type Options struct {
	MaxDistance uint64 `json:"max_distance"`
	RegionGap   uint64 `json:"region_gap"`
}

func (o Options) withDefaults() Options {
	if o.MaxDistance == 0 {
		o.MaxDistance = DefaultMaxDistance
	}
	if o.RegionGap == 0 {
		o.RegionGap = DefaultRegionGap
	}
	return o
}

// Occurrences maps a literal value to its ascending file offsets.
type Occurrences map[uint64][]uint64

// Add appends an offset for v. Callers adding out of order must Normalize.
func (o Occurrences) Add(v, offset uint64) {
	o[v] = append(o[v], offset)
}

// Normalize sorts and de-duplicates every offset list.
func (o Occurrences) Normalize() {
	for v, offs := range o {
		slices.Sort(offs)
		o[v] = slices.Compact(offs)
	}
}

// Match is one collapsed proximity relation. Offsets are those of the first
// repetition in the region; Occurrences counts the repetitions.
type Match struct {
	File          string `json:"file"`
	AnchorValue   uint64 `json:"anchor_value"`
	PartnerValue  uint64 `json:"partner_value"`
	AnchorOffset  uint64 `json:"anchor_offset"`
	PartnerOffset uint64 `json:"partner_offset"`
	Distance      int64  `json:"distance"` // partner minus anchor
	Occurrences   int    `json:"occurrences"`
}

// AbsDistance is |partner - anchor|.
func (m Match) AbsDistance() uint64 {
	if m.Distance < 0 {
		return uint64(-m.Distance)
	}
	return uint64(m.Distance)
}

// Point is one literal occurrence.
type Point struct {
	Offset uint64
	Value  uint64
}

func flatten(o Occurrences) []Point {
	var pts []Point
	for v, offs := range o {
		for _, off := range offs {
			pts = append(pts, Point{Offset: off, Value: v})
		}
	}
	slices.SortFunc(pts, func(a, b Point) int {
		return cmp.Or(cmp.Compare(a.Offset, b.Offset), cmp.Compare(a.Value, b.Value))
	})
	return pts
}

// Pair is a raw, uncollapsed proximity hit.
type Pair struct {
	Anchor  Point
	Partner Point
}

// Pairs returns every (anchor, partner) with |a-b| <= maxDistance, ordered by
// anchor offset then partner offset. A literal never pairs with itself.
func Pairs(anchors, partners Occurrences, maxDistance uint64) []Pair {
	as := flatten(anchors)
	ps := flatten(partners)

	var out []Pair
	lo := 0
	for _, a := range as {
		for lo < len(ps) && ps[lo].Offset+maxDistance < a.Offset {
			lo++
		}
		for j := lo; j < len(ps) && ps[j].Offset <= a.Offset+maxDistance; j++ {
			if ps[j].Offset == a.Offset {
				continue
			}
			out = append(out, Pair{Anchor: a, Partner: ps[j]})
		}
	}
	return out
}

type groupKey struct {
	anchor, partner uint64
	distance        int64
}

// Correlate pairs anchors with partners and collapses repetitions: pairs with
// the same values and the same relative distance whose anchors fall within
// RegionGap of the previous repetition become one Match. This keeps
// templated duplicates (difficulty tiers, pooled prefabs) from inflating the
// evidence.
func Correlate(file string, anchors, partners Occurrences, opts Options) []Match {
	opts = opts.withDefaults()
	pairs := Pairs(anchors, partners, opts.MaxDistance)

	open := map[groupKey]int{} // index into out of the region being extended
	last := map[groupKey]uint64{}
	var out []Match
	for _, p := range pairs {
		k := groupKey{
			anchor:   p.Anchor.Value,
			partner:  p.Partner.Value,
			distance: int64(p.Partner.Offset) - int64(p.Anchor.Offset),
		}
		if idx, ok := open[k]; ok && p.Anchor.Offset-last[k] <= opts.RegionGap {
			out[idx].Occurrences++
			last[k] = p.Anchor.Offset
			continue
		}
		open[k] = len(out)
		last[k] = p.Anchor.Offset
		out = append(out, Match{
			File:          file,
			AnchorValue:   k.anchor,
			PartnerValue:  k.partner,
			AnchorOffset:  p.Anchor.Offset,
			PartnerOffset: p.Partner.Offset,
			Distance:      k.distance,
			Occurrences:   1,
		})
	}
	return out
}

// Split separates matches whose partner value is unknown. Unresolved matches
// are kept for diagnostics only.
func Split(matches []Match, known func(uint64) bool) (resolved, unresolved []Match) {
	for _, m := range matches {
		if known(m.AnchorValue) && known(m.PartnerValue) {
			resolved = append(resolved, m)
		} else {
			unresolved = append(unresolved, m)
		}
	}
	return resolved, unresolved
}
