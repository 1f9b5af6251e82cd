// Package cluster groups the raw occurrence offsets of one entity in one file
// into spans that likely belong to the same structural object.
//
// The grouping is a heuristic. Membership in a cluster is evidence of
// locality only: it does not say whether the entity sits in a loot pool, a
// vendor inventory or a cinematic, which is why Kind defaults to "unknown".
package cluster

const (
	DefaultTight      = 50 << 10
	DefaultSeparation = 512 << 10
)

const (
	ConfidenceTight    = "tight"
	ConfidenceIsolated = "isolated"

	SeparationFirst    = "first"
	SeparationAdjacent = "adjacent"
	SeparationDistinct = "distinct"

	KindUnknown = "unknown"
)

// Thresholds: offsets at most Tight apart share a cluster; a new cluster
// further than Separation from the previous one is tagged distinct.
type Thresholds struct {
	Tight      uint64 `json:"tight"`
	Separation uint64 `json:"separation"`
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Tight == 0 {
		t.Tight = DefaultTight
	}
	if t.Separation == 0 {
		t.Separation = DefaultSeparation
	}
	if t.Separation < t.Tight {
		t.Separation = t.Tight
	}
	return t
}

// Cluster is immutable once returned.
type Cluster struct {
	Start      uint64   `json:"start"`
	End        uint64   `json:"end"`
	Members    int      `json:"members"`
	Confidence string   `json:"confidence"`
	Separation string   `json:"separation"`
	Kind       string   `json:"kind"`
	Context    []string `json:"context,omitempty"`
}

// Sweep partitions ascending offsets in one left-to-right pass. The result
// is ordered and non-overlapping. Unsorted input yields undefined grouping.
func Sweep(offsets []uint64, th Thresholds) []Cluster {
	th = th.withDefaults()
	var out []Cluster
	for i, off := range offsets {
		if i == 0 {
			out = append(out, open(off, SeparationFirst))
			continue
		}
		cur := &out[len(out)-1]
		gap := off - cur.End
		if gap <= th.Tight {
			cur.End = off
			cur.Members++
			continue
		}
		sep := SeparationAdjacent
		if gap > th.Separation {
			sep = SeparationDistinct
		}
		out = append(out, open(off, sep))
	}
	for i := range out {
		if out[i].Members >= 2 {
			out[i].Confidence = ConfidenceTight
		}
	}
	return out
}

func open(off uint64, sep string) Cluster {
	return Cluster{
		Start:      off,
		End:        off,
		Members:    1,
		Confidence: ConfidenceIsolated,
		Separation: sep,
		Kind:       KindUnknown,
	}
}
