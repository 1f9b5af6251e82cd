package match

import (
	"errors"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// ErrHitLimit is returned when a scan accumulates more hits than its budget.
var ErrHitLimit = errors.New("hit limit exceeded")

// HitSet accumulates hit offsets per needle. Offsets found twice because of
// window overlap collapse to one entry, and iteration is always ascending,
// which makes the result independent of the chunk size.
type HitSet struct {
	sets  []*roaring64.Bitmap
	total uint64
}

// NewHitSet creates a HitSet for a matcher with the given number of needles.
func NewHitSet(needles int) *HitSet {
	return &HitSet{sets: make([]*roaring64.Bitmap, needles)}
}

// Add records a hit.
func (h *HitSet) Add(hit Hit) {
	bm := h.sets[hit.Needle]
	if bm == nil {
		bm = roaring64.New()
		h.sets[hit.Needle] = bm
	}
	if bm.CheckedAdd(uint64(hit.Offset)) {
		h.total++
	}
}

// Offsets returns the sorted offsets recorded for needle i.
func (h *HitSet) Offsets(i int) []uint64 {
	if bm := h.sets[i]; bm != nil {
		return bm.ToArray()
	}
	return nil
}

// Count returns the number of distinct offsets for needle i.
func (h *HitSet) Count(i int) uint64 {
	if bm := h.sets[i]; bm != nil {
		return bm.GetCardinality()
	}
	return 0
}

// Total is the number of distinct hits across all needles.
func (h *HitSet) Total() uint64 { return h.total }

// Each visits needles with at least one hit in needle order.
func (h *HitSet) Each(fn func(needle int, offsets []uint64)) {
	for i, bm := range h.sets {
		if bm == nil || bm.IsEmpty() {
			continue
		}
		fn(i, bm.ToArray())
	}
}
