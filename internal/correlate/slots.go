package correlate

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/agentic-research/lodestone/internal/scan"
)

// SlotProbe describes the loadout block observed after a weapon GUID in scene
// containers: a marker byte followed by fixed-stride slot entries, each
// starting with a little-endian uint64 GUID. A zero GUID ends the list.
type SlotProbe struct {
	Marker byte `json:"marker"`
	Stride int  `json:"stride"`
	Slots  int  `json:"slots"`
	Window int  `json:"window"`
}

// DefaultSlotProbe matches the layout seen in static scene bundles.
var DefaultSlotProbe = SlotProbe{Marker: 0x22, Stride: 16, Slots: 4, Window: 256}

// Probe reads the window after each anchor offset and returns the slot GUIDs
// found there as partner occurrences. The marker byte is common, so every
// marker position in the window is tried and the one whose slots hold the
// most known values wins; ties go to the earliest. Unknown values of the
// winning candidate are kept so the caller can report them. Anchors with no
// candidate holding a known value contribute nothing.
func Probe(r io.ReaderAt, anchors Occurrences, p SlotProbe, known func(uint64) bool) (Occurrences, error) {
	out := Occurrences{}
	if p.Stride <= 0 || p.Slots <= 0 || p.Window <= 0 {
		return out, nil
	}
	span := p.Window + 1 + p.Stride*p.Slots
	for _, offs := range anchors {
		for _, a := range offs {
			start := int64(a) + 1
			buf, err := scan.ReadSpan(r, start, span)
			if err != nil {
				return nil, err
			}
			best, bestKnown := []Point(nil), 0
			limit := min(p.Window, len(buf))
			for at := 0; at < limit; {
				i := bytes.IndexByte(buf[at:limit], p.Marker)
				if i < 0 {
					break
				}
				at += i
				slots, n := p.read(buf, at, uint64(start), known)
				if n > bestKnown {
					best, bestKnown = slots, n
				}
				at++
			}
			for _, pt := range best {
				out.Add(pt.Value, pt.Offset)
			}
		}
	}
	out.Normalize()
	return out, nil
}

// read decodes the slot run after the marker at buf[at]. base is the file
// offset of buf[0].
func (p SlotProbe) read(buf []byte, at int, base uint64, known func(uint64) bool) ([]Point, int) {
	var pts []Point
	n := 0
	for slot := 0; slot < p.Slots; slot++ {
		pos := at + 1 + slot*p.Stride
		if pos+8 > len(buf) {
			break
		}
		v := binary.LittleEndian.Uint64(buf[pos : pos+8])
		if v == 0 {
			break
		}
		if known(v) {
			n++
		}
		pts = append(pts, Point{Offset: base + uint64(pos), Value: v})
	}
	return pts, n
}
