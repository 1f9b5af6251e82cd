// Package match finds literal byte strings and fixed-width integer literals
// in scanned windows. All needles share one multi-pattern pass per window.
package match

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/agentic-research/lodestone/internal/scan"
	billy "github.com/go-git/go-billy/v5"
)

var ErrEmptyNeedle = errors.New("empty needle")

// Needle is a literal byte pattern. Numeric needles carry the integer they
// were compiled from so callers can map hits back to GUIDs.
type Needle struct {
	ID              string
	Pattern         []byte
	CaseInsensitive bool
	Numeric         bool
	Value           uint64
}

// NumericRule expands a set of integer values into fixed-width byte needles.
// Little-endian is the layout used by the scene containers; big-endian
// exists for probing other encodings.
type NumericRule struct {
	Prefix    string
	Width     int // 2, 4 or 8
	BigEndian bool
	Values    []uint64
}

// Compile returns one needle per value, named Prefix+value.
func (r NumericRule) Compile() ([]Needle, error) {
	switch r.Width {
	case 2, 4, 8:
	default:
		return nil, fmt.Errorf("numeric rule %q: unsupported width %d", r.Prefix, r.Width)
	}
	needles := make([]Needle, 0, len(r.Values))
	for _, v := range r.Values {
		if r.Width < 8 && v>>(8*r.Width) != 0 {
			return nil, fmt.Errorf("numeric rule %q: value %d does not fit in %d bytes", r.Prefix, v, r.Width)
		}
		var buf [8]byte
		if r.BigEndian {
			binary.BigEndian.PutUint64(buf[:], v)
			needles = append(needles, Needle{
				ID:      r.Prefix + strconv.FormatUint(v, 10),
				Pattern: append([]byte(nil), buf[8-r.Width:]...),
				Numeric: true,
				Value:   v,
			})
			continue
		}
		binary.LittleEndian.PutUint64(buf[:], v)
		needles = append(needles, Needle{
			ID:      r.Prefix + strconv.FormatUint(v, 10),
			Pattern: append([]byte(nil), buf[:r.Width]...),
			Numeric: true,
			Value:   v,
		})
	}
	return needles, nil
}

// Hit is one occurrence of a needle. Offset is absolute within the file.
type Hit struct {
	Needle int
	Offset int64
}

// Matcher holds the compiled automata for a needle set. It is immutable and
// safe for concurrent use.
type Matcher struct {
	needles []Needle
	lengths []int
	exact   *automaton
	folded  *automaton
	maxLen  int
}

// New compiles literal needles and numeric rules into a Matcher.
func New(needles []Needle, rules ...NumericRule) (*Matcher, error) {
	all := append([]Needle(nil), needles...)
	for _, r := range rules {
		compiled, err := r.Compile()
		if err != nil {
			return nil, err
		}
		all = append(all, compiled...)
	}

	m := &Matcher{
		needles: all,
		lengths: make([]int, len(all)),
		exact:   newAutomaton(false),
		folded:  newAutomaton(true),
	}
	for i, n := range all {
		if len(n.Pattern) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyNeedle, n.ID)
		}
		m.lengths[i] = len(n.Pattern)
		m.maxLen = max(m.maxLen, len(n.Pattern))
		if n.CaseInsensitive {
			m.folded.insert(n.Pattern, int32(i))
		} else {
			m.exact.insert(n.Pattern, int32(i))
		}
	}
	m.exact.link()
	m.folded.link()
	return m, nil
}

// Needles returns the compiled needle list; Hit.Needle indexes into it.
func (m *Matcher) Needles() []Needle { return m.needles }

// MaxLen is the length of the longest needle, which bounds the overlap the
// scanner needs.
func (m *Matcher) MaxLen() int { return m.maxLen }

// Find reports every needle occurrence in the window. It does not know about
// window boundaries; the scanner's overlap guarantees straddling matches are
// seen whole in some window.
func (m *Matcher) Find(w scan.Window, fn func(Hit)) {
	report := func(id int32, end int) {
		start := end - m.lengths[id] + 1
		fn(Hit{Needle: int(id), Offset: w.Offset + int64(start)})
	}
	if !m.exact.empty() {
		m.exact.run(w.Data, report)
	}
	if !m.folded.empty() {
		m.folded.run(w.Data, report)
	}
}

// ScanFile runs the scanner over path and collects every hit. The overlap is
// checked against the longest needle before any byte is read. limit caps the
// number of distinct hits kept (0 means unlimited) and yields ErrHitLimit
// when exceeded.
func (m *Matcher) ScanFile(ctx context.Context, s scan.Scanner, fsys billy.Filesystem, path string, limit uint64) (*HitSet, int64, error) {
	if err := s.Validate(m.maxLen); err != nil {
		return nil, 0, err
	}
	hits := NewHitSet(len(m.needles))
	var scanned int64
	err := s.ScanFile(ctx, fsys, path, func(w scan.Window) error {
		m.Find(w, hits.Add)
		scanned = w.End()
		if limit > 0 && hits.Total() > limit {
			return fmt.Errorf("%w: %d hits in %s", ErrHitLimit, hits.Total(), path)
		}
		return nil
	})
	return hits, scanned, err
}
