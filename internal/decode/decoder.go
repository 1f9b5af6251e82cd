package decode

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/agentic-research/lodestone/internal/scan"
)

// Value is one decoded field. Known is false when the field could not be
// read or failed its sanity check.
type Value struct {
	Known bool    `json:"known"`
	Uint  uint64  `json:"uint,omitempty"`
	Float float64 `json:"float,omitempty"`
}

// Record is one candidate sub-record extracted at an anchor.
type Record struct {
	Layout string           `json:"layout"`
	Kind   string           `json:"kind"`
	File   string           `json:"file"`
	Offset uint64           `json:"offset"`
	Fields map[string]Value `json:"fields"`
}

// Recipe is a record reduced to a recipe link between two GUIDs. Optional
// fields are nil when unknown.
type Recipe struct {
	Kind           string   `json:"kind"`
	Input          uint64   `json:"input"`
	Output         uint64   `json:"output"`
	InputQuantity  *uint64  `json:"input_quantity"`
	OutputQuantity *uint64  `json:"output_quantity"`
	Minutes        *float64 `json:"minutes"`
	File           string   `json:"file"`
	Offset         uint64   `json:"offset"`
}

// Recipe returns the link carried by r. ok is false unless both the input
// and the output resolved.
func (r Record) Recipe() (Recipe, bool) {
	in, out := r.Fields[FieldInput], r.Fields[FieldOutput]
	if !in.Known || !out.Known {
		return Recipe{}, false
	}
	rec := Recipe{Kind: r.Kind, Input: in.Uint, Output: out.Uint, File: r.File, Offset: r.Offset}
	if v := r.Fields[FieldInputQuantity]; v.Known {
		rec.InputQuantity = &v.Uint
	}
	if v := r.Fields[FieldOutputQuantity]; v.Known {
		rec.OutputQuantity = &v.Uint
	}
	if v := r.Fields[FieldMinutes]; v.Known {
		rec.Minutes = &v.Float
	}
	return rec, true
}

// Decoder applies a layout table. Known reports whether a GUID names a
// catalog entity; entity refs that do not resolve become unknown.
type Decoder struct {
	table Table
	known func(uint64) bool
}

// NewDecoder creates a Decoder for t. A nil known accepts every reference.
func NewDecoder(t Table, known func(uint64) bool) *Decoder {
	if known == nil {
		known = func(uint64) bool { return true }
	}
	return &Decoder{table: t, known: known}
}

// Decode extracts the record anchored at offset, which is the file offset of
// the anchor string of layout name. It fails only on I/O errors or an
// unknown layout; field-level problems are returned as diagnostics.
func (d *Decoder) Decode(r io.ReaderAt, file, name string, offset uint64) (Record, []diag.Entry, error) {
	l, ok := d.table[name]
	if !ok {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrUnknownAnchor, name)
	}
	window, err := scan.ReadSpan(r, int64(offset)+int64(len(l.Anchor)), l.window())
	if err != nil {
		return Record{}, nil, fmt.Errorf("read %s window at %d: %w", l.Name, offset, err)
	}

	rec := Record{Layout: l.Name, Kind: l.Kind, File: file, Offset: offset, Fields: map[string]Value{}}
	var issues []diag.Entry
	for _, f := range l.Fields {
		v, reason := d.field(window, f)
		rec.Fields[f.Name] = v
		if v.Known {
			continue
		}
		kind := diag.KindLowConfidence
		if f.Role == RoleEntityRef && reason == reasonUnresolved {
			kind = diag.KindUnresolvedReference
		}
		issues = append(issues, diag.Entry{
			Kind:    kind,
			File:    file,
			Offset:  int64(offset),
			Subject: l.Name + "." + f.Name,
			Message: reason,
		})
	}
	return rec, issues, nil
}

const (
	reasonNoLabel    = "label not found"
	reasonNoMarker   = "marker not found"
	reasonShort      = "field past end of window"
	reasonRange      = "value outside plausible range"
	reasonUnresolved = "reference does not resolve"
)

func (d *Decoder) field(window []byte, f Field) (Value, string) {
	pos := 0
	if f.Locate != "" {
		i := bytes.Index(window, []byte(f.Locate))
		if i < 0 {
			return Value{}, reasonNoLabel
		}
		pos = i + len(f.Locate)
	}
	if f.Marker != "" {
		marker, _ := hex.DecodeString(f.Marker) // checked by Validate
		i := bytes.Index(window[pos:], marker)
		if i < 0 {
			return Value{}, reasonNoMarker
		}
		pos += i + len(marker)
	}
	pos += f.Offset

	probes := max(f.Scan, 1)
	reason := reasonShort
	for p := pos; p < pos+probes; p++ {
		u, fl, ok := read(window, p, f.Encoding)
		if !ok {
			break
		}
		num := float64(u)
		if f.Encoding.float() {
			num = fl
		}
		if math.IsNaN(num) || (f.Min != nil && num < *f.Min) || (f.Max != nil && num > *f.Max) {
			reason = reasonRange
			continue
		}
		if f.Role == RoleEntityRef && (u == 0 || !d.known(u)) {
			reason = reasonUnresolved
			continue
		}
		if f.Encoding.float() {
			return Value{Known: true, Float: math.Round(fl*1e4) / 1e4}, ""
		}
		return Value{Known: true, Uint: u}, ""
	}
	return Value{}, reason
}

// read decodes one value at buf[pos]. Floats are returned in the second
// result, integers in the first.
func read(buf []byte, pos int, enc Encoding) (uint64, float64, bool) {
	if pos < 0 || pos >= len(buf) {
		return 0, 0, false
	}
	b := buf[pos:]
	if enc == MsgpackUint {
		switch {
		case b[0] <= 0x7f:
			return uint64(b[0]), 0, true
		case b[0] == 0xcc && len(b) >= 2:
			return uint64(b[1]), 0, true
		case b[0] == 0xcd && len(b) >= 3:
			return uint64(binary.BigEndian.Uint16(b[1:])), 0, true
		case b[0] == 0xce && len(b) >= 5:
			return uint64(binary.BigEndian.Uint32(b[1:])), 0, true
		case b[0] == 0xcf && len(b) >= 9:
			return binary.BigEndian.Uint64(b[1:]), 0, true
		}
		return 0, 0, false
	}
	if need := enc.width(); need == 0 || len(b) < need {
		return 0, 0, false
	}
	switch enc {
	case U8:
		return uint64(b[0]), 0, true
	case U16LE:
		return uint64(binary.LittleEndian.Uint16(b)), 0, true
	case U32LE:
		return uint64(binary.LittleEndian.Uint32(b)), 0, true
	case U64LE:
		return binary.LittleEndian.Uint64(b), 0, true
	case U64BE:
		return binary.BigEndian.Uint64(b), 0, true
	case F32BE:
		return 0, float64(math.Float32frombits(binary.BigEndian.Uint32(b))), true
	case F32LE:
		return 0, float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), true
	}
	return 0, 0, false
}

// DecodeAll decodes every anchor hit. hits maps layout name to ascending
// anchor offsets; names missing from the table are skipped.
func (d *Decoder) DecodeAll(r io.ReaderAt, file string, hits map[string][]uint64) ([]Record, []diag.Entry, error) {
	var (
		records []Record
		issues  []diag.Entry
	)
	for _, name := range d.table.Names() {
		for _, off := range hits[name] {
			rec, is, err := d.Decode(r, file, name, off)
			if err != nil {
				return records, issues, err
			}
			records = append(records, rec)
			issues = append(issues, is...)
		}
	}
	return records, issues, nil
}

// Recipes reduces records to recipe links, keeping the first record seen
// for each (kind, input, output). Records whose input or output is unknown
// are reported and dropped.
func Recipes(records []Record) ([]Recipe, []diag.Entry) {
	type pair struct {
		kind    string
		in, out uint64
	}
	seen := map[pair]bool{}
	var (
		out    []Recipe
		issues []diag.Entry
	)
	for _, r := range records {
		rec, ok := r.Recipe()
		if !ok {
			issues = append(issues, diag.Entry{
				Kind:    diag.KindUnresolvedReference,
				File:    r.File,
				Offset:  int64(r.Offset),
				Subject: r.Layout,
				Message: "recipe dropped: input or output unknown",
			})
			continue
		}
		k := pair{rec.Kind, rec.Input, rec.Output}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, rec)
	}
	return out, issues
}

// String renders a value for the layout probe output.
func (v Value) String() string {
	switch {
	case !v.Known:
		return "unknown"
	case v.Float != 0:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	default:
		return strconv.FormatUint(v.Uint, 10)
	}
}
