// Package decode extracts fixed-shape sub-records from the database blob.
//
// The blob's record layout is only partially understood, so decoding is
// driven by a table of named anchors, each selecting a Layout. Layouts are
// provisional: every field is decoded independently and a field that cannot
// be read or fails its sanity range becomes unknown without rejecting the
// record.
package decode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// Encoding names how a field's bytes are interpreted.
type Encoding string

const (
	U8          Encoding = "u8"
	U16LE       Encoding = "u16le"
	U32LE       Encoding = "u32le"
	U64LE       Encoding = "u64le"
	U64BE       Encoding = "u64be"
	F32BE       Encoding = "f32be"
	F32LE       Encoding = "f32le"
	MsgpackUint Encoding = "msgpack_uint"
)

func (e Encoding) float() bool { return e == F32BE || e == F32LE }

// width is the fixed size in bytes, 0 for variable-width encodings.
func (e Encoding) width() int {
	switch e {
	case U8:
		return 1
	case U16LE:
		return 2
	case U32LE, F32BE, F32LE:
		return 4
	case U64LE, U64BE:
		return 8
	}
	return 0
}

// Role says what a decoded value means and how it is sanity-checked.
type Role string

const (
	RoleEntityRef Role = "entity_ref"
	RoleQuantity  Role = "quantity"
	RoleMinutes   Role = "duration_minutes"
)

// Well-known field names. A recipe link is built from these.
const (
	FieldInput          = "input"
	FieldOutput         = "output"
	FieldInputQuantity  = "input_quantity"
	FieldOutputQuantity = "output_quantity"
	FieldMinutes        = "minutes"
)

// DefaultWindow is how many bytes after the anchor a layout may look at.
const DefaultWindow = 512

var (
	ErrInvalidLayout = errors.New("invalid layout")
	ErrUnknownAnchor = errors.New("unknown anchor")
)

// Field locates and interprets one value relative to the anchor.
//
// The read position starts at the end of the anchor. If Locate is set the
// position moves to just past the first occurrence of that ASCII label in
// the window; if Marker (hex) is set it then moves past the first
// occurrence of the marker bytes. Offset is added last. Scan > 1 probes that
// many successive positions and keeps the first value inside [Min, Max].
type Field struct {
	Name     string   `json:"name" hcl:"name,label"`
	Role     Role     `json:"role" hcl:"role"`
	Encoding Encoding `json:"encoding" hcl:"encoding"`
	Locate   string   `json:"locate,omitempty" hcl:"locate,optional"`
	Marker   string   `json:"marker,omitempty" hcl:"marker,optional"`
	Offset   int      `json:"offset,omitempty" hcl:"offset,optional"`
	Scan     int      `json:"scan,omitempty" hcl:"scan,optional"`
	Min      *float64 `json:"min,omitempty" hcl:"min,optional"`
	Max      *float64 `json:"max,omitempty" hcl:"max,optional"`
}

// Layout is one decoding variant selected by its anchor.
type Layout struct {
	Name   string  `json:"name" hcl:"name,label"`
	Anchor string  `json:"anchor" hcl:"anchor"`
	Kind   string  `json:"kind" hcl:"kind"`
	Window int     `json:"window,omitempty" hcl:"window,optional"`
	Fields []Field `json:"fields" hcl:"field,block"`
}

func (l Layout) window() int {
	if l.Window <= 0 {
		return DefaultWindow
	}
	return l.Window
}

// Validate reports the first structural problem in l.
func (l Layout) Validate() error {
	if l.Name == "" || l.Anchor == "" {
		return fmt.Errorf("%w: layout needs a name and an anchor", ErrInvalidLayout)
	}
	if l.Kind == "" {
		return fmt.Errorf("%w: layout %q has no kind", ErrInvalidLayout, l.Name)
	}
	seen := map[string]bool{}
	for _, f := range l.Fields {
		if seen[f.Name] {
			return fmt.Errorf("%w: layout %q repeats field %q", ErrInvalidLayout, l.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Encoding {
		case U8, U16LE, U32LE, U64LE, U64BE, F32BE, F32LE, MsgpackUint:
		default:
			return fmt.Errorf("%w: field %s.%s: encoding %q", ErrInvalidLayout, l.Name, f.Name, f.Encoding)
		}
		switch f.Role {
		case RoleEntityRef, RoleQuantity, RoleMinutes:
		default:
			return fmt.Errorf("%w: field %s.%s: role %q", ErrInvalidLayout, l.Name, f.Name, f.Role)
		}
		if f.Role == RoleEntityRef && f.Encoding.float() {
			return fmt.Errorf("%w: field %s.%s: entity refs must be integers", ErrInvalidLayout, l.Name, f.Name)
		}
		if _, err := hex.DecodeString(f.Marker); err != nil {
			return fmt.Errorf("%w: field %s.%s: marker: %v", ErrInvalidLayout, l.Name, f.Name, err)
		}
	}
	return nil
}

// Table maps anchor needle ids (layout names) to layouts.
type Table map[string]Layout

func ptr(v float64) *float64 { return &v }

// Refinery reproduces the RefineryItemRecipes layout observed in the blob:
// the input GUID follows a msgpack uint64 tag after the "Input" label, the
// output GUID follows f2 03 after "Out", and the refine time is a big-endian
// float32 somewhere in the 24 bytes after "MinutesTo". The two amount fields
// are unconfirmed and may decode as unknown.
var Refinery = Layout{
	Name:   "refinery",
	Anchor: "RefineryItemRecipes",
	Kind:   "refinery",
	Window: DefaultWindow,
	Fields: []Field{
		{Name: FieldInput, Role: RoleEntityRef, Encoding: U64BE, Locate: "Input", Marker: "cf"},
		{Name: FieldOutput, Role: RoleEntityRef, Encoding: U64BE, Locate: "Out", Marker: "f203"},
		{Name: FieldInputQuantity, Role: RoleQuantity, Encoding: MsgpackUint, Locate: "InputAmount", Min: ptr(1), Max: ptr(9999)},
		{Name: FieldOutputQuantity, Role: RoleQuantity, Encoding: MsgpackUint, Locate: "OutputAmount", Min: ptr(1), Max: ptr(9999)},
		{Name: FieldMinutes, Role: RoleMinutes, Encoding: F32BE, Locate: "MinutesTo", Scan: 24, Min: ptr(0.01), Max: ptr(120)},
	},
}

// DefaultTable returns a fresh table holding the built-in layouts.
func DefaultTable() Table {
	return Table{Refinery.Name: Refinery}
}

// Add validates and registers l, replacing a layout of the same name.
func (t Table) Add(l Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	t[l.Name] = l
	return nil
}

// Names returns the layout names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// MaxWindow is the largest window any layout reads.
func (t Table) MaxWindow() int {
	n := 0
	for _, l := range t {
		n = max(n, l.window())
	}
	return n
}
