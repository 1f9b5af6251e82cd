package decode

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pine       = uint64(0x0A0B0C0D01020304)
	pinePlanks = uint64(0x0A0B0C0D05060708)
)

func known(guids ...uint64) func(uint64) bool {
	set := map[uint64]bool{}
	for _, g := range guids {
		set[g] = true
	}
	return func(v uint64) bool { return set[v] }
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// refineryBlob lays out one record the way the blob stores it. minutes are
// the raw bytes following the MinutesToRefine label.
func refineryBlob(in, out uint64, inQty, outQty byte, minutes []byte) []byte {
	var b bytes.Buffer
	b.Write(bytes.Repeat([]byte{0x90}, 37)) // unrelated leading bytes
	b.WriteString("RefineryItemRecipes")
	b.Write([]byte{0x00, 0x85})
	b.WriteString("InputItem")
	b.WriteByte(0xcf)
	b.Write(be64(in))
	b.WriteString("InputAmount")
	b.WriteByte(inQty)
	b.WriteString("OutputItem")
	b.Write([]byte{0xf2, 0x03})
	b.Write(be64(out))
	b.WriteString("OutputAmount")
	b.WriteByte(outQty)
	b.WriteString("MinutesToRefine")
	b.Write(minutes)
	return b.Bytes()
}

func TestDecoder_RefineryRecord(t *testing.T) {
	blob := refineryBlob(pine, pinePlanks, 1, 1, []byte{0x41, 0xF0, 0x00, 0x00}) // 30.0
	d := NewDecoder(DefaultTable(), known(pine, pinePlanks))

	rec, issues, err := d.Decode(bytes.NewReader(blob), "db.bin", "refinery", 37)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, "refinery", rec.Kind)

	r, ok := rec.Recipe()
	require.True(t, ok)
	assert.Equal(t, pine, r.Input)
	assert.Equal(t, pinePlanks, r.Output)
	require.NotNil(t, r.InputQuantity)
	require.NotNil(t, r.OutputQuantity)
	assert.Equal(t, uint64(1), *r.InputQuantity)
	assert.Equal(t, uint64(1), *r.OutputQuantity)
	require.NotNil(t, r.Minutes)
	assert.InDelta(t, 30.0, *r.Minutes, 1e-9)
}

func TestDecoder_OutOfRangeDurationIsUnknown(t *testing.T) {
	minutes := append([]byte{0xBF, 0x80, 0x00, 0x00}, bytes.Repeat([]byte{0xFF}, 32)...) // -1.0 then NaNs
	blob := refineryBlob(pine, pinePlanks, 1, 1, minutes)
	d := NewDecoder(DefaultTable(), known(pine, pinePlanks))

	rec, issues, err := d.Decode(bytes.NewReader(blob), "db.bin", "refinery", 37)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, diag.KindLowConfidence, issues[0].Kind)
	assert.Equal(t, "refinery.minutes", issues[0].Subject)

	r, ok := rec.Recipe()
	require.True(t, ok, "a bad duration must not drop the link")
	assert.Nil(t, r.Minutes)
	assert.NotNil(t, r.InputQuantity)
}

func TestDecoder_UnresolvedReference(t *testing.T) {
	blob := refineryBlob(pine, 0xDEAD, 1, 1, []byte{0x41, 0xF0, 0x00, 0x00})
	d := NewDecoder(DefaultTable(), known(pine))

	rec, issues, err := d.Decode(bytes.NewReader(blob), "db.bin", "refinery", 37)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, diag.KindUnresolvedReference, issues[0].Kind)
	assert.False(t, rec.Fields[FieldOutput].Known)

	recipes, dropped := Recipes([]Record{rec})
	assert.Empty(t, recipes)
	require.Len(t, dropped, 1)
	assert.Equal(t, diag.KindUnresolvedReference, dropped[0].Kind)
}

func TestDecoder_UnknownAnchor(t *testing.T) {
	d := NewDecoder(DefaultTable(), nil)
	_, _, err := d.Decode(bytes.NewReader(nil), "db.bin", "smelter", 0)
	assert.ErrorIs(t, err, ErrUnknownAnchor)
}

func TestDecoder_TruncatedWindow(t *testing.T) {
	blob := refineryBlob(pine, pinePlanks, 1, 1, nil)
	blob = blob[:len(blob)-len("MinutesToRefine")]
	d := NewDecoder(DefaultTable(), known(pine, pinePlanks))

	rec, issues, err := d.Decode(bytes.NewReader(blob), "db.bin", "refinery", 37)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, reasonNoLabel, issues[0].Message)
	assert.False(t, rec.Fields[FieldMinutes].Known)
}

func TestDecodeAll_AndRecipeDedup(t *testing.T) {
	one := refineryBlob(pine, pinePlanks, 1, 1, []byte{0x41, 0xF0, 0x00, 0x00})
	blob := append(append([]byte{}, one...), one...)
	second := uint64(len(one) + 37)

	d := NewDecoder(DefaultTable(), known(pine, pinePlanks))
	records, issues, err := d.DecodeAll(bytes.NewReader(blob), "db.bin", map[string][]uint64{
		"refinery": {37, second},
		"smelter":  {5},
	})
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, records, 2)

	recipes, dropped := Recipes(records)
	assert.Empty(t, dropped)
	require.Len(t, recipes, 1)
	assert.Equal(t, uint64(37), recipes[0].Offset)
}

func TestRead_MsgpackUint(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want uint64
		ok   bool
	}{
		{"fixint", []byte{0x05}, 5, true},
		{"uint8", []byte{0xcc, 0xff}, 255, true},
		{"uint16", []byte{0xcd, 0x01, 0x00}, 256, true},
		{"uint32", []byte{0xce, 0x00, 0x01, 0x00, 0x00}, 65536, true},
		{"uint64", append([]byte{0xcf}, be64(1<<40)...), 1 << 40, true},
		{"truncated", []byte{0xcd, 0x01}, 0, false},
		{"not a uint", []byte{0xa3}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, ok := read(tc.in, 0, MsgpackUint)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLayout_Validate(t *testing.T) {
	require.NoError(t, Refinery.Validate())

	bad := Refinery
	bad.Fields = []Field{{Name: "x", Role: RoleQuantity, Encoding: "u128"}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLayout)

	bad.Fields = []Field{{Name: "x", Role: RoleEntityRef, Encoding: F32BE}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLayout)

	bad.Fields = []Field{{Name: "x", Role: RoleQuantity, Encoding: U8, Marker: "zz"}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLayout)

	assert.ErrorIs(t, Layout{Name: "n"}.Validate(), ErrInvalidLayout)
}

func TestLoadTable_HCL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layouts.hcl")
	src := `
layout "smelter" {
  anchor = "SmelterItemRecipes"
  kind   = "smelter"
  window = 128

  field "input" {
    role     = "entity_ref"
    encoding = "u64le"
    locate   = "Ore"
    offset   = 2
  }

  field "minutes" {
    role     = "duration_minutes"
    encoding = "f32le"
    locate   = "Time"
    scan     = 4
    min      = 0.5
    max      = 60
  }
}
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"refinery", "smelter"}, table.Names())
	assert.Equal(t, DefaultWindow, table.MaxWindow())

	s := table["smelter"]
	assert.Equal(t, "SmelterItemRecipes", s.Anchor)
	require.Len(t, s.Fields, 2)
	assert.Equal(t, 2, s.Fields[0].Offset)
	require.NotNil(t, s.Fields[1].Min)
	assert.InDelta(t, 0.5, *s.Fields[1].Min, 1e-9)

	var blob bytes.Buffer
	blob.WriteString("SmelterItemRecipes")
	blob.WriteString("Ore")
	blob.Write([]byte{0, 0})
	guid := make([]byte, 8)
	binary.LittleEndian.PutUint64(guid, 77)
	blob.Write(guid)
	blob.WriteString("Time")
	minutes := make([]byte, 4)
	binary.LittleEndian.PutUint32(minutes, 0x40A00000) // 5.0
	blob.Write(minutes)

	rec, issues, err := NewDecoder(table, known(77)).Decode(bytes.NewReader(blob.Bytes()), "db.bin", "smelter", 0)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, uint64(77), rec.Fields["input"].Uint)
	assert.InDelta(t, 5.0, rec.Fields["minutes"].Float, 1e-9)
}

func TestLoadTable_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadTable(filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)

	path := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`layout "x" {
  anchor = "X"
  kind   = "x"
  field "f" {
    role     = "quantity"
    encoding = "u7"
  }
}
`), 0o644))
	_, err = LoadTable(path)
	assert.ErrorIs(t, err, ErrInvalidLayout)

	table, err := LoadTable("")
	require.NoError(t, err)
	assert.Equal(t, []string{"refinery"}, table.Names())
}
