package match

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"sort"
	"testing"

	"github.com/agentic-research/lodestone/internal/scan"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// naive finds all (possibly overlapping) occurrences by brute force.
func naive(data, pattern []byte, fold bool) []uint64 {
	if fold {
		data = lowerASCII(data)
		pattern = lowerASCII(pattern)
	}
	var out []uint64
	for i := 0; i+len(pattern) <= len(data); i++ {
		if bytes.Equal(data[i:i+len(pattern)], pattern) {
			out = append(out, uint64(i))
		}
	}
	return out
}

func findAll(m *Matcher, data []byte) map[string][]uint64 {
	hits := NewHitSet(len(m.Needles()))
	m.Find(scan.Window{Data: data}, hits.Add)
	out := map[string][]uint64{}
	hits.Each(func(i int, offsets []uint64) {
		out[m.Needles()[i].ID] = offsets
	})
	return out
}

func TestMatcher_OverlappingAndNested(t *testing.T) {
	m, err := New([]Needle{
		{ID: "he", Pattern: []byte("he")},
		{ID: "she", Pattern: []byte("she")},
		{ID: "hers", Pattern: []byte("hers")},
		{ID: "aa", Pattern: []byte("aa")},
	})
	require.NoError(t, err)

	got := findAll(m, []byte("ushers aaaa"))
	assert.Equal(t, []uint64{2}, got["he"])
	assert.Equal(t, []uint64{1}, got["she"])
	assert.Equal(t, []uint64{2}, got["hers"])
	assert.Equal(t, []uint64{7, 8, 9}, got["aa"], "overlapping occurrences are all reported")
	assert.Equal(t, 4, m.MaxLen())
}

func TestMatcher_SharedPattern(t *testing.T) {
	m, err := New([]Needle{
		{ID: "layout:a", Pattern: []byte("Recipe")},
		{ID: "layout:b", Pattern: []byte("Recipe")},
		{ID: "folded", Pattern: []byte("RECIPE"), CaseInsensitive: true},
		{ID: "folded2", Pattern: []byte("recipe"), CaseInsensitive: true},
	})
	require.NoError(t, err)

	got := findAll(m, []byte("xRecipe\xffrecipe"))
	assert.Equal(t, []uint64{1}, got["layout:a"])
	assert.Equal(t, []uint64{1}, got["layout:b"])
	assert.Equal(t, []uint64{1, 8}, got["folded"])
	assert.Equal(t, []uint64{1, 8}, got["folded2"])
}

func TestMatcher_CaseSensitivity(t *testing.T) {
	m, err := New([]Needle{
		{ID: "exact", Pattern: []byte("Runes")},
		{ID: "folded", Pattern: []byte("utility_runes"), CaseInsensitive: true},
	})
	require.NoError(t, err)

	got := findAll(m, []byte("runes Runes UTILITY_RUNES Utility_Runes"))
	assert.Equal(t, []uint64{6, 34}, got["exact"])
	assert.Equal(t, []uint64{12, 26}, got["folded"])
}

func TestMatcher_NumericLiterals(t *testing.T) {
	const guid = uint64(4360494222496306584)
	m, err := New(nil,
		NumericRule{Prefix: "le:", Width: 8, Values: []uint64{guid}},
		NumericRule{Prefix: "be:", Width: 8, BigEndian: true, Values: []uint64{guid}},
	)
	require.NoError(t, err)
	require.Len(t, m.Needles(), 2)
	assert.True(t, m.Needles()[0].Numeric)
	assert.Equal(t, guid, m.Needles()[0].Value)

	data := make([]byte, 64)
	binary.LittleEndian.PutUint64(data[3:], guid) // unaligned
	binary.BigEndian.PutUint64(data[40:], guid)

	got := findAll(m, data)
	assert.Equal(t, []uint64{3}, got["le:4360494222496306584"])
	assert.Equal(t, []uint64{40}, got["be:4360494222496306584"])
}

func TestNumericRule_Compile(t *testing.T) {
	_, err := NumericRule{Prefix: "x", Width: 3, Values: []uint64{1}}.Compile()
	assert.Error(t, err)

	_, err = NumericRule{Prefix: "x", Width: 2, Values: []uint64{1 << 20}}.Compile()
	assert.Error(t, err)

	needles, err := NumericRule{Prefix: "w", Width: 4, Values: []uint64{0x01020304}}.Compile()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 3, 2, 1}, needles[0].Pattern)
	assert.Equal(t, "w16909060", needles[0].ID)
}

func TestNew_RejectsEmptyNeedle(t *testing.T) {
	_, err := New([]Needle{{ID: "empty"}})
	assert.ErrorIs(t, err, ErrEmptyNeedle)
}

func randomBlob(seed int64, size int, plants [][]byte) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(rng.Intn(4)) // small alphabet forces partial matches
	}
	for i := 0; i < 40; i++ {
		p := plants[rng.Intn(len(plants))]
		at := rng.Intn(size - len(p))
		copy(data[at:], p)
	}
	return data
}

func scanWith(t *testing.T, m *Matcher, data []byte, chunk int) map[string][]uint64 {
	t.Helper()
	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "blob.bin", data, 0o644))

	s := scan.Scanner{ChunkSize: chunk, Overlap: m.MaxLen() - 1}
	hits, scanned, err := m.ScanFile(context.Background(), s, fsys, "blob.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), scanned)

	out := map[string][]uint64{}
	hits.Each(func(i int, offsets []uint64) { out[m.Needles()[i].ID] = offsets })
	return out
}

func TestMatcher_ChunkSizeInvariance(t *testing.T) {
	needles := []Needle{
		{ID: "a", Pattern: []byte{1, 2, 3, 1}},
		{ID: "b", Pattern: []byte{2, 3}},
		{ID: "c", Pattern: []byte{0, 0, 0, 0, 0, 0, 0, 3}},
	}
	m, err := New(needles)
	require.NoError(t, err)

	data := randomBlob(7, 5000, [][]byte{needles[0].Pattern, needles[2].Pattern})
	want := map[string][]uint64{}
	for _, n := range needles {
		if offs := naive(data, n.Pattern, false); len(offs) > 0 {
			want[n.ID] = offs
		}
	}

	for _, chunk := range []int{1, 2, 3, 8, 13, 97, 1024, 5000, 1 << 16} {
		assert.Equal(t, want, scanWith(t, m, data, chunk), "chunk=%d", chunk)
	}
}

func TestMatcher_ScanFileChecksOverlap(t *testing.T) {
	m, err := New([]Needle{{ID: "long", Pattern: []byte("RefineryItemRecipes")}})
	require.NoError(t, err)

	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "x", []byte("abc"), 0o644))
	_, _, err = m.ScanFile(context.Background(), scan.Scanner{ChunkSize: 64, Overlap: 4}, fsys, "x", 0)
	assert.ErrorIs(t, err, scan.ErrOverlapTooSmall)
}

func TestMatcher_HitLimit(t *testing.T) {
	m, err := New([]Needle{{ID: "a", Pattern: []byte("a")}})
	require.NoError(t, err)

	fsys := memfs.New()
	require.NoError(t, util.WriteFile(fsys, "x", bytes.Repeat([]byte("a"), 100), 0o644))
	_, _, err = m.ScanFile(context.Background(), scan.Scanner{ChunkSize: 16}, fsys, "x", 10)
	assert.ErrorIs(t, err, ErrHitLimit)
}

func FuzzMatcher_ChunkInvariance(f *testing.F) {
	f.Add([]byte("xxRuneyyRUNEzzrune"), uint8(3))
	f.Add([]byte{0, 1, 2, 3, 1, 2, 3, 1}, uint8(1))

	needles := []Needle{
		{ID: "rune", Pattern: []byte("rune"), CaseInsensitive: true},
		{ID: "seq", Pattern: []byte{1, 2, 3, 1}},
	}
	m, err := New(needles)
	if err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, data []byte, chunk uint8) {
		c := int(chunk)%64 + 1
		got := map[string][]uint64{}
		hits := NewHitSet(len(m.Needles()))
		err := scan.Scanner{ChunkSize: c, Overlap: m.MaxLen() - 1}.Scan(context.Background(), "fuzz", bytes.NewReader(data), func(w scan.Window) error {
			m.Find(w, hits.Add)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		hits.Each(func(i int, offsets []uint64) { got[m.Needles()[i].ID] = offsets })

		for _, n := range needles {
			want := naive(data, n.Pattern, n.CaseInsensitive)
			have := got[n.ID]
			sort.Slice(have, func(i, j int) bool { return have[i] < have[j] })
			if len(want) != len(have) {
				t.Fatalf("%s: want %v, got %v (chunk %d)", n.ID, want, have, c)
			}
			for i := range want {
				if want[i] != have[i] {
					t.Fatalf("%s: want %v, got %v (chunk %d)", n.ID, want, have, c)
				}
			}
		}
	})
}
