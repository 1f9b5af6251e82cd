package correlate

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairs_DistanceBoundary(t *testing.T) {
	anchors := Occurrences{1: {1000}}
	partners := Occurrences{
		10: {1000 + DefaultMaxDistance - 1},
		11: {1000 + DefaultMaxDistance},
		12: {1000 + DefaultMaxDistance + 1},
		13: {1000 - DefaultMaxDistance},
		14: {1000 - DefaultMaxDistance - 1},
	}

	got := map[uint64]bool{}
	for _, p := range Pairs(anchors, partners, DefaultMaxDistance) {
		got[p.Partner.Value] = true
	}
	assert.True(t, got[10])
	assert.True(t, got[11])
	assert.True(t, got[13])
	assert.False(t, got[12])
	assert.False(t, got[14])
}

func TestPairs_SkipsSameOffset(t *testing.T) {
	pairs := Pairs(Occurrences{1: {50}}, Occurrences{2: {50}, 3: {60}}, 16)
	require.Len(t, pairs, 1)
	assert.Equal(t, uint64(3), pairs[0].Partner.Value)
}

func TestCorrelate_CollapsesRepetitions(t *testing.T) {
	const x, y = uint64(0xAAAA), uint64(0xBBBB)
	anchors, partners := Occurrences{}, Occurrences{}
	for i := uint64(0); i < 16; i++ {
		base := 4096 + i*1024
		anchors.Add(x, base)
		partners.Add(y, base+81)
	}

	got := Correlate("scene.bundle", anchors, partners, Options{})
	require.Len(t, got, 1)
	assert.Equal(t, Match{
		File:          "scene.bundle",
		AnchorValue:   x,
		PartnerValue:  y,
		AnchorOffset:  4096,
		PartnerOffset: 4096 + 81,
		Distance:      81,
		Occurrences:   16,
	}, got[0])
}

func TestCorrelate_DistantRegionsStaySeparate(t *testing.T) {
	anchors := Occurrences{1: {100, 100 + 1<<20}}
	partners := Occurrences{2: {90, 90 + 1<<20}}

	got := Correlate("f", anchors, partners, Options{})
	require.Len(t, got, 2)
	assert.Equal(t, int64(-10), got[0].Distance)
	assert.Equal(t, uint64(10), got[0].AbsDistance())
	assert.Equal(t, 1, got[0].Occurrences)
	assert.Equal(t, uint64(100+1<<20), got[1].AnchorOffset)
}

func TestSplit(t *testing.T) {
	known := func(v uint64) bool { return v < 100 }
	resolved, unresolved := Split([]Match{
		{AnchorValue: 1, PartnerValue: 2},
		{AnchorValue: 1, PartnerValue: 500},
		{AnchorValue: 300, PartnerValue: 2},
	}, known)
	assert.Len(t, resolved, 1)
	assert.Len(t, unresolved, 2)
}

func TestOccurrences_Normalize(t *testing.T) {
	o := Occurrences{}
	o.Add(5, 30)
	o.Add(5, 10)
	o.Add(5, 30)
	o.Normalize()
	assert.Equal(t, []uint64{10, 30}, o[5])
}

func TestProbe_PicksCandidateWithKnownSlots(t *testing.T) {
	const weapon = uint64(900)
	runeA, runeB, stranger := uint64(11), uint64(12), uint64(777)
	known := func(v uint64) bool { return v == runeA || v == runeB }

	buf := make([]byte, 512)
	binary.LittleEndian.PutUint64(buf[16:], weapon)
	// Decoy marker followed by garbage.
	buf[30] = 0x22
	binary.LittleEndian.PutUint64(buf[31:], stranger)
	// Real loadout block.
	buf[80] = 0x22
	binary.LittleEndian.PutUint64(buf[81:], runeA)
	binary.LittleEndian.PutUint64(buf[97:], runeB)
	binary.LittleEndian.PutUint64(buf[113:], stranger)
	// buf[129:137] is zero and ends the list.

	got, err := Probe(bytes.NewReader(buf), Occurrences{weapon: {16}}, DefaultSlotProbe, known)
	require.NoError(t, err)
	assert.Equal(t, Occurrences{
		runeA:    {81},
		runeB:    {97},
		stranger: {113},
	}, got)
}

func TestProbe_NoKnownValues(t *testing.T) {
	buf := make([]byte, 300)
	buf[10] = 0x22
	binary.LittleEndian.PutUint64(buf[11:], 42)

	got, err := Probe(bytes.NewReader(buf), Occurrences{1: {0}}, DefaultSlotProbe, func(uint64) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProbe_TruncatedAtEOF(t *testing.T) {
	buf := make([]byte, 20)
	buf[4] = 0x22
	binary.LittleEndian.PutUint64(buf[5:], 7)

	got, err := Probe(bytes.NewReader(buf), Occurrences{1: {0}}, DefaultSlotProbe, func(v uint64) bool { return v == 7 })
	require.NoError(t, err)
	assert.Equal(t, Occurrences{7: {5}}, got)
}
