package cluster

import (
	"io"
	"slices"
	"strings"

	"github.com/agentic-research/lodestone/internal/scan"
)

const (
	DefaultContextWindow = 512
	minStringLen         = 4
	maxContextStrings    = 20
	minKeptStringLen     = 7
)

// Keyword is one classification rule. Rules are tried in order; the first
// rule with a keyword present in the context wins.
type Keyword struct {
	Kind  string
	Words []string
}

// Keywords is the built-in classification table.
var Keywords = []Keyword{
	{"vendor", []string{"VendorInventory", "Vendor", "merchant", "shop"}},
	{"loot_pool", []string{"LootSourceData", "LootTable", "loot", "drop"}},
	{"cerim_whisper", []string{"CerimWhisper", "Whisper", "cerim"}},
	{"chest", []string{"Chest", "TreasureChest"}},
	{"enemy_drop", []string{"EnemyDrop", "enemy"}},
	{"quest_reward", []string{"QuestReward", "quest"}},
	{"crafting", []string{"Crafting", "Recipe"}},
}

// Strings returns the runs of printable ASCII in data at least minLen long.
func Strings(data []byte, minLen int) []string {
	var out []string
	start := -1
	for i, b := range data {
		if b >= 32 && b < 127 {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minLen {
			out = append(out, string(data[start:i]))
		}
		start = -1
	}
	if start >= 0 && len(data)-start >= minLen {
		out = append(out, string(data[start:]))
	}
	return out
}

// Classify matches the context strings against table, case-insensitively.
func Classify(context []string, table []Keyword) string {
	text := strings.ToLower(strings.Join(context, " "))
	for _, k := range table {
		for _, w := range k.Words {
			if strings.Contains(text, strings.ToLower(w)) {
				return k.Kind
			}
		}
	}
	return KindUnknown
}

// Annotate reads window bytes centred on every member offset, classifies
// each cluster from the printable strings found there and keeps a few of
// the longer strings as context. members holds the offsets passed to Sweep.
func Annotate(r io.ReaderAt, clusters []Cluster, members []uint64, window int, table []Keyword) ([]Cluster, error) {
	if window <= 0 {
		window = DefaultContextWindow
	}
	out := slices.Clone(clusters)
	i := 0
	for ci := range out {
		c := &out[ci]
		var found []string
		for ; i < len(members) && members[i] <= c.End; i++ {
			if members[i] < c.Start {
				continue
			}
			start := int64(members[i]) - int64(window/2)
			buf, err := scan.ReadSpan(r, start, window)
			if err != nil {
				return nil, err
			}
			found = append(found, Strings(buf, minStringLen)...)
		}
		c.Kind = Classify(found, table)
		c.Context = keep(found)
	}
	return out, nil
}

func keep(found []string) []string {
	var out []string
	for _, s := range found {
		if len(s) >= minKeptStringLen {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > maxContextStrings {
		out = out[:maxContextStrings]
	}
	return out
}
