package match

import ahocorasick "github.com/BobuSumisu/aho-corasick"

// automaton reports every occurrence of every pattern, overlapping ones
// included, in a single pass. Needles that share a pattern share one trie
// entry, since the trie keeps a single pattern index per terminal state.
type automaton struct {
	fold     bool
	index    map[string]int
	patterns [][]byte
	ids      [][]int32 // trie pattern index -> needle indices
	trie     *ahocorasick.Trie
}

func newAutomaton(fold bool) *automaton {
	return &automaton{fold: fold, index: map[string]int{}}
}

func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// lowerASCII folds A-Z only; other bytes, including invalid UTF-8, are kept
// so offsets stay aligned with the input.
func lowerASCII(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = lower(b)
	}
	return out
}

func (a *automaton) insert(pattern []byte, id int32) {
	if a.fold {
		pattern = lowerASCII(pattern)
	}
	i, ok := a.index[string(pattern)]
	if !ok {
		i = len(a.patterns)
		a.index[string(pattern)] = i
		a.patterns = append(a.patterns, pattern)
		a.ids = append(a.ids, nil)
	}
	a.ids[i] = append(a.ids[i], id)
}

// link builds the trie once every pattern is inserted.
func (a *automaton) link() {
	if len(a.patterns) > 0 {
		a.trie = ahocorasick.NewTrieBuilder().AddPatterns(a.patterns).Build()
	}
	a.index = nil
}

// run feeds data through the trie and calls fn with the needle index and
// the index of the last byte of each match.
func (a *automaton) run(data []byte, fn func(id int32, end int)) {
	if a.trie == nil {
		return
	}
	if a.fold {
		data = lowerASCII(data)
	}
	a.trie.Walk(data, func(end, _, pattern int64) bool {
		for _, id := range a.ids[pattern] {
			fn(id, int(end))
		}
		return true
	})
}

func (a *automaton) empty() bool { return len(a.patterns) == 0 }
