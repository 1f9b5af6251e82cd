package catalog

import (
	"slices"
	"strings"
)

const (
	RuneKindRune    = "rune"
	RuneKindUtility = "utility"
)

// RuneRef is a rune referenced from an item's object tree.
type RuneRef struct {
	ID   string
	Kind string
}

func bucket(path []string) string {
	for _, k := range path {
		if strings.Contains(strings.ToLower(k), "utility") {
			return RuneKindUtility
		}
	}
	return RuneKindRune
}

func guidKeyed(path []string) bool {
	for _, k := range path {
		if strings.Contains(strings.ToLower(k), "guid") {
			return true
		}
	}
	return false
}

type runeCollector struct {
	opts  Options
	table *Table
	paths map[pathKey]string
	found map[string]map[RuneRef]bool
}

func newRuneCollector(opts Options, t *Table, paths map[pathKey]string) *runeCollector {
	return &runeCollector{opts: opts, table: t, paths: paths, found: map[string]map[RuneRef]bool{}}
}

type frame struct {
	node any
	path []string
}

// collect walks one object tree. References are recognised three ways: an
// object reference {m_FileID, m_PathID} to a rune object in the same bundle,
// a string holding a rune id, or an integer under a guid-named key that
// resolves to a rune.
func (c *runeCollector) collect(item string, o Object) {
	add := func(id string, path []string) {
		if _, ok := c.table.entities[id]; !ok {
			return
		}
		if c.found[item] == nil {
			c.found[item] = map[RuneRef]bool{}
		}
		c.found[item][RuneRef{ID: id, Kind: bucket(path)}] = true
	}

	stack := []frame{{node: any(o.Data)}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n := f.node.(type) {
		case map[string]any:
			if _, hasFile := n["m_FileID"]; hasFile {
				if p, ok := Int64(n["m_PathID"]); ok {
					if id, ok := c.paths[pathKey{o.Bundle, p}]; ok {
						add(id, f.path)
					}
				}
			}
			for k, v := range n {
				stack = append(stack, frame{node: v, path: append(slices.Clip(f.path), k)})
			}
		case []any:
			for _, v := range n {
				stack = append(stack, frame{node: v, path: f.path})
			}
		case string:
			if strings.HasPrefix(n, c.opts.RunePrefix) {
				add(NormalizeID(n), f.path)
			}
		default:
			if !guidKeyed(f.path) {
				continue
			}
			if g, ok := Uint64(n); ok {
				if id, ok := c.table.Resolve(g); ok && strings.HasPrefix(id, c.opts.RunePrefix) {
					add(id, f.path)
				}
			}
		}
	}
}

func (c *runeCollector) result() map[string][]RuneRef {
	out := make(map[string][]RuneRef, len(c.found))
	for item, set := range c.found {
		refs := make([]RuneRef, 0, len(set))
		for r := range set {
			refs = append(refs, r)
		}
		slices.SortFunc(refs, func(a, b RuneRef) int {
			if a.Kind != b.Kind {
				return strings.Compare(a.Kind, b.Kind)
			}
			return strings.Compare(a.ID, b.ID)
		})
		out[item] = refs
	}
	return out
}
