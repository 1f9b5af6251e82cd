// Package assemble merges resolved evidence into the final record set.
//
// Merging is additive: list fields are set-unions keyed on the whole link,
// nothing already attached is replaced, and every list is sorted so the
// serialised output is byte-identical for identical evidence. The merge runs
// on one goroutine.
package assemble

import (
	"bytes"
	"cmp"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/agentic-research/lodestone/api"
	"github.com/agentic-research/lodestone/internal/catalog"
	"github.com/agentic-research/lodestone/internal/diag"
)

// Binding attaches a rune to an item, e.g. a weapon's default loadout.
type Binding struct {
	Item string
	Rune api.RuneLink
}

// Spawn is a spawn hint for one entity.
type Spawn struct {
	Entity string
	Hint   api.SpawnHint
}

// Evidence is everything the pipeline resolved to string ids.
type Evidence struct {
	Recipes      []api.RecipeLink
	Runes        []Binding
	DefaultRunes []Binding
	Spawns       []Spawn
}

// Add appends other to e.
func (e *Evidence) Add(other Evidence) {
	e.Recipes = append(e.Recipes, other.Recipes...)
	e.Runes = append(e.Runes, other.Runes...)
	e.DefaultRunes = append(e.DefaultRunes, other.DefaultRunes...)
	e.Spawns = append(e.Spawns, other.Spawns...)
}

// Assemble builds one record per catalog entity and attaches the evidence.
// A link naming an id that is not in the table is dropped and reported.
func Assemble(t *catalog.Table, ev Evidence) (api.RecordSet, []diag.Entry) {
	set := api.RecordSet{}
	for _, id := range t.IDs() {
		e, _ := t.Lookup(id)
		r := &api.EntityRecord{
			ID:              id,
			Name:            e.Name,
			Description:     e.Description,
			RecipesAsInput:  []api.RecipeLink{},
			RecipesAsOutput: []api.RecipeLink{},
			Runes:           []api.RuneLink{},
			DefaultRunes:    []api.RuneLink{},
			SpawnHints:      []api.SpawnHint{},
			Sources:         slices.Clone(e.Sources),
		}
		if e.HasGUID {
			g := e.GUID
			r.GUID = &g
		}
		if len(e.Descriptions) > 0 {
			r.Descriptions = maps.Clone(e.Descriptions)
		}
		set[id] = r
	}

	var issues []diag.Entry
	dangling := func(subject, msg string) {
		issues = append(issues, diag.Entry{Kind: diag.KindUnresolvedReference, Subject: subject, Message: msg})
	}

	for _, l := range ev.Recipes {
		in, out := set[l.Input], set[l.Output]
		if in == nil || out == nil {
			dangling(l.Input+" -> "+l.Output, "recipe link names an unknown entity")
			continue
		}
		in.RecipesAsInput = append(in.RecipesAsInput, l)
		out.RecipesAsOutput = append(out.RecipesAsOutput, l)
	}
	attach := func(bs []Binding, field func(*api.EntityRecord) *[]api.RuneLink, what string) {
		for _, b := range bs {
			item := set[b.Item]
			if item == nil || set[b.Rune.ID] == nil {
				dangling(b.Item+" -> "+b.Rune.ID, what+" names an unknown entity")
				continue
			}
			f := field(item)
			*f = append(*f, b.Rune)
		}
	}
	attach(ev.Runes, func(r *api.EntityRecord) *[]api.RuneLink { return &r.Runes }, "rune link")
	attach(ev.DefaultRunes, func(r *api.EntityRecord) *[]api.RuneLink { return &r.DefaultRunes }, "default rune link")
	for _, s := range ev.Spawns {
		r := set[s.Entity]
		if r == nil {
			dangling(s.Entity, "spawn hint names an unknown entity")
			continue
		}
		r.SpawnHints = append(r.SpawnHints, s.Hint)
	}

	for _, r := range set {
		r.RecipesAsInput = uniqueRecipes(r.RecipesAsInput)
		r.RecipesAsOutput = uniqueRecipes(r.RecipesAsOutput)
		r.Runes = uniqueRunes(r.Runes)
		r.DefaultRunes = uniqueRunes(r.DefaultRunes)
		r.SpawnHints = uniqueSpawns(r.SpawnHints)
	}
	return set, issues
}

func optU(p *uint64) (bool, uint64) {
	if p == nil {
		return false, 0
	}
	return true, *p
}

func optF(p *float64) (bool, float64) {
	if p == nil {
		return false, 0
	}
	return true, *p
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func compareRecipe(a, b api.RecipeLink) int {
	aiq, aiv := optU(a.InputQuantity)
	biq, biv := optU(b.InputQuantity)
	aoq, aov := optU(a.OutputQuantity)
	boq, bov := optU(b.OutputQuantity)
	am, amv := optF(a.Minutes)
	bm, bmv := optF(b.Minutes)
	return cmp.Or(
		strings.Compare(a.Kind, b.Kind),
		strings.Compare(a.Input, b.Input),
		strings.Compare(a.Output, b.Output),
		cmpBool(aiq, biq), cmp.Compare(aiv, biv),
		cmpBool(aoq, boq), cmp.Compare(aov, bov),
		cmpBool(am, bm), cmp.Compare(amv, bmv),
	)
}

func uniqueRecipes(ls []api.RecipeLink) []api.RecipeLink {
	slices.SortFunc(ls, compareRecipe)
	return slices.CompactFunc(ls, func(a, b api.RecipeLink) bool { return compareRecipe(a, b) == 0 })
}

func uniqueRunes(ls []api.RuneLink) []api.RuneLink {
	c := func(a, b api.RuneLink) int {
		return cmp.Or(strings.Compare(a.ID, b.ID), strings.Compare(a.Kind, b.Kind))
	}
	slices.SortFunc(ls, c)
	return slices.CompactFunc(ls, func(a, b api.RuneLink) bool { return c(a, b) == 0 })
}

func compareSpawn(a, b api.SpawnHint) int {
	return cmp.Or(
		strings.Compare(a.Source, b.Source),
		cmp.Compare(a.Start, b.Start),
		cmp.Compare(a.End, b.End),
		cmp.Compare(a.Members, b.Members),
		strings.Compare(a.Confidence, b.Confidence),
		strings.Compare(a.Separation, b.Separation),
		strings.Compare(a.Kind, b.Kind),
		slices.Compare(a.Context, b.Context),
	)
}

func uniqueSpawns(ls []api.SpawnHint) []api.SpawnHint {
	slices.SortFunc(ls, compareSpawn)
	return slices.CompactFunc(ls, func(a, b api.SpawnHint) bool { return compareSpawn(a, b) == 0 })
}

// Marshal renders the record set as indented JSON. Map keys are sorted by
// encoding/json.
func Marshal(set api.RecordSet) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(set); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
