package assemble

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/agentic-research/lodestone/api"
	"github.com/agentic-research/lodestone/internal/catalog"
	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint64   { return &v }
func f(v float64) *float64 { return &v }

func table(t *testing.T) *catalog.Table {
	t.Helper()
	tbl, issues := catalog.NewTable(
		catalog.Entity{ID: "items.wood.pine", GUID: 1, HasGUID: true, Name: "Pine Wood", Descriptions: map[string]string{"English": "Soft", "French": "Tendre"}},
		catalog.Entity{ID: "items.wood.pinePlanks", GUID: 2, HasGUID: true, Name: "Pine Planks"},
		catalog.Entity{ID: "items.gear.weapons.sword", GUID: 3, HasGUID: true, Name: "Sword"},
		catalog.Entity{ID: "items.runes.fire", GUID: 4, HasGUID: true, Name: "Fire"},
	)
	require.Empty(t, issues)
	return tbl
}

func evidence() Evidence {
	pine := api.RecipeLink{Kind: "refinery", Input: "items.wood.pine", Output: "items.wood.pinePlanks", InputQuantity: u(1), OutputQuantity: u(1), Minutes: f(30)}
	return Evidence{
		Recipes: []api.RecipeLink{
			pine,
			pine, // repeated scan
			{Kind: "refinery", Input: "items.wood.pine", Output: "items.wood.pinePlanks"},
			{Kind: "refinery", Input: "items.wood.pine", Output: "items.missing"},
		},
		Runes: []Binding{
			{Item: "items.gear.weapons.sword", Rune: api.RuneLink{ID: "items.runes.fire", Kind: api.RuneKindUtility}},
			{Item: "items.gear.weapons.sword", Rune: api.RuneLink{ID: "items.runes.fire", Kind: api.RuneKindRune}},
		},
		DefaultRunes: []Binding{
			{Item: "items.gear.weapons.sword", Rune: api.RuneLink{ID: "items.runes.fire", Kind: api.RuneKindRune}},
			{Item: "items.gear.weapons.sword", Rune: api.RuneLink{ID: "items.runes.fire", Kind: api.RuneKindRune}},
			{Item: "items.gear.weapons.axe", Rune: api.RuneLink{ID: "items.runes.fire", Kind: api.RuneKindRune}},
		},
		Spawns: []Spawn{
			{Entity: "items.runes.fire", Hint: api.SpawnHint{Source: "b.bundle", Start: 9, End: 9, Members: 1, Confidence: "isolated", Separation: "first", Kind: "unknown"}},
			{Entity: "items.runes.fire", Hint: api.SpawnHint{Source: "a.bundle", Start: 5, End: 90, Members: 3, Confidence: "tight", Separation: "first", Kind: "unknown"}},
			{Entity: "items.ghost", Hint: api.SpawnHint{Source: "a.bundle"}},
		},
	}
}

func TestAssemble_MergesAndDropsDangling(t *testing.T) {
	set, issues := Assemble(table(t), evidence())
	require.Len(t, set, 4)

	pine := set["items.wood.pine"]
	require.NotNil(t, pine.GUID)
	assert.Equal(t, uint64(1), *pine.GUID)
	assert.Equal(t, "Tendre", pine.Descriptions["French"])
	require.Len(t, pine.RecipesAsInput, 2, "identical links collapse, distinct tuples stay")
	assert.Nil(t, pine.RecipesAsInput[0].Minutes, "unknown fields sort first")
	assert.Len(t, set["items.wood.pinePlanks"].RecipesAsOutput, 2)
	assert.Empty(t, pine.RecipesAsOutput)

	sword := set["items.gear.weapons.sword"]
	assert.Equal(t, []api.RuneLink{
		{ID: "items.runes.fire", Kind: api.RuneKindRune},
		{ID: "items.runes.fire", Kind: api.RuneKindUtility},
	}, sword.Runes)
	assert.Equal(t, []api.RuneLink{{ID: "items.runes.fire", Kind: api.RuneKindRune}}, sword.DefaultRunes)

	fire := set["items.runes.fire"]
	require.Len(t, fire.SpawnHints, 2)
	assert.Equal(t, "a.bundle", fire.SpawnHints[0].Source)

	require.Len(t, issues, 3)
	for _, is := range issues {
		assert.Equal(t, diag.KindUnresolvedReference, is.Kind)
	}
}

func TestAssemble_Idempotent(t *testing.T) {
	tbl := table(t)
	ev := evidence()

	first, _ := Assemble(tbl, ev)
	a, err := Marshal(first)
	require.NoError(t, err)

	// Same evidence in a different order.
	rev := ev
	rev.Recipes = slices.Clone(ev.Recipes)
	slices.Reverse(rev.Recipes)
	rev.Spawns = slices.Clone(ev.Spawns)
	slices.Reverse(rev.Spawns)

	second, _ := Assemble(tbl, rev)
	b, err := Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	third, _ := Assemble(tbl, ev)
	c, err := Marshal(third)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestAssemble_NoDanglingReferences(t *testing.T) {
	set, _ := Assemble(table(t), evidence())
	for id, r := range set {
		for _, l := range append(slices.Clone(r.RecipesAsInput), r.RecipesAsOutput...) {
			assert.Contains(t, set, l.Input, "%s", id)
			assert.Contains(t, set, l.Output, "%s", id)
		}
		for _, l := range append(slices.Clone(r.Runes), r.DefaultRunes...) {
			assert.Contains(t, set, l.ID, "%s", id)
		}
	}
}

func TestMarshal_StableFieldNames(t *testing.T) {
	set, _ := Assemble(table(t), Evidence{})
	raw, err := Marshal(set)
	require.NoError(t, err)

	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	rec := doc["items.wood.pinePlanks"]
	for _, k := range []string{"name", "recipes_as_input", "recipes_as_output", "runes", "default_runes", "spawn_hints"} {
		assert.Contains(t, rec, k)
	}
	assert.Equal(t, []any{}, rec["runes"])
}

func TestEvidence_Add(t *testing.T) {
	var ev Evidence
	ev.Add(evidence())
	ev.Add(evidence())
	assert.Len(t, ev.Recipes, 8)
	assert.Len(t, ev.Spawns, 6)
}
