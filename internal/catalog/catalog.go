// Package catalog builds the identifier table of a run from the object
// dumps of the container decoder: string ids, their 64-bit GUIDs, display
// names and per-locale descriptions.
//
// The table is built once, before any binary scan starts, and is read-only
// afterwards.
package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/ohler55/ojg/jp"
)

// Locales are the localisation keys carried by name and description
// objects. English provides the display strings.
var Locales = []string{
	"English",
	"French",
	"Italian",
	"German",
	"Spanish",
	"BrazilianPortuguese",
	"TraditionalChinese",
	"SimplifiedChinese",
	"Korean",
	"Russian",
	"Japanese",
	"Polish",
}

const English = "English"

// Selectors are JSONPath expressions evaluated against an object's data.
type Selectors struct {
	ID        string `mapstructure:"id" json:"id"`
	AssetGUID string `mapstructure:"asset_guid" json:"asset_guid"`
	NameLink  string `mapstructure:"name_link" json:"name_link"`
	// NameLinkFile selects the file id of the name link; 0 or absent means
	// the name object lives in the same bundle.
	NameLinkFile string `mapstructure:"name_link_file" json:"name_link_file"`
}

// Options control which objects contribute and how they are read.
type Options struct {
	Selectors    Selectors
	ItemPrefix   string   // ids outside this prefix are ignored
	RunePrefix   string   // ids of rune entities
	Types        []string // object types considered; empty means all
	IncludeOther bool     // keep ids that are neither .Name nor .Description
}

// DefaultOptions returns the selectors and prefixes matching the game's dumps.
func DefaultOptions() Options {
	return Options{
		Selectors: Selectors{
			ID:           "$.Id",
			AssetGUID:    "$.AssetGuid.Value",
			NameLink:     "$.ItemNameMsg.m_PathID",
			NameLinkFile: "$.ItemNameMsg.m_FileID",
		},
		ItemPrefix: "items.",
		RunePrefix: "items.runes.",
		Types:      []string{"MonoBehaviour", "ScriptableObject"},
	}
}

type compiled struct {
	id, guid, link, linkFile jp.Expr
}

func (s Selectors) compile() (compiled, error) {
	var c compiled
	for _, x := range []struct {
		dst *jp.Expr
		src string
	}{{&c.id, s.ID}, {&c.guid, s.AssetGUID}, {&c.link, s.NameLink}, {&c.linkFile, s.NameLinkFile}} {
		if x.src == "" && x.dst == &c.linkFile {
			continue
		}
		e, err := jp.ParseString(x.src)
		if err != nil {
			return compiled{}, fmt.Errorf("invalid jsonpath '%s': %w", x.src, err)
		}
		*x.dst = e
	}
	return c, nil
}

// Entity is one catalog entry.
type Entity struct {
	ID           string
	GUID         uint64
	HasGUID      bool
	Name         string
	Description  string
	Descriptions map[string]string
	Sources      []string
}

// Table is the identifier bijection plus display data. Safe for concurrent
// reads.
type Table struct {
	entities map[string]*Entity
	byGUID   map[uint64]string
}

// Lookup returns a copy of the entity with string id id.
func (t *Table) Lookup(id string) (Entity, bool) {
	e, ok := t.entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Resolve maps a GUID to its string id.
func (t *Table) Resolve(guid uint64) (string, bool) {
	id, ok := t.byGUID[guid]
	return id, ok
}

// Known reports whether guid names an entity.
func (t *Table) Known(guid uint64) bool {
	_, ok := t.byGUID[guid]
	return ok
}

func (t *Table) Len() int { return len(t.entities) }

// IDs returns every string id in sorted order.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.entities))
	for id := range t.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GUIDs returns the sorted GUIDs of entities whose id has prefix.
func (t *Table) GUIDs(prefix string) []uint64 {
	var out []uint64
	for g, id := range t.byGUID {
		if strings.HasPrefix(id, prefix) {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}

// Pairs returns the full GUID -> id mapping, for shipping to workers.
func (t *Table) Pairs() map[uint64]string {
	out := make(map[uint64]string, len(t.byGUID))
	for g, id := range t.byGUID {
		out[g] = id
	}
	return out
}

// NormalizeID strips the localisation suffix from a raw object id.
func NormalizeID(raw string) string {
	if s, ok := strings.CutSuffix(raw, ".Name"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(raw, ".Description"); ok {
		return s
	}
	return raw
}

type entryKind int

const (
	kindOther entryKind = iota
	kindName
	kindDescription
)

func classify(raw string) entryKind {
	switch {
	case strings.HasSuffix(raw, ".Name"):
		return kindName
	case strings.HasSuffix(raw, ".Description"):
		return kindDescription
	}
	return kindOther
}

type pathKey struct {
	bundle string
	pathID int64
}

// builder accumulates the first pass over the objects.
type builder struct {
	opts      Options
	sel       compiled
	types     map[string]bool
	entities  map[string]*Entity
	namePaths map[string][]pathKey // entity id -> its name objects
	nameLinks map[pathKey]uint64   // name object -> asset guid
	linkDupes map[pathKey]bool
	runePaths map[pathKey]string
	items     map[pathKey]string
	sources   map[string]map[string]bool
}

// linkKey scopes a name link to the linking object's bundle unless it points
// into another file.
func (b *builder) linkKey(o Object, pathID int64) pathKey {
	if b.sel.linkFile != nil {
		if f, ok := Int64(b.sel.linkFile.First(o.Data)); ok && f != 0 {
			return pathKey{pathID: pathID}
		}
	}
	return pathKey{o.Bundle, pathID}
}

func newBuilder(opts Options) (*builder, error) {
	sel, err := opts.Selectors.compile()
	if err != nil {
		return nil, err
	}
	b := &builder{
		opts:      opts,
		sel:       sel,
		types:     map[string]bool{},
		entities:  map[string]*Entity{},
		namePaths: map[string][]pathKey{},
		nameLinks: map[pathKey]uint64{},
		linkDupes: map[pathKey]bool{},
		runePaths: map[pathKey]string{},
		items:     map[pathKey]string{},
		sources:   map[string]map[string]bool{},
	}
	for _, t := range opts.Types {
		b.types[t] = true
	}
	return b, nil
}

func (b *builder) add(o Object) {
	if len(b.types) > 0 && o.Type != "" && !b.types[o.Type] {
		return
	}
	if o.Data == nil {
		return
	}

	if g, ok := Uint64(b.sel.guid.First(o.Data)); ok {
		if p, ok := Int64(b.sel.link.First(o.Data)); ok {
			key := b.linkKey(o, p)
			if prev, seen := b.nameLinks[key]; seen && prev != g {
				b.linkDupes[key] = true
			}
			b.nameLinks[key] = g
		}
	}

	raw, ok := b.sel.id.First(o.Data).(string)
	if !ok || !strings.HasPrefix(raw, b.opts.ItemPrefix) {
		return
	}
	id := NormalizeID(raw)
	key := pathKey{o.Bundle, o.PathID}
	b.items[key] = id
	if strings.HasPrefix(id, b.opts.RunePrefix) {
		b.runePaths[key] = id
	}

	kind := classify(raw)
	if kind == kindOther && !b.opts.IncludeOther {
		return
	}
	texts := map[string]string{}
	for _, l := range Locales {
		if s, ok := o.Data[l].(string); ok && s != "" {
			texts[l] = s
		}
	}
	if len(texts) == 0 && kind != kindOther {
		return
	}

	e := b.entities[id]
	if e == nil {
		e = &Entity{ID: id}
		b.entities[id] = e
		b.sources[id] = map[string]bool{}
	}
	if o.Bundle != "" {
		b.sources[id][o.Bundle] = true
	}
	switch kind {
	case kindName:
		if s := texts[English]; s != "" {
			e.Name = s
		}
		b.namePaths[id] = append(b.namePaths[id], pathKey{o.Bundle, o.PathID})
	case kindDescription:
		if s := texts[English]; s != "" {
			e.Description = s
		}
		if e.Descriptions == nil {
			e.Descriptions = map[string]string{}
		}
		for l, s := range texts {
			e.Descriptions[l] = s
		}
	}
}

// table resolves GUIDs and enforces the bijection. Conflicting pairings are
// left out and reported.
func (b *builder) table() (*Table, []diag.Entry) {
	var issues []diag.Entry
	ambiguous := func(subject, msg string) {
		issues = append(issues, diag.Entry{Kind: diag.KindAmbiguousIdentifier, Subject: subject, Message: msg})
	}

	guidOf := map[string]uint64{}
	for id, paths := range b.namePaths {
		var guids []uint64
		for _, p := range paths {
			// A link into another file cannot name its bundle; it is kept
			// under the path id alone and used when no local link exists.
			key := p
			if _, ok := b.nameLinks[key]; !ok {
				key = pathKey{pathID: p.pathID}
			}
			if b.linkDupes[key] {
				ambiguous(id, fmt.Sprintf("name object %s/%d is linked to several guids", p.bundle, p.pathID))
				continue
			}
			if g, ok := b.nameLinks[key]; ok {
				guids = append(guids, g)
			}
		}
		slices.Sort(guids)
		guids = slices.Compact(guids)
		switch len(guids) {
		case 0:
		case 1:
			guidOf[id] = guids[0]
		default:
			ambiguous(id, fmt.Sprintf("id has %d guids", len(guids)))
		}
	}

	owners := map[uint64][]string{}
	for id, g := range guidOf {
		owners[g] = append(owners[g], id)
	}
	t := &Table{entities: b.entities, byGUID: map[uint64]string{}}
	for g, ids := range owners {
		if len(ids) > 1 {
			slices.Sort(ids)
			ambiguous(strconv.FormatUint(g, 10), "guid names "+strings.Join(ids, ", "))
			continue
		}
		t.byGUID[g] = ids[0]
		e := b.entities[ids[0]]
		e.GUID, e.HasGUID = g, true
	}
	for id, e := range b.entities {
		for s := range b.sources[id] {
			e.Sources = append(e.Sources, s)
		}
		slices.Sort(e.Sources)
	}
	slices.SortFunc(issues, func(a, b diag.Entry) int {
		return cmp.Or(cmp.Compare(a.Subject, b.Subject), cmp.Compare(a.Message, b.Message))
	})
	return t, issues
}

// Catalog is the result of Load.
type Catalog struct {
	Table *Table
	// Runes maps item id to the rune references found in its object tree.
	Runes map[string][]RuneRef
}

// Load reads src twice: once to build the table and once to collect rune
// references, which need the finished table to resolve GUID-keyed values.
func Load(src Source, opts Options) (*Catalog, []diag.Entry, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := src(func(o Object) error {
		b.add(o)
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("read objects: %w", err)
	}
	table, issues := b.table()

	refs := newRuneCollector(opts, table, b.runePaths)
	if err := src(func(o Object) error {
		id, ok := b.items[pathKey{o.Bundle, o.PathID}]
		if !ok || strings.HasPrefix(id, opts.RunePrefix) {
			return nil
		}
		refs.collect(id, o)
		return nil
	}); err != nil {
		return nil, nil, fmt.Errorf("read objects for rune refs: %w", err)
	}
	return &Catalog{Table: table, Runes: refs.result()}, issues, nil
}

// NewTable builds a table from ready-made entities. Entities sharing a GUID
// lose it and are reported, as in Load.
func NewTable(entities ...Entity) (*Table, []diag.Entry) {
	t := &Table{entities: map[string]*Entity{}, byGUID: map[uint64]string{}}
	owners := map[uint64][]string{}
	for _, e := range entities {
		e.Sources = slices.Clone(e.Sources)
		t.entities[e.ID] = &e
		if e.HasGUID {
			owners[e.GUID] = append(owners[e.GUID], e.ID)
		}
	}
	var issues []diag.Entry
	for g, ids := range owners {
		if len(ids) > 1 {
			slices.Sort(ids)
			issues = append(issues, diag.Entry{
				Kind:    diag.KindAmbiguousIdentifier,
				Subject: strconv.FormatUint(g, 10),
				Message: "guid names " + strings.Join(ids, ", "),
			})
			for _, id := range ids {
				t.entities[id].HasGUID, t.entities[id].GUID = false, 0
			}
			continue
		}
		t.byGUID[g] = ids[0]
	}
	slices.SortFunc(issues, func(a, b diag.Entry) int { return cmp.Compare(a.Subject, b.Subject) })
	return t, issues
}
