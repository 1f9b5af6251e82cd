// Package worker runs the per-file scans of a mining run in isolation.
//
// A Job fully describes one file's scan and an Evidence batch is its only
// output; both are plain values that cross process boundaries as JSON. A job
// that crashes, exceeds its budget or cannot read its file loses only that
// file's contribution.
package worker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/agentic-research/lodestone/internal/cluster"
	"github.com/agentic-research/lodestone/internal/correlate"
	"github.com/agentic-research/lodestone/internal/decode"
	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/agentic-research/lodestone/internal/match"
	"github.com/agentic-research/lodestone/internal/scan"
	"github.com/go-git/go-billy/v5"
)

// Purpose is what a file is scanned for. One file may serve several.
type Purpose string

const (
	PurposeRecipes  Purpose = "recipes"
	PurposeLoadouts Purpose = "loadouts"
	PurposeSpawns   Purpose = "spawns"
)

var (
	ErrBudgetExceeded = errors.New("worker budget exceeded")
	ErrUnknownPurpose = errors.New("unknown scan purpose")
)

// GUIDWidth is the byte width of a GUID literal in the scene containers.
const GUIDWidth = 8

// Job is one file scanned once for every purpose selected for it. Only the
// fields relevant to those purposes are set.
type Job struct {
	Root      string    `json:"root"`
	Path      string    `json:"path"`
	Purposes  []Purpose `json:"purposes"`
	ChunkSize int       `json:"chunk_size"`
	Overlap   int       `json:"overlap"`

	// recipes
	Layouts decode.Table `json:"layouts,omitempty"`
	Known   []uint64     `json:"known,omitempty"`

	// loadouts
	Anchors   []uint64            `json:"anchors,omitempty"`
	Partners  []uint64            `json:"partners,omitempty"`
	Correlate correlate.Options   `json:"correlate"`
	Probe     correlate.SlotProbe `json:"probe"`

	// spawns
	Targets  []uint64           `json:"targets,omitempty"`
	Cluster  cluster.Thresholds `json:"cluster"`
	Classify bool               `json:"classify,omitempty"`

	// HitLimit bounds the distinct hits a job may hold; 0 is unlimited.
	HitLimit uint64 `json:"hit_limit,omitempty"`
	// MemoryLimit is the soft heap limit applied inside worker processes.
	MemoryLimit int64 `json:"memory_limit,omitempty"`
}

// Has reports whether the job scans for p.
func (j Job) Has(p Purpose) bool { return slices.Contains(j.Purposes, p) }

// PurposeList joins the purposes for logs and diagnostics.
func (j Job) PurposeList() string {
	names := make([]string, len(j.Purposes))
	for i, p := range j.Purposes {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}

func (j Job) String() string { return j.PurposeList() + ":" + j.Path }

// Placement is the clustered occurrences of one GUID.
type Placement struct {
	GUID     uint64            `json:"guid"`
	Clusters []cluster.Cluster `json:"clusters"`
}

// Evidence is the immutable result of one job.
type Evidence struct {
	File       string            `json:"file"`
	Purposes   []Purpose         `json:"purposes"`
	Scanned    int64             `json:"scanned"`
	Recipes    []decode.Recipe   `json:"recipes,omitempty"`
	Matches    []correlate.Match `json:"matches,omitempty"`
	Placements []Placement       `json:"placements,omitempty"`
	Issues     []diag.Entry      `json:"issues,omitempty"`
}

func setOf(vs ...[]uint64) map[uint64]bool {
	m := map[uint64]bool{}
	for _, list := range vs {
		for _, v := range list {
			m[v] = true
		}
	}
	return m
}

func tag(entries []diag.Entry, p Purpose) []diag.Entry {
	for i := range entries {
		entries[i].Purpose = string(p)
	}
	return entries
}

const (
	anchorPrefix = "r:"
	guidPrefix   = "g:"
)

// needles builds the single needle set covering every purpose of the job:
// layout anchors for recipes and one LE literal per distinct GUID for
// loadouts and spawns.
func needles(job Job) (*match.Matcher, decode.Table, error) {
	var (
		ns    []match.Needle
		table decode.Table
		guids []uint64
	)
	for _, p := range job.Purposes {
		switch p {
		case PurposeRecipes:
			table = job.Layouts
			if table == nil {
				table = decode.DefaultTable()
			}
			for _, name := range table.Names() {
				ns = append(ns, match.Needle{ID: anchorPrefix + name, Pattern: []byte(table[name].Anchor)})
			}
		case PurposeLoadouts:
			guids = append(guids, job.Anchors...)
			guids = append(guids, job.Partners...)
		case PurposeSpawns:
			guids = append(guids, job.Targets...)
		default:
			return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, p)
		}
	}
	slices.Sort(guids)
	guids = slices.Compact(guids)

	var rules []match.NumericRule
	if len(guids) > 0 {
		rules = append(rules, match.NumericRule{Prefix: guidPrefix, Width: GUIDWidth, Values: guids})
	}
	m, err := match.New(ns, rules...)
	return m, table, err
}

// Execute runs job against fsys. It is what both runners call. The file is
// read sequentially once; the per-purpose passes only revisit small windows.
func Execute(ctx context.Context, fsys billy.Filesystem, job Job) (Evidence, error) {
	ev := Evidence{File: job.Path, Purposes: job.Purposes}
	s := scan.New(job.ChunkSize, job.Overlap)
	if job.Overlap == 0 {
		s.Overlap = scan.DefaultOverlap
	}

	m, table, err := needles(job)
	if err != nil {
		return Evidence{}, err
	}
	hits, scanned, err := m.ScanFile(ctx, s, fsys, job.Path, job.HitLimit)
	ev.Scanned = scanned
	if errors.Is(err, match.ErrHitLimit) {
		return Evidence{}, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
	}
	if err != nil {
		return Evidence{}, err
	}

	x := &extractor{fsys: fsys, job: job, ev: &ev, anchors: map[string][]uint64{}, guids: correlate.Occurrences{}}
	defer x.close()
	hits.Each(func(i int, offsets []uint64) {
		n := m.Needles()[i]
		if n.Numeric {
			x.guids[n.Value] = offsets
			return
		}
		x.anchors[strings.TrimPrefix(n.ID, anchorPrefix)] = offsets
	})

	for _, p := range job.Purposes {
		switch p {
		case PurposeRecipes:
			err = x.recipes(table)
		case PurposeLoadouts:
			err = x.loadouts()
		case PurposeSpawns:
			err = x.spawns()
		}
		if err != nil {
			return Evidence{}, err
		}
	}
	return ev, nil
}

// extractor runs the per-purpose passes over one shared hit set. The file
// is opened for random access only when a pass needs it.
type extractor struct {
	fsys    billy.Filesystem
	job     Job
	ev      *Evidence
	f       billy.File
	anchors map[string][]uint64
	guids   correlate.Occurrences
}

func (x *extractor) file() (billy.File, error) {
	if x.f != nil {
		return x.f, nil
	}
	f, err := scan.Open(x.fsys, x.job.Path)
	if err != nil {
		return nil, err
	}
	x.f = f
	return f, nil
}

func (x *extractor) close() {
	if x.f != nil {
		_ = x.f.Close() // safe to ignore
	}
}

// subset returns the occurrences of the given values.
func (x *extractor) subset(values []uint64) correlate.Occurrences {
	occ := correlate.Occurrences{}
	for _, v := range values {
		if offs, ok := x.guids[v]; ok {
			occ[v] = slices.Clone(offs)
		}
	}
	return occ
}

func (x *extractor) recipes(table decode.Table) error {
	if len(x.anchors) == 0 {
		return nil
	}
	f, err := x.file()
	if err != nil {
		return err
	}
	known := setOf(x.job.Known)
	d := decode.NewDecoder(table, func(g uint64) bool { return known[g] })
	records, issues, err := d.DecodeAll(f, x.job.Path, x.anchors)
	if err != nil {
		return &scan.IOError{Path: x.job.Path, Op: "read", Err: err}
	}
	recs, dropped := decode.Recipes(records)
	x.ev.Recipes = recs
	x.ev.Issues = append(x.ev.Issues, tag(append(issues, dropped...), PurposeRecipes)...)
	return nil
}

func (x *extractor) loadouts() error {
	job := x.job
	anchors := x.subset(job.Anchors)
	partners := x.subset(job.Partners)

	if job.Probe.Slots > 0 && len(anchors) > 0 {
		f, err := x.file()
		if err != nil {
			return err
		}
		known := setOf(job.Partners)
		probed, err := correlate.Probe(f, anchors, job.Probe, func(g uint64) bool { return known[g] })
		if err != nil {
			return &scan.IOError{Path: job.Path, Op: "read", Err: err}
		}
		for v, offs := range probed {
			partners[v] = append(partners[v], offs...)
		}
	}
	partners.Normalize()

	known := setOf(job.Anchors, job.Partners)
	resolved, unresolved := correlate.Split(
		correlate.Correlate(job.Path, anchors, partners, job.Correlate),
		func(g uint64) bool { return known[g] },
	)
	x.ev.Matches = resolved
	for _, u := range unresolved {
		x.ev.Issues = append(x.ev.Issues, diag.Entry{
			Kind:    diag.KindUnresolvedReference,
			File:    job.Path,
			Purpose: string(PurposeLoadouts),
			Offset:  int64(u.PartnerOffset),
			Subject: strconv.FormatUint(u.PartnerValue, 10),
			Message: "slot value near " + strconv.FormatUint(u.AnchorValue, 10) + " is not a known rune",
			Count:   u.Occurrences,
		})
	}
	return nil
}

func (x *extractor) spawns() error {
	job := x.job
	targets := x.subset(job.Targets)
	var f billy.File
	if job.Classify && len(targets) > 0 {
		var err error
		if f, err = x.file(); err != nil {
			return err
		}
	}
	for v, offsets := range targets {
		clusters := cluster.Sweep(offsets, job.Cluster)
		if f != nil {
			annotated, err := cluster.Annotate(f, clusters, offsets, cluster.DefaultContextWindow, cluster.Keywords)
			if err != nil {
				return &scan.IOError{Path: job.Path, Op: "read", Err: err}
			}
			clusters = annotated
		}
		x.ev.Placements = append(x.ev.Placements, Placement{GUID: v, Clusters: clusters})
	}
	slices.SortFunc(x.ev.Placements, func(a, b Placement) int { return cmp.Compare(a.GUID, b.GUID) })
	return nil
}
