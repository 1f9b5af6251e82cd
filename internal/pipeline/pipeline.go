// Package pipeline runs one mining pass: catalog, discovery, scans, merge,
// output. Only configuration errors and a run without any input fail it;
// everything else degrades into diagnostics.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/agentic-research/lodestone/api"
	"github.com/agentic-research/lodestone/internal/assemble"
	"github.com/agentic-research/lodestone/internal/catalog"
	"github.com/agentic-research/lodestone/internal/cluster"
	"github.com/agentic-research/lodestone/internal/config"
	"github.com/agentic-research/lodestone/internal/correlate"
	"github.com/agentic-research/lodestone/internal/decode"
	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/agentic-research/lodestone/internal/scan"
	"github.com/agentic-research/lodestone/internal/store"
	"github.com/agentic-research/lodestone/internal/worker"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoInput is returned when neither object dumps nor binary inputs were
// found.
var ErrNoInput = errors.New("no input")

// hitBytes approximates the memory held per recorded hit.
const hitBytes = 16

// Pipeline is one configured mining run.
type Pipeline struct {
	cfg    *config.Config
	log    *zap.Logger
	runner worker.Runner
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithRunner replaces the runner chosen from workers.isolate.
func WithRunner(r worker.Runner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// New creates a Pipeline for cfg. A nil log discards output.
func New(cfg *config.Config, log *zap.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{cfg: cfg, log: log}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Report is the outcome of a run.
type Report struct {
	RunID   string
	Records api.RecordSet
	Summary diag.Summary
}

// Run executes the pass and writes the configured outputs. It fails only on
// invalid configuration, unusable object dumps or a run with no input; every
// per-file problem ends up in the report's diagnostics.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	cfg := p.cfg
	start := time.Now()
	runID := uuid.NewString()
	log := p.log.With(zap.String("run_id", runID))
	issues := diag.NewCollector(log)

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	layouts, err := decode.LoadTable(cfg.Decode.Layouts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if err := checkOverlap(cfg.Scan, layouts); err != nil {
		return nil, err
	}
	runner, err := p.pickRunner()
	if err != nil {
		return nil, err
	}

	cat, objects, err := p.loadCatalog(issues)
	if err != nil {
		return nil, err
	}
	log.Info("catalog loaded", zap.Int("entities", cat.Table.Len()), zap.Int("dumps", objects))

	root, err := filepath.Abs(cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve input_dir: %w", err)
	}
	pl, err := p.discover(osfs.New(root), issues)
	if err != nil {
		issues.Add(diag.Entry{Kind: diag.KindIO, File: cfg.InputDir, Message: err.Error()})
	}
	if objects == 0 && pl.files() == 0 {
		return nil, fmt.Errorf("%w: no object dumps and no files under %s", ErrNoInput, cfg.InputDir)
	}

	jobs := p.jobs(root, pl, cat.Table, layouts)
	log.Info("scanning", zap.Int("files", pl.files()), zap.Int("jobs", len(jobs)))

	pool := worker.NewPool(runner, worker.Options{
		Concurrency: cfg.Workers.Concurrency,
		Timeout:     cfg.Workers.Timeout,
	}, log, issues)
	results, err := pool.Run(ctx, jobs)
	if err != nil {
		log.Warn("run interrupted, keeping partial evidence", zap.Error(err))
	}

	ev, unresolved := Resolve(cat, results)
	issues.AddAll(unresolved)
	set, dangling := assemble.Assemble(cat.Table, ev)
	issues.AddAll(dangling)

	scanned := map[string]bool{}
	for _, r := range results {
		scanned[r.File] = true
	}
	summary := issues.Summary(runID, pl.files(), len(scanned))
	if err := p.write(set, cat.Table.IDs(), summary); err != nil {
		return nil, err
	}

	log.Info("run complete",
		zap.Int("records", len(set)),
		zap.Int("files_planned", summary.FilesPlanned),
		zap.Int("files_scanned", summary.FilesScanned),
		zap.Any("diagnostics", summary.Counts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Report{RunID: runID, Records: set, Summary: summary}, nil
}

func (p *Pipeline) pickRunner() (worker.Runner, error) {
	switch {
	case p.runner != nil:
		return p.runner, nil
	case p.cfg.Workers.Isolate:
		return worker.NewSubprocess()
	default:
		return worker.InProcess{}, nil
	}
}

// loadCatalog reads every readable object dump. A missing dump is reported
// and skipped; a malformed one aborts the run.
func (p *Pipeline) loadCatalog(issues *diag.Collector) (*catalog.Catalog, int, error) {
	host := osfs.New("/")
	var sources []catalog.Source
	for _, path := range p.cfg.Objects {
		abs, err := filepath.Abs(path)
		if err == nil {
			_, err = os.Stat(abs)
		}
		if err != nil {
			issues.Add(diag.Entry{Kind: diag.KindIO, File: path, Message: err.Error()})
			continue
		}
		sources = append(sources, catalog.SourceFor(host, abs))
	}
	cat, ambiguous, err := catalog.Load(catalog.Concat(sources...), p.cfg.Catalog.Options())
	if err != nil {
		return nil, 0, fmt.Errorf("load catalog: %w", err)
	}
	issues.AddAll(ambiguous)
	return cat, len(sources), nil
}

// checkOverlap rejects an overlap too small for the widest needle any job
// will carry, which would otherwise fail every job of the run.
func checkOverlap(sc config.ScanConfig, layouts decode.Table) error {
	width := worker.GUIDWidth
	for _, name := range layouts.Names() {
		width = max(width, len(layouts[name].Anchor))
	}
	overlap := sc.Overlap
	if overlap == 0 {
		overlap = scan.DefaultOverlap
	}
	if err := scan.New(sc.ChunkSize, overlap).Validate(width); err != nil {
		return fmt.Errorf("%w: scan.overlap: %w", config.ErrInvalid, err)
	}
	return nil
}

type plan map[worker.Purpose][]string

func (pl plan) files() int {
	seen := map[string]bool{}
	for _, paths := range pl {
		for _, f := range paths {
			seen[f] = true
		}
	}
	return len(seen)
}

func (p *Pipeline) discover(fsys billy.Filesystem, issues *diag.Collector) (plan, error) {
	pl := plan{}
	for _, purpose := range []worker.Purpose{worker.PurposeRecipes, worker.PurposeLoadouts, worker.PurposeSpawns} {
		if purpose == worker.PurposeSpawns && p.cfg.SkipSpawns {
			continue
		}
		sel, ok := p.cfg.Purposes[string(purpose)]
		if !ok {
			continue
		}
		files, skipped, err := Discover(fsys, sel)
		for i := range skipped {
			skipped[i].Purpose = string(purpose)
		}
		issues.AddAll(skipped)
		if err != nil {
			return pl, fmt.Errorf("discover %s inputs: %w", purpose, err)
		}
		pl[purpose] = files
		p.log.Debug("discovered", zap.String("purpose", string(purpose)), zap.Strings("files", files))
	}
	return pl, nil
}

// jobs plans one job per file carrying every purpose that selected it, so
// each file is read once however many purposes it serves.
func (p *Pipeline) jobs(root string, pl plan, t *catalog.Table, layouts decode.Table) []worker.Job {
	cfg := p.cfg
	anchors := t.GUIDs(cfg.Correlate.AnchorPrefix)
	partners := t.GUIDs(cfg.Correlate.PartnerPrefix)
	targets := t.GUIDs(cfg.Catalog.ItemPrefix)

	byFile := map[string]*worker.Job{}
	var order []string
	for _, purpose := range []worker.Purpose{worker.PurposeRecipes, worker.PurposeLoadouts, worker.PurposeSpawns} {
		switch {
		case purpose == worker.PurposeLoadouts && (len(anchors) == 0 || len(partners) == 0):
			continue
		case purpose == worker.PurposeSpawns && len(targets) == 0:
			continue
		}
		for _, path := range pl[purpose] {
			j, ok := byFile[path]
			if !ok {
				j = &worker.Job{
					Root:        root,
					Path:        path,
					ChunkSize:   cfg.Scan.ChunkSize,
					Overlap:     cfg.Scan.Overlap,
					MemoryLimit: cfg.Workers.MemoryBudget,
				}
				if cfg.Workers.MemoryBudget > 0 {
					j.HitLimit = uint64(cfg.Workers.MemoryBudget) / hitBytes
				}
				byFile[path] = j
				order = append(order, path)
			}
			j.Purposes = append(j.Purposes, purpose)
			switch purpose {
			case worker.PurposeRecipes:
				j.Layouts, j.Known = layouts, t.GUIDs("")
			case worker.PurposeLoadouts:
				j.Anchors, j.Partners = anchors, partners
				j.Correlate = correlate.Options{MaxDistance: cfg.Correlate.MaxDistance, RegionGap: cfg.Correlate.RegionGap}
				if cfg.Correlate.ProbeSlots {
					j.Probe = correlate.DefaultSlotProbe
				}
			case worker.PurposeSpawns:
				j.Targets = targets
				j.Cluster = cluster.Thresholds{Tight: cfg.Cluster.Tight, Separation: cfg.Cluster.Separation}
				j.Classify = cfg.Cluster.ClassifyContext
			}
		}
	}

	slices.Sort(order)
	jobs := make([]worker.Job, 0, len(order))
	for _, path := range order {
		jobs = append(jobs, *byFile[path])
	}
	return jobs
}

// Resolve turns GUID-level evidence into id-level links. Values the table
// cannot name are reported, never guessed.
func Resolve(cat *catalog.Catalog, results []worker.Evidence) (assemble.Evidence, []diag.Entry) {
	t := cat.Table
	var (
		ev     assemble.Evidence
		issues []diag.Entry
	)
	unresolved := func(file, purpose string, guid uint64, what string) {
		issues = append(issues, diag.Entry{
			Kind:    diag.KindUnresolvedReference,
			File:    file,
			Purpose: purpose,
			Subject: strconv.FormatUint(guid, 10),
			Message: what + " guid is not in the catalog",
		})
	}

	recipes, loadouts, spawns := string(worker.PurposeRecipes), string(worker.PurposeLoadouts), string(worker.PurposeSpawns)
	for _, r := range results {
		for _, rec := range r.Recipes {
			in, okIn := t.Resolve(rec.Input)
			out, okOut := t.Resolve(rec.Output)
			if !okIn || !okOut {
				if !okIn {
					unresolved(r.File, recipes, rec.Input, "recipe input")
				}
				if !okOut {
					unresolved(r.File, recipes, rec.Output, "recipe output")
				}
				continue
			}
			ev.Recipes = append(ev.Recipes, api.RecipeLink{
				Kind:           rec.Kind,
				Input:          in,
				Output:         out,
				InputQuantity:  rec.InputQuantity,
				OutputQuantity: rec.OutputQuantity,
				Minutes:        rec.Minutes,
			})
		}
		for _, m := range r.Matches {
			item, okItem := t.Resolve(m.AnchorValue)
			runeID, okRune := t.Resolve(m.PartnerValue)
			if !okItem || !okRune {
				if !okItem {
					unresolved(r.File, loadouts, m.AnchorValue, "loadout item")
				}
				if !okRune {
					unresolved(r.File, loadouts, m.PartnerValue, "loadout rune")
				}
				continue
			}
			ev.DefaultRunes = append(ev.DefaultRunes, assemble.Binding{
				Item: item,
				Rune: api.RuneLink{ID: runeID, Kind: api.RuneKindRune},
			})
		}
		for _, pl := range r.Placements {
			id, ok := t.Resolve(pl.GUID)
			if !ok {
				unresolved(r.File, spawns, pl.GUID, "spawn target")
				continue
			}
			for _, c := range pl.Clusters {
				ev.Spawns = append(ev.Spawns, assemble.Spawn{Entity: id, Hint: api.SpawnHint{
					Source:     r.File,
					Start:      c.Start,
					End:        c.End,
					Members:    c.Members,
					Confidence: c.Confidence,
					Separation: c.Separation,
					Kind:       c.Kind,
					Context:    c.Context,
				}})
			}
		}
	}

	for item, refs := range cat.Runes {
		for _, ref := range refs {
			ev.Runes = append(ev.Runes, assemble.Binding{Item: item, Rune: api.RuneLink{ID: ref.ID, Kind: ref.Kind}})
		}
	}
	return ev, issues
}

func (p *Pipeline) write(set api.RecordSet, ids []string, summary diag.Summary) error {
	doc, err := assemble.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := writeFile(p.cfg.Output, doc); err != nil {
		return err
	}
	if p.cfg.DiagnosticsOutput != "" {
		raw, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("encode diagnostics: %w", err)
		}
		if err := writeFile(p.cfg.DiagnosticsOutput, append(raw, '\n')); err != nil {
			return err
		}
	}
	if p.cfg.SQLiteOutput != "" {
		if err := os.MkdirAll(filepath.Dir(p.cfg.SQLiteOutput), 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		if err := store.WriteSQLite(p.cfg.SQLiteOutput, ids, set, summary.Entries); err != nil {
			return fmt.Errorf("write sqlite output: %w", err)
		}
	}
	return nil
}

// writeFile replaces path atomically so a crashed run never leaves a
// truncated document behind.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op after rename
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
