// Package diag collects the non-fatal problems of a mining run so the output
// can be judged per field: skipped files, unresolved references and
// low-confidence decodes.
package diag

import (
	"cmp"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Kind classifies a diagnostic.
type Kind string

const (
	KindIO                  Kind = "io_error"
	KindUnresolvedReference Kind = "unresolved_reference"
	KindLowConfidence       Kind = "low_confidence"
	KindWorkerFailure       Kind = "worker_failure"
	KindAmbiguousIdentifier Kind = "ambiguous_identifier"
	KindConfig              Kind = "config"
)

// Entry is one diagnostic. Count > 1 means identical entries were merged.
type Entry struct {
	Kind    Kind   `json:"kind"`
	File    string `json:"file,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Offset  int64  `json:"offset,omitempty"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func (e Entry) key() Entry {
	e.Count = 0
	return e
}

// Summary is the diagnostic report written next to the record set.
type Summary struct {
	RunID        string       `json:"run_id"`
	FilesPlanned int          `json:"files_planned"`
	FilesScanned int          `json:"files_scanned"`
	Counts       map[Kind]int `json:"counts"`
	Entries      []Entry      `json:"entries"`
}

// Collector is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
	log     *zap.Logger
}

// NewCollector creates an empty Collector logging to log, or nowhere if nil.
func NewCollector(log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{log: log}
}

// Add records an entry. Skipped files and worker failures are logged as
// warnings; per-field issues only at debug level because there can be many.
func (c *Collector) Add(e Entry) {
	if e.Count == 0 {
		e.Count = 1
	}
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("file", e.File),
		zap.String("subject", e.Subject),
	}
	switch e.Kind {
	case KindIO, KindWorkerFailure, KindConfig:
		c.log.Warn(e.Message, fields...)
	default:
		c.log.Debug(e.Message, fields...)
	}

	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

// AddAll records a batch, typically the diagnostics carried by one evidence
// batch.
func (c *Collector) AddAll(entries []Entry) {
	for _, e := range entries {
		c.Add(e)
	}
}

// Count returns the number of recorded entries of kind k, merged counts
// included.
func (c *Collector) Count(k Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.Kind == k {
			n += e.Count
		}
	}
	return n
}

// Summary merges identical entries and returns them in a stable order.
func (c *Collector) Summary(runID string, planned, scanned int) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := map[Entry]int{}
	for _, e := range c.entries {
		merged[e.key()] += e.Count
	}
	s := Summary{
		RunID:        runID,
		FilesPlanned: planned,
		FilesScanned: scanned,
		Counts:       map[Kind]int{},
		Entries:      make([]Entry, 0, len(merged)),
	}
	for e, n := range merged {
		e.Count = n
		s.Counts[e.Kind] += n
		s.Entries = append(s.Entries, e)
	}
	slices.SortFunc(s.Entries, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.File, b.File),
			cmp.Compare(a.Purpose, b.Purpose),
			cmp.Compare(a.Subject, b.Subject),
			cmp.Compare(a.Offset, b.Offset),
			cmp.Compare(a.Message, b.Message),
		)
	})
	return s
}
