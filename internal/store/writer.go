package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentic-research/lodestone/api"
	"github.com/agentic-research/lodestone/internal/diag"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE entities (
	id TEXT PRIMARY KEY,
	guid TEXT,
	name TEXT,
	description TEXT,
	record JSON NOT NULL
);
CREATE TABLE recipes (
	kind TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT NOT NULL,
	input_quantity INTEGER,
	output_quantity INTEGER,
	minutes REAL
);
CREATE TABLE runes (
	entity_id TEXT NOT NULL,
	rune_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	is_default INTEGER NOT NULL
);
CREATE TABLE spawn_hints (
	entity_id TEXT NOT NULL,
	source TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	members INTEGER NOT NULL,
	confidence TEXT NOT NULL,
	separation TEXT NOT NULL,
	kind TEXT NOT NULL
);
CREATE TABLE diagnostics (
	kind TEXT NOT NULL,
	file TEXT,
	purpose TEXT,
	file_offset INTEGER,
	subject TEXT,
	message TEXT NOT NULL,
	count INTEGER NOT NULL
);
`

// SQLiteWriter writes a record set into a fresh database, committing in
// batches of prepared inserts.
type SQLiteWriter struct {
	db        *sql.DB
	tx        *sql.Tx
	stmts     map[string]*sql.Stmt
	batchSize int
	count     int
}

var inserts = map[string]string{
	"entity":     `INSERT INTO entities (id, guid, name, description, record) VALUES (?, ?, ?, ?, ?)`,
	"recipe":     `INSERT INTO recipes (kind, input, output, input_quantity, output_quantity, minutes) VALUES (?, ?, ?, ?, ?, ?)`,
	"rune":       `INSERT INTO runes (entity_id, rune_id, kind, is_default) VALUES (?, ?, ?, ?)`,
	"spawn":      `INSERT INTO spawn_hints (entity_id, source, start_offset, end_offset, members, confidence, separation, kind) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	"diagnostic": `INSERT INTO diagnostics (kind, file, purpose, file_offset, subject, message, count) VALUES (?, ?, ?, ?, ?, ?, ?)`,
}

// NewSQLiteWriter replaces any database at dbPath and creates the schema.
func NewSQLiteWriter(dbPath string) (*SQLiteWriter, error) {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove old %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Performance tuning for bulk insert
	for _, pragma := range []string{"PRAGMA synchronous = OFF", "PRAGMA journal_mode = MEMORY"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &SQLiteWriter{db: db, batchSize: 10000}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return err
	}
	w.stmts = make(map[string]*sql.Stmt, len(inserts))
	for name, q := range inserts {
		st, err := w.tx.Prepare(q)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", name, err)
		}
		w.stmts[name] = st
	}
	return nil
}

func (w *SQLiteWriter) commitTx() error {
	for _, st := range w.stmts {
		_ = st.Close()
	}
	return w.tx.Commit()
}

func (w *SQLiteWriter) exec(stmt string, args ...any) error {
	if _, err := w.stmts[stmt].Exec(args...); err != nil {
		return fmt.Errorf("insert %s: %w", stmt, err)
	}
	w.count++
	if w.count < w.batchSize {
		return nil
	}
	w.count = 0
	if err := w.commitTx(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return w.beginTx()
}

// AddRecord writes one entity with its links. Recipes are written from the
// input side only so each link appears once.
func (w *SQLiteWriter) AddRecord(r *api.EntityRecord) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.ID, err)
	}
	var guid *string
	if r.GUID != nil {
		g := fmt.Sprint(*r.GUID)
		guid = &g
	}
	if err := w.exec("entity", r.ID, guid, r.Name, r.Description, string(raw)); err != nil {
		return err
	}
	for _, l := range r.RecipesAsInput {
		if err := w.exec("recipe", l.Kind, l.Input, l.Output, l.InputQuantity, l.OutputQuantity, l.Minutes); err != nil {
			return err
		}
	}
	for _, l := range r.Runes {
		if err := w.exec("rune", r.ID, l.ID, l.Kind, false); err != nil {
			return err
		}
	}
	for _, l := range r.DefaultRunes {
		if err := w.exec("rune", r.ID, l.ID, l.Kind, true); err != nil {
			return err
		}
	}
	for _, h := range r.SpawnHints {
		if err := w.exec("spawn", r.ID, h.Source, h.Start, h.End, h.Members, h.Confidence, h.Separation, h.Kind); err != nil {
			return err
		}
	}
	return nil
}

func (w *SQLiteWriter) AddDiagnostic(e diag.Entry) error {
	return w.exec("diagnostic", string(e.Kind), e.File, e.Purpose, e.Offset, e.Subject, e.Message, e.Count)
}

// Close commits the last batch, indexes the link tables and closes the
// database.
func (w *SQLiteWriter) Close() error {
	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}
	for _, idx := range []string{
		`CREATE INDEX idx_recipes_input ON recipes(input)`,
		`CREATE INDEX idx_recipes_output ON recipes(output)`,
		`CREATE INDEX idx_runes_entity ON runes(entity_id)`,
		`CREATE INDEX idx_spawn_entity ON spawn_hints(entity_id)`,
	} {
		if _, err := w.db.Exec(idx); err != nil {
			_ = w.db.Close()
			return fmt.Errorf("create index: %w", err)
		}
	}
	return w.db.Close()
}

// WriteSQLite writes set and the diagnostics to a fresh database at path,
// entities in id order.
func WriteSQLite(path string, ids []string, set api.RecordSet, entries []diag.Entry) error {
	w, err := NewSQLiteWriter(path)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.AddRecord(set[id]); err != nil {
			_ = w.Close()
			return err
		}
	}
	for _, e := range entries {
		if err := w.AddDiagnostic(e); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}
