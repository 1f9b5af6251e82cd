package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentic-research/lodestone/api"
	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func createObjectsDB(t *testing.T, records []string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "objects.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec("CREATE TABLE objects (id TEXT PRIMARY KEY, record TEXT NOT NULL)")
	require.NoError(t, err)
	for i, rec := range records {
		_, err = db.Exec("INSERT INTO objects (id, record) VALUES (?, ?)", string(rune('a'+i)), rec)
		require.NoError(t, err)
	}
	return dbPath
}

func TestStreamObjects(t *testing.T) {
	t.Run("rows in insertion order", func(t *testing.T) {
		dbPath := createObjectsDB(t, []string{`{"name":"one"}`, `{"name":"two"}`})

		var ids, raws []string
		err := StreamObjects(dbPath, func(id, raw string) error {
			ids = append(ids, id)
			raws = append(raws, raw)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
		assert.Equal(t, `{"name":"two"}`, raws[1])
	})

	t.Run("callback error stops iteration", func(t *testing.T) {
		dbPath := createObjectsDB(t, []string{`{}`, `{}`, `{}`})
		stop := errors.New("stop")
		n := 0
		err := StreamObjects(dbPath, func(string, string) error {
			n++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, n)
	})

	t.Run("missing table", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "empty.db")
		err := StreamObjects(dbPath, func(string, string) error { return nil })
		require.Error(t, err)
	})
}

func TestWriteSQLite(t *testing.T) {
	one := uint64(1)
	minutes := 30.0
	guid := uint64(1<<63 + 5)
	set := api.RecordSet{
		"items.wood.pine": {
			ID:   "items.wood.pine",
			GUID: &guid,
			Name: "Pine Wood",
			RecipesAsInput: []api.RecipeLink{{
				Kind: "refinery", Input: "items.wood.pine", Output: "items.wood.pinePlanks",
				InputQuantity: &one, OutputQuantity: &one, Minutes: &minutes,
			}},
			SpawnHints: []api.SpawnHint{{Source: "scene.bundle", Start: 10, End: 20, Members: 2, Confidence: "tight", Separation: "first", Kind: "unknown"}},
		},
		"items.wood.pinePlanks": {
			ID: "items.wood.pinePlanks",
			RecipesAsOutput: []api.RecipeLink{{
				Kind: "refinery", Input: "items.wood.pine", Output: "items.wood.pinePlanks",
			}},
			Runes:        []api.RuneLink{{ID: "items.runes.a", Kind: api.RuneKindRune}},
			DefaultRunes: []api.RuneLink{{ID: "items.runes.b", Kind: api.RuneKindRune}},
		},
	}
	ids := []string{"items.wood.pine", "items.wood.pinePlanks"}
	entries := []diag.Entry{{Kind: diag.KindIO, File: "bad.bin", Message: "read failed", Count: 1}}

	dbPath := filepath.Join(t.TempDir(), "out.db")
	require.NoError(t, WriteSQLite(dbPath, ids, set, entries))
	// Rewriting replaces the previous database.
	require.NoError(t, WriteSQLite(dbPath, ids, set, entries))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	count := func(q string) int {
		var n int
		require.NoError(t, db.QueryRow(q).Scan(&n))
		return n
	}
	assert.Equal(t, 2, count("SELECT COUNT(*) FROM entities"))
	assert.Equal(t, 1, count("SELECT COUNT(*) FROM recipes"))
	assert.Equal(t, 1, count("SELECT COUNT(*) FROM runes WHERE is_default = 1"))
	assert.Equal(t, 1, count("SELECT COUNT(*) FROM spawn_hints"))
	assert.Equal(t, 1, count("SELECT COUNT(*) FROM diagnostics"))

	var g string
	require.NoError(t, db.QueryRow("SELECT guid FROM entities WHERE id = 'items.wood.pine'").Scan(&g))
	assert.Equal(t, "9223372036854775813", g)

	var m sql.NullFloat64
	require.NoError(t, db.QueryRow("SELECT minutes FROM recipes").Scan(&m))
	assert.True(t, m.Valid)
	assert.InDelta(t, 30.0, m.Float64, 1e-9)
}
