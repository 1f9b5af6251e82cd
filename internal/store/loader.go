// Package store holds the SQLite side of a run: reading object dumps the
// container decoder wrote to SQLite, and the optional SQLite copy of the
// record set.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// StreamObjects iterates over the objects table yielding raw (id, json)
// rows without parsing, so only one record is alive at a time.
func StreamObjects(dbPath string, fn func(id, raw string) error) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }() // safe to ignore

	rows, err := db.Query("SELECT id, record FROM objects ORDER BY rowid")
	if err != nil {
		return fmt.Errorf("query objects: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}
