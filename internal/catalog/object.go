package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/agentic-research/lodestone/internal/store"
	"github.com/go-git/go-billy/v5"
)

// Object is one typed object emitted by the external container decoder.
type Object struct {
	Bundle string         `json:"bundle"`
	PathID int64          `json:"path_id"`
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Data   map[string]any `json:"data"`
}

// Source streams objects. It must be restartable: the catalog reads it twice.
type Source func(fn func(Object) error) error

// ParseObject decodes one dump record. Numbers are kept as json.Number so
// 64-bit GUIDs survive intact.
func ParseObject(raw []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var o Object
	if err := dec.Decode(&o); err != nil {
		return Object{}, fmt.Errorf("parse object: %w", err)
	}
	return o, nil
}

// JSONLSource reads a JSON Lines dump from fsys.
func JSONLSource(fsys billy.Filesystem, path string) Source {
	return func(fn func(Object) error) error {
		f, err := fsys.Open(path)
		if err != nil {
			return fmt.Errorf("open objects %s: %w", path, err)
		}
		defer func() { _ = f.Close() }() // safe to ignore

		dec := json.NewDecoder(f)
		dec.UseNumber()
		for n := 1; ; n++ {
			var o Object
			err := dec.Decode(&o)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("objects %s record %d: %w", path, n, err)
			}
			if err := fn(o); err != nil {
				return err
			}
		}
	}
}

// SQLiteSource reads the objects table of a SQLite dump.
func SQLiteSource(dbPath string) Source {
	return func(fn func(Object) error) error {
		return store.StreamObjects(dbPath, func(id, raw string) error {
			o, err := ParseObject([]byte(raw))
			if err != nil {
				return fmt.Errorf("object %s: %w", id, err)
			}
			return fn(o)
		})
	}
}

// SourceFor picks the reader from the file extension.
func SourceFor(fsys billy.Filesystem, path string) Source {
	switch {
	case strings.HasSuffix(path, ".db"), strings.HasSuffix(path, ".sqlite"), strings.HasSuffix(path, ".sqlite3"):
		return SQLiteSource(path)
	default:
		return JSONLSource(fsys, path)
	}
}

// Concat streams each source in turn.
func Concat(sources ...Source) Source {
	return func(fn func(Object) error) error {
		for _, s := range sources {
			if err := s(fn); err != nil {
				return err
			}
		}
		return nil
	}
}

// Uint64 converts a decoded JSON number to the GUID bit pattern. Negative
// values keep their two's complement bits, which is how they appear on disk.
func Uint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u, true
		}
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return uint64(i), true
		}
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			if n < 0 {
				return uint64(int64(n)), true
			}
			return uint64(n), true
		}
	}
	return 0, false
}

// Int64 is Uint64 for path ids.
func Int64(v any) (int64, bool) {
	u, ok := Uint64(v)
	return int64(u), ok
}
