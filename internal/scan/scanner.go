package scan

import (
	"context"
	"errors"
	"fmt"
	"io"

	billy "github.com/go-git/go-billy/v5"
)

const (
	DefaultChunkSize = 32 << 20
	DefaultOverlap   = 4 << 10
)

// ErrOverlapTooSmall is returned by Validate when a needle could straddle two
// windows without being fully contained in either.
var ErrOverlapTooSmall = errors.New("overlap smaller than longest needle")

// IOError reports a file that could not be opened or read. The pipeline
// abandons the file and keeps going.
type IOError struct {
	Path   string
	Op     string // "open", "read", "stat"
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Window is one scanned slice of a file. Data is reused between callbacks and
// must not be retained after the callback returns.
type Window struct {
	Offset int64
	Data   []byte
}

// End returns the absolute offset one past the last byte of the window.
func (w Window) End() int64 { return w.Offset + int64(len(w.Data)) }

// Scanner walks a file in fixed-size chunks. Each window starts with the last
// Overlap bytes of the previous one, so a match of length <= Overlap+1 is
// always fully contained in at least one window.
type Scanner struct {
	ChunkSize int
	Overlap   int
}

// New returns a Scanner, substituting defaults for non-positive sizes.
func New(chunkSize, overlap int) Scanner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	return Scanner{ChunkSize: chunkSize, Overlap: overlap}
}

// Validate checks the overlap against the longest pattern that will be
// matched in the scanned windows.
func (s Scanner) Validate(maxNeedle int) error {
	if maxNeedle > 0 && s.Overlap < maxNeedle-1 {
		return fmt.Errorf("%w: overlap %d, needle %d bytes", ErrOverlapTooSmall, s.Overlap, maxNeedle)
	}
	return nil
}

// Scan reads r to the end and calls fn for every window. Peak memory is one
// buffer of ChunkSize+Overlap bytes regardless of the input size.
func (s Scanner) Scan(ctx context.Context, path string, r io.Reader, fn func(Window) error) error {
	s = New(s.ChunkSize, s.Overlap)
	buf := make([]byte, s.Overlap+s.ChunkSize)

	var offset int64 // absolute offset of buf[0]
	carry := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r, buf[carry:carry+s.ChunkSize])
		if n > 0 {
			total := carry + n
			if ferr := fn(Window{Offset: offset, Data: buf[:total]}); ferr != nil {
				return ferr
			}
			keep := min(s.Overlap, total)
			copy(buf, buf[total-keep:total])
			offset += int64(total - keep)
			carry = keep
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return &IOError{Path: path, Op: "read", Offset: offset + int64(carry), Err: err}
		}
	}
}

// ScanFile opens path on fsys and scans it from the first byte. Calling it
// again restarts the sequence.
func (s Scanner) ScanFile(ctx context.Context, fsys billy.Filesystem, path string, fn func(Window) error) error {
	f, err := Open(fsys, path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }() // safe to ignore
	return s.Scan(ctx, path, f, fn)
}

// Open opens path for reading, reporting failures as *IOError.
func Open(fsys billy.Filesystem, path string) (billy.File, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "open", Err: err}
	}
	return f, nil
}

// ReadSpan reads up to n bytes at off. A span that runs past the end of the
// file is returned short rather than as an error.
func ReadSpan(r io.ReaderAt, off int64, n int) ([]byte, error) {
	if off < 0 {
		n += int(off)
		off = 0
	}
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	m, err := r.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:m], nil
}
