package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"

	"github.com/agentic-research/lodestone/internal/diag"
	"github.com/agentic-research/lodestone/internal/scan"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Runner executes one job. Implementations must be safe for concurrent use.
type Runner interface {
	Run(ctx context.Context, job Job) (Evidence, error)
}

// Failure is a job that produced no evidence.
type Failure struct {
	Kind    diag.Kind
	Job     string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Job, f.Message, f.Err)
	}
	return f.Job + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// KindOf maps a job error to the diagnostic kind it is reported under.
func KindOf(err error) diag.Kind {
	var f *Failure
	if errors.As(err, &f) && f.Kind != "" {
		return f.Kind
	}
	var ioErr *scan.IOError
	if errors.As(err, &ioErr) {
		return diag.KindIO
	}
	return diag.KindWorkerFailure
}

// InProcess runs jobs on goroutines of the current process. A panicking job
// is turned into a Failure; it does not protect against memory exhaustion.
type InProcess struct {
	// FS overrides the filesystem; nil means the host filesystem rooted at
	// Job.Root.
	FS billy.Filesystem
}

func (r InProcess) Run(ctx context.Context, job Job) (ev Evidence, err error) {
	defer func() {
		if p := recover(); p != nil {
			ev = Evidence{}
			err = &Failure{Kind: diag.KindWorkerFailure, Job: job.String(), Message: fmt.Sprintf("panic: %v", p)}
		}
	}()
	fsys := r.FS
	if fsys == nil {
		fsys = osfs.New(job.Root)
	}
	return Execute(ctx, fsys, job)
}

// Result is what a worker process writes to stdout.
type Result struct {
	Evidence *Evidence   `json:"evidence,omitempty"`
	Error    *ResultError `json:"error,omitempty"`
}

// ResultError carries a job failure across the process boundary.
type ResultError struct {
	Kind    diag.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Subprocess runs every job in a fresh child process, so a crash or an
// exhausted address space takes down only that job. The child must call
// Serve; by default Exe is re-executed with the hidden "worker" command.
type Subprocess struct {
	Exe  string
	Args []string
	Env  []string
}

// NewSubprocess returns a runner re-executing the current binary.
func NewSubprocess() (*Subprocess, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &Subprocess{Exe: exe, Args: []string{"worker"}}, nil
}

const stderrTail = 2 << 10

func (r *Subprocess) Run(ctx context.Context, job Job) (Evidence, error) {
	in, err := json.Marshal(job)
	if err != nil {
		return Evidence{}, fmt.Errorf("encode job: %w", err)
	}
	args := r.Args
	if args == nil {
		args = []string{"worker"}
	}
	cmd := exec.CommandContext(ctx, r.Exe, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := "worker process failed"
		if ctx.Err() != nil {
			msg = "worker process cancelled"
			err = ctx.Err()
		}
		if tail := lastBytes(stderr.String(), stderrTail); tail != "" {
			msg += ": " + tail
		}
		return Evidence{}, &Failure{Kind: diag.KindWorkerFailure, Job: job.String(), Message: msg, Err: err}
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Evidence{}, &Failure{Kind: diag.KindWorkerFailure, Job: job.String(), Message: "malformed worker output", Err: err}
	}
	if res.Error != nil {
		return Evidence{}, &Failure{Kind: res.Error.Kind, Job: job.String(), Message: res.Error.Message}
	}
	if res.Evidence == nil {
		return Evidence{}, &Failure{Kind: diag.KindWorkerFailure, Job: job.String(), Message: "worker returned no evidence"}
	}
	return *res.Evidence, nil
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// Serve is the worker side of Subprocess: it reads one job from r, applies
// the job's memory budget to the process, executes it and writes a Result
// to w. Job errors travel in the Result; only protocol errors are returned.
func Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var job Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	if job.MemoryLimit > 0 {
		debug.SetMemoryLimit(job.MemoryLimit)
		if err := limitAddressSpace(job.MemoryLimit); err != nil {
			return fmt.Errorf("apply memory budget: %w", err)
		}
	}

	var res Result
	ev, err := Execute(ctx, osfs.New(job.Root), job)
	if err != nil {
		res.Error = &ResultError{Kind: KindOf(err), Message: err.Error()}
	} else {
		res.Evidence = &ev
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
