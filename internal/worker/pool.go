package worker

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/agentic-research/lodestone/internal/diag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxDefaultConcurrency = 8

// Options tunes a Pool.
type Options struct {
	Concurrency int           // parallel jobs; 0 means min(NumCPU, 8)
	Timeout     time.Duration // per job; 0 means none
}

// Pool fans jobs out to a Runner. A failed job is recorded in the collector
// and contributes nothing; it never fails the run.
type Pool struct {
	runner Runner
	opts   Options
	log    *zap.Logger
	diag   *diag.Collector
}

// NewPool creates a Pool running jobs on r. Failures are recorded in c; a nil
// collector or logger gets a private one.
func NewPool(r Runner, opts Options, log *zap.Logger, c *diag.Collector) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = min(runtime.NumCPU(), maxDefaultConcurrency)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if c == nil {
		c = diag.NewCollector(log)
	}
	return &Pool{runner: r, opts: opts, log: log, diag: c}
}

// Run executes jobs and returns the evidence of those that succeeded, sorted
// by file. When ctx ends no further jobs are started and the
// partial evidence is returned along with ctx's error.
func (p *Pool) Run(ctx context.Context, jobs []Job) ([]Evidence, error) {
	var (
		mu      sync.Mutex
		results []Evidence
		g       errgroup.Group
	)
	g.SetLimit(p.opts.Concurrency)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			jctx, cancel := ctx, context.CancelFunc(func() {})
			if p.opts.Timeout > 0 {
				jctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
			}
			defer cancel()

			start := time.Now()
			ev, err := p.runner.Run(jctx, job)
			if err != nil {
				p.diag.Add(diag.Entry{
					Kind:    KindOf(err),
					File:    job.Path,
					Purpose: job.PurposeList(),
					Message: err.Error(),
				})
				return nil
			}
			p.log.Debug("job done",
				zap.String("file", job.Path),
				zap.String("purposes", job.PurposeList()),
				zap.Int64("scanned", ev.Scanned),
				zap.Duration("elapsed", time.Since(start)),
			)
			p.diag.AddAll(ev.Issues)

			mu.Lock()
			results = append(results, ev)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // jobs never return errors

	slices.SortFunc(results, func(a, b Evidence) int {
		return cmp.Compare(a.File, b.File)
	})
	return results, ctx.Err()
}
