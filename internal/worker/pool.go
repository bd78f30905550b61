// Package worker runs background jobs outside of request lifetimes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codemechanic/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown has started.
var ErrClosed = errors.New("worker pool closed")

// Job is a unit of background work. It must honor ctx cancellation.
type Job func(ctx context.Context) error

// Options configures a Pool.
type Options struct {
	// Concurrency caps jobs running at once. Values < 1 mean 4.
	Concurrency int
	// Timeout bounds each job. Zero means no per-job timeout.
	Timeout time.Duration
}

// Pool is a bounded pool of goroutines. Jobs beyond the limit wait for a
// free slot without blocking Submit.
type Pool struct {
	log     *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// New creates a pool.
func New(opts Options, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:     logger.Named("worker"),
		timeout: opts.Timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.g.SetLimit(opts.Concurrency)
	return p
}

// Submit queues job under name. It returns immediately.
func (p *Pool) Submit(name string, job Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending.Add(1)
	p.mu.Unlock()

	// errgroup.Go blocks when the limit is reached, so hand off to a goroutine.
	go func() {
		defer p.pending.Done()
		p.g.Go(func() error {
			p.run(name, job)
			return nil
		})
	}()
	return nil
}

func (p *Pool) run(name string, job Job) {
	metrics.WorkerJobsInFlight.Inc()
	defer metrics.WorkerJobsInFlight.Dec()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRun(ctx, job)
	switch {
	case err == nil:
		p.log.Debug("job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
	case errors.Is(err, context.Canceled):
		p.log.Info("job cancelled", zap.String("job", name))
	default:
		p.log.Error("job failed", zap.String("job", name), zap.Error(err))
	}
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx)
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, outstanding jobs are cancelled and Shutdown waits for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		_ = p.g.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
