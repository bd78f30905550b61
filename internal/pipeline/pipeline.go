// Package pipeline runs simulated builds and deployments of a project's
// files on the background worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/codemechanic/internal/artifacts"
	"github.com/dshills/codemechanic/internal/events"
	"github.com/dshills/codemechanic/internal/repository"
	"github.com/dshills/codemechanic/internal/worker"
)

// Job kinds for metrics.
const (
	kindBuild  = "build"
	kindDeploy = "deploy"
)

// Options configures a Runner.
type Options struct {
	// StepDelay is slept before every stage.
	StepDelay    time.Duration
	DeployDomain string
	Events       events.Publisher
	Logger       *zap.Logger
}

// Runner starts build and deploy jobs.
type Runner struct {
	repo         repository.Repository
	store        artifacts.Store
	pool         *worker.Pool
	delay        time.Duration
	deployDomain string
	events       events.Publisher
	log          *zap.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// New creates a Runner.
func New(repo repository.Repository, store artifacts.Store, pool *worker.Pool, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.DeployDomain == "" {
		opts.DeployDomain = "codemechanic.app"
	}
	return &Runner{
		repo:         repo,
		store:        store,
		pool:         pool,
		delay:        opts.StepDelay,
		deployDomain: opts.DeployDomain,
		events:       opts.Events,
		log:          opts.Logger.Named("pipeline"),
		cancels:      make(map[uuid.UUID]context.CancelFunc),
	}
}

// track registers cancel for id unless the job has already been stopped.
// It returns false when the job should not run.
func (r *Runner) track(id uuid.UUID, cancel context.CancelFunc, stillQueued func() (bool, error)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := stillQueued()
	if err != nil || !ok {
		return false, err
	}
	r.cancels[id] = cancel
	return true, nil
}

func (r *Runner) untrack(id uuid.UUID) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

// appendLine adds a timestamped line to a job log.
func appendLine(logs *string, msg string) {
	*logs += fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.TimeOnly), msg)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
