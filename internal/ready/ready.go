// Package ready coordinates the cold-start sequence of the speech worker:
// python environment preparation, spawn, and the bounded wait for the worker
// to answer its health endpoint. All entry points funnel through a
// singleflight group so that a burst of concurrent callers performs the
// sequence exactly once.
package ready

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/lifecycle"
	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/pyenv"
	"github.com/voxgate/voxgate/internal/status"
	"github.com/voxgate/voxgate/internal/supervisor"
)

// ErrHealthTimeout reports a worker that spawned but never answered its
// health endpoint within the poll budget. The process is deliberately left
// running so its own logs stay inspectable; the next caller re-probes.
var ErrHealthTimeout = errors.New("worker did not become healthy in time")

const (
	defaultPollInterval = time.Second
	defaultPollAttempts = 10
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Lifecycle  *lifecycle.Context
	Supervisor *supervisor.Supervisor
	Monitor    *health.Monitor
	Tracker    *status.Tracker
	Preparer   pyenv.Preparer

	// Command builds the worker launch command from a prepared environment.
	Command func(pyenv.Result) supervisor.Command

	// PollInterval and PollAttempts bound the post-spawn health wait.
	PollInterval time.Duration
	PollAttempts int

	Logger *slog.Logger
}

// Orchestrator drives a worker from cold to ready.
type Orchestrator struct {
	opts  Options
	group singleflight.Group
	log   *slog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = defaultPollAttempts
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{opts: opts, log: log.With("component", "ready")}
}

// EnsureReady returns nil once the worker is up and answering health probes,
// performing the full cold-start sequence if needed. Concurrent callers share
// a single in-flight attempt; the flight key is cleared on completion so a
// failed attempt is retried cleanly by the next caller.
func (o *Orchestrator) EnsureReady(ctx context.Context) error {
	if err := o.opts.Lifecycle.CheckRunning(); err != nil {
		return err
	}
	_, err, _ := o.group.Do("ensure", func() (any, error) {
		return nil, o.ensure(ctx)
	})
	return err
}

func (o *Orchestrator) ensure(ctx context.Context) error {
	if o.opts.Supervisor.IsRunning() {
		// Warm path: the process exists, it only needs to answer.
		if err := o.pollHealth(ctx); err != nil {
			o.opts.Tracker.MarkError(err)
			return fmt.Errorf("%w: %s", err, o.opts.Tracker.Snapshot().Detail())
		}
		o.opts.Monitor.Start()
		o.opts.Tracker.MarkReady()
		return nil
	}

	began := time.Now()
	o.opts.Tracker.Begin()

	o.opts.Tracker.SetPhase(status.PhasePreparingPython, "preparing python environment")
	env, err := o.opts.Preparer.Prepare(ctx)
	if err != nil {
		err = fmt.Errorf("prepare python environment: %w", err)
		o.opts.Tracker.MarkError(err)
		return err
	}

	o.opts.Tracker.SetPhase(status.PhaseStartingServer, "starting speech worker")
	o.opts.Supervisor.BindCommand(o.opts.Command(env))
	if err := o.opts.Supervisor.Start(ctx); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
		err = fmt.Errorf("start speech worker: %w", err)
		o.opts.Tracker.MarkError(err)
		return err
	}

	o.opts.Tracker.SetPhase(status.PhaseWaitingHealth, "waiting for worker health")
	if err := o.pollHealth(ctx); err != nil {
		o.opts.Tracker.MarkError(err)
		return fmt.Errorf("%w: %s", err, o.opts.Tracker.Snapshot().Detail())
	}

	o.opts.Monitor.Start()
	o.opts.Tracker.MarkReady()
	metrics.ObserveReadinessDuration(o.opts.Tracker.ModelID(), time.Since(began).Seconds())
	o.log.Info("worker ready", "took", time.Since(began).Round(time.Millisecond))
	return nil
}

// pollHealth probes the worker until it answers, up to the configured budget.
func (o *Orchestrator) pollHealth(ctx context.Context) error {
	var last error
	for i := 0; i < o.opts.PollAttempts; i++ {
		if last = o.opts.Monitor.Ping(ctx); last == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
	}
	return fmt.Errorf("%w: %v", ErrHealthTimeout, last)
}
