package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/history"
	"github.com/voxgate/voxgate/internal/logger"
	"github.com/voxgate/voxgate/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned when a start arrives while a live handle
	// exists. It is a skip, not a failure.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNoCommand is returned when no worker invocation has been bound yet.
	ErrNoCommand = errors.New("no worker command bound")
	// ErrShuttingDown is returned for operations after Shutdown.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// EventType classifies supervisor lifecycle events.
type EventType string

const (
	EventStarted           EventType = "started"
	EventStopped           EventType = "stopped"
	EventCrashed           EventType = "crashed"
	EventRestartScheduled  EventType = "restart_scheduled"
	EventRestartsExhausted EventType = "restarts_exhausted"
)

// Event is published on the supervisor's event channel so observers
// (history sinks, alerting, metrics) can be composed without coupling.
type Event struct {
	Type       EventType
	PID        int
	At         time.Time
	Uptime     time.Duration
	Err        string
	StderrTail []string
}

// Status is a point-in-time projection of the supervised worker.
type Status struct {
	Running         bool
	PID             int
	StartedAt       time.Time
	Restarts        int
	BudgetExhausted bool
	Stopping        bool
	LastError       string
	StderrTail      []string
}

// Options configure a Supervisor.
type Options struct {
	Name          string // used for log file naming
	ModelID       string
	Port          int      // worker listen port, used for stale-instance cleanup
	Signature     []string // cmdline substrings identifying our own worker invocation
	GraceTimeout  time.Duration
	RestartOn     bool
	MaxRestarts   int
	RestartDelay  time.Duration
	HealthyUptime time.Duration
	Log           logger.Config
	Logger        *slog.Logger
}

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionShutdown
)

type request struct {
	action action
	ctx    context.Context
	reply  chan error
}

type exitMsg struct {
	h   *handle
	err error
}

// Supervisor owns the worker OS process: spawn, stop, crash detection and the
// restart policy. Start, stop and restart never interleave: every lifecycle
// operation flows through one command channel consumed by a single goroutine.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	cmdCh  chan request
	exitCh chan exitMsg
	doneCh chan struct{}
	events chan Event

	mu        sync.Mutex
	command   *Command
	h         *handle
	restarts  int
	exhausted bool
	lastErr   string
	sinks     []history.Sink
}

// New creates a Supervisor and starts its state-machine goroutine.
func New(opts Options) *Supervisor {
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 5 * time.Second
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 2 * time.Second
	}
	if opts.HealthyUptime <= 0 {
		opts.HealthyUptime = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "tts-worker"
	}
	s := &Supervisor{
		opts:   opts,
		log:    opts.Logger,
		cmdCh:  make(chan request),
		exitCh: make(chan exitMsg, 4),
		doneCh: make(chan struct{}),
		events: make(chan Event, 16),
	}
	metrics.SetRestartBudget(opts.ModelID, opts.MaxRestarts)
	go s.run()
	return s
}

// SetHistory configures lifecycle event sinks.
func (s *Supervisor) SetHistory(sinks ...history.Sink) {
	s.mu.Lock()
	s.sinks = append([]history.Sink(nil), sinks...)
	s.mu.Unlock()
}

// BindCommand sets the worker invocation used by subsequent starts.
func (s *Supervisor) BindCommand(c Command) {
	s.mu.Lock()
	s.command = &c
	s.mu.Unlock()
}

// Events returns the lifecycle event channel. Events are dropped when no
// observer keeps up.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Start spawns the worker. Returns ErrAlreadyRunning if a handle exists.
func (s *Supervisor) Start(ctx context.Context) error { return s.send(ctx, actionStart) }

// Stop terminates the worker gracefully, escalating after the grace period.
// Stopping a stopped worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error { return s.send(ctx, actionStop) }

// Restart stops then starts the worker and resets the restart budget, as a
// manual restart is an explicit operator intervention.
func (s *Supervisor) Restart(ctx context.Context) error { return s.send(ctx, actionRestart) }

// Shutdown stops the worker and terminates the state machine.
func (s *Supervisor) Shutdown(ctx context.Context) error { return s.send(ctx, actionShutdown) }

func (s *Supervisor) send(ctx context.Context, a action) error {
	reply := make(chan error, 1)
	select {
	case s.cmdCh <- request{action: a, ctx: ctx, reply: reply}:
		return <-reply
	case <-s.doneCh:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether a live worker handle exists.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil && s.h.alive()
}

// ResetRestartBudget clears the consumed restart budget (configuration change
// or manual intervention).
func (s *Supervisor) ResetRestartBudget() {
	s.mu.Lock()
	s.restarts = 0
	s.exhausted = false
	s.mu.Unlock()
	metrics.SetRestartBudget(s.opts.ModelID, s.opts.MaxRestarts)
}

// Status returns a snapshot of the worker state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Restarts:        s.restarts,
		BudgetExhausted: s.exhausted,
		LastError:       s.lastErr,
	}
	if s.h != nil {
		st.Running = s.h.alive()
		st.PID = s.h.pid
		st.StartedAt = s.h.startedAt
		st.Stopping = s.h.stopping
		st.StderrTail = s.h.tail.Lines()
	}
	return st
}

// run is the single goroutine through which all lifecycle transitions pass.
func (s *Supervisor) run() {
	var restartTimer *time.Timer
	var restartCh <-chan time.Time

	cancelRestart := func() {
		if restartTimer != nil {
			restartTimer.Stop()
			restartTimer = nil
			restartCh = nil
		}
	}

	for {
		select {
		case req := <-s.cmdCh:
			switch req.action {
			case actionStart:
				cancelRestart()
				req.reply <- s.doStart(req.ctx)
			case actionStop:
				cancelRestart()
				req.reply <- s.doStop()
			case actionRestart:
				cancelRestart()
				_ = s.doStop()
				s.ResetRestartBudget()
				req.reply <- s.doStart(req.ctx)
			case actionShutdown:
				cancelRestart()
				err := s.doStop()
				close(s.doneCh)
				req.reply <- err
				return
			}

		case msg := <-s.exitCh:
			if delay, ok := s.handleExit(msg); ok {
				cancelRestart()
				restartTimer = time.NewTimer(delay)
				restartCh = restartTimer.C
			}

		case <-restartCh:
			restartTimer = nil
			restartCh = nil
			if err := s.doStart(context.Background()); err != nil {
				s.log.Error("delayed restart failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) doStart(ctx context.Context) error {
	s.mu.Lock()
	if s.h != nil && s.h.alive() {
		pid := s.h.pid
		s.mu.Unlock()
		s.log.Warn("start skipped, worker already running", "pid", pid)
		return ErrAlreadyRunning
	}
	cmdPtr := s.command
	s.mu.Unlock()
	if cmdPtr == nil {
		return ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Advisory only; low memory is logged, never blocks a start attempt.
	s.checkMemoryHeadroom()

	if err := s.clearStalePort(ctx); err != nil {
		return err
	}

	h, err := s.spawn(*cmdPtr)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("spawn worker: %w", err)
	}

	s.mu.Lock()
	s.h = h
	s.lastErr = ""
	s.mu.Unlock()

	s.log.Info("worker started", "pid", h.pid, "model", s.opts.ModelID)
	metrics.IncWorkerStart(s.opts.ModelID)
	s.emit(Event{Type: EventStarted, PID: h.pid, At: time.Now()})
	s.persist(history.EventStart, h.pid, "running", "", "")
	return nil
}

func (s *Supervisor) doStop() error {
	s.mu.Lock()
	h := s.h
	if h == nil {
		s.mu.Unlock()
		return nil
	}
	h.stopping = true
	s.mu.Unlock()

	if h.alive() {
		s.log.Info("stopping worker", "pid", h.pid, "grace", s.opts.GraceTimeout)
		h.terminate(s.opts.GraceTimeout)
	}

	// Drain the exit notification for this handle so its bookkeeping runs
	// before doStop returns; the handle must be observed gone by callers.
	select {
	case msg := <-s.exitCh:
		_, _ = s.handleExit(msg)
	case <-time.After(time.Second):
	}
	return nil
}

// handleExit performs the event-driven exit bookkeeping. It returns a restart
// delay and true when a delayed restart should be scheduled.
func (s *Supervisor) handleExit(msg exitMsg) (time.Duration, bool) {
	s.mu.Lock()
	if s.h != msg.h {
		// Exit of an old handle already replaced; nothing to do.
		s.mu.Unlock()
		return 0, false
	}
	s.h = nil
	stopping := msg.h.stopping
	if msg.err != nil {
		s.lastErr = msg.err.Error()
	}
	s.mu.Unlock()

	msg.h.closeWriters()
	uptime := time.Since(msg.h.startedAt)
	tail := msg.h.tail.Lines()
	errText := ""
	if msg.err != nil {
		errText = msg.err.Error()
	}

	if stopping {
		s.log.Info("worker stopped", "pid", msg.h.pid, "uptime", uptime.Round(time.Second))
		metrics.IncWorkerStop(s.opts.ModelID)
		s.emit(Event{Type: EventStopped, PID: msg.h.pid, At: time.Now(), Uptime: uptime})
		s.persist(history.EventStop, msg.h.pid, "stopped", errText, "")
		return 0, false
	}

	// Unexpected exit.
	if killedBySIGKILL(msg.err) {
		s.log.Error("worker killed forcefully; possible out-of-memory kill",
			"pid", msg.h.pid, "uptime", uptime.Round(time.Second))
	} else {
		s.log.Error("worker exited unexpectedly",
			"pid", msg.h.pid, "uptime", uptime.Round(time.Second), "error", errText)
	}
	metrics.IncWorkerCrash(s.opts.ModelID)
	s.emit(Event{Type: EventCrashed, PID: msg.h.pid, At: time.Now(), Uptime: uptime, Err: errText, StderrTail: tail})
	s.persist(history.EventCrash, msg.h.pid, "crashed", errText, strings.Join(tail, "\n"))

	s.mu.Lock()
	if uptime >= s.opts.HealthyUptime {
		// The process was healthy long enough; this crash starts a fresh
		// episode rather than continuing a flap.
		s.restarts = 0
		s.exhausted = false
		metrics.SetRestartBudget(s.opts.ModelID, s.opts.MaxRestarts)
	}
	if !s.opts.RestartOn || s.exhausted {
		s.mu.Unlock()
		return 0, false
	}
	if s.restarts >= s.opts.MaxRestarts {
		s.exhausted = true
		s.mu.Unlock()
		metrics.SetRestartBudget(s.opts.ModelID, 0)
		s.log.Error("restart budget exhausted; automatic restarts suppressed until reset",
			"max", s.opts.MaxRestarts)
		s.emit(Event{Type: EventRestartsExhausted, PID: msg.h.pid, At: time.Now(), Err: errText})
		s.persist(history.EventRestartsExhausted, msg.h.pid, "crashed", errText, "")
		return 0, false
	}
	s.restarts++
	remaining := s.opts.MaxRestarts - s.restarts
	s.mu.Unlock()

	metrics.IncWorkerRestart(s.opts.ModelID)
	metrics.SetRestartBudget(s.opts.ModelID, remaining)
	s.log.Warn("scheduling worker restart", "delay", s.opts.RestartDelay, "budget_remaining", remaining)
	s.emit(Event{Type: EventRestartScheduled, PID: msg.h.pid, At: time.Now(), Err: errText})
	return s.opts.RestartDelay, true
}

func (s *Supervisor) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("lifecycle event dropped, observer too slow", "type", string(e.Type))
	}
}

func (s *Supervisor) persist(t history.EventType, pid int, status, errText, detail string) {
	s.mu.Lock()
	sinks := append([]history.Sink(nil), s.sinks...)
	s.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	now := time.Now().UTC()
	evt := history.Event{
		Type:       t,
		OccurredAt: now,
		Record: history.Record{
			Model:     s.opts.ModelID,
			PID:       pid,
			Status:    status,
			Error:     errText,
			Detail:    detail,
			UpdatedAt: now,
		},
	}
	for _, sink := range sinks {
		if err := sink.Send(context.Background(), evt); err != nil {
			s.log.Warn("history sink send failed", "error", err)
		}
	}
}
