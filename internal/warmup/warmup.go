// Package warmup keeps the worker warm by periodically running the readiness
// sequence. A warm worker answers the first real request without paying the
// cold-start cost.
package warmup

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/lifecycle"
)

// Readier is the readiness entry point the scheduler drives.
type Readier interface {
	EnsureReady(ctx context.Context) error
}

// Scheduler fires EnsureReady on a fixed interval with optional jitter.
// Non-overlap: if a previous attempt is still in flight, the tick is skipped.
type Scheduler struct {
	orch     Readier
	life     *lifecycle.Context
	interval time.Duration
	jitter   time.Duration
	log      *slog.Logger

	running atomic.Bool
	quit    chan struct{}
	done    chan struct{}
}

func New(orch Readier, life *lifecycle.Context, interval, jitter time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		orch:     orch,
		life:     life,
		interval: interval,
		jitter:   jitter,
		log:      log.With("component", "warmup"),
	}
}

// Start launches the warmup loop. Call Stop to cancel.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return errors.New("warmup interval must be > 0")
	}
	if s.quit != nil {
		return errors.New("warmup scheduler already started")
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.life.Done():
			return
		case <-time.After(s.nextDelay()):
			if !s.running.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer s.running.Store(false)
				if err := s.orch.EnsureReady(context.Background()); err != nil {
					if errors.Is(err, lifecycle.ErrNotRunning) {
						return
					}
					s.log.Warn("warmup attempt failed", "error", err)
				}
			}()
		}
	}
}

// nextDelay spreads ticks so multiple instances do not warm in lockstep.
func (s *Scheduler) nextDelay() time.Duration {
	if s.jitter <= 0 {
		return s.interval
	}
	return s.interval + time.Duration(rand.Int63n(int64(s.jitter)))
}

// Stop cancels the loop. In-flight attempts are not interrupted.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
}
