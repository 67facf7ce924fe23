package warmup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/lifecycle"
)

type countingReadier struct {
	calls atomic.Int32
	block chan struct{} // when set, EnsureReady parks until closed
}

func (c *countingReadier) EnsureReady(context.Context) error {
	c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	return nil
}

func TestSchedulerFiresPeriodically(t *testing.T) {
	r := &countingReadier{}
	s := New(r, lifecycle.New(), 20*time.Millisecond, 0, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := r.calls.Load(); n < 3 {
		t.Fatalf("EnsureReady fired %d times, want >= 3", n)
	}
}

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	r := &countingReadier{block: make(chan struct{})}
	s := New(r, lifecycle.New(), 15*time.Millisecond, 0, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	close(r.block)
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("overlapping ticks fired %d attempts, want 1", n)
	}
}

func TestSchedulerStopsOnLifecycleDone(t *testing.T) {
	r := &countingReadier{}
	life := lifecycle.New()
	s := New(r, life, 10*time.Millisecond, 0, nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	life.BeginStop()

	time.Sleep(50 * time.Millisecond)
	base := r.calls.Load()
	time.Sleep(60 * time.Millisecond)
	if r.calls.Load() != base {
		t.Fatal("scheduler kept firing after lifecycle stop")
	}
	s.Stop()
}

func TestStartValidation(t *testing.T) {
	s := New(&countingReadier{}, lifecycle.New(), 0, 0, nil)
	if err := s.Start(); err == nil {
		t.Fatal("expected error for zero interval")
	}
	s2 := New(&countingReadier{}, lifecycle.New(), time.Second, 0, nil)
	if err := s2.Start(); err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()
	if err := s2.Start(); err == nil {
		t.Fatal("double start must fail")
	}
}
