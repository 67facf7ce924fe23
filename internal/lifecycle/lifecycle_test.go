package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestTransitions(t *testing.T) {
	c := New()
	if got := c.State(); got != StateRunning {
		t.Fatalf("initial state = %v, want running", got)
	}
	if err := c.CheckRunning(); err != nil {
		t.Fatalf("CheckRunning while running: %v", err)
	}
	if !c.BeginStop() {
		t.Fatal("BeginStop should transition from running")
	}
	if c.BeginStop() {
		t.Fatal("second BeginStop should be a no-op")
	}
	if got := c.State(); got != StateStopping {
		t.Fatalf("state = %v, want stopping", got)
	}
	if err := c.CheckRunning(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("CheckRunning while stopping = %v, want ErrNotRunning", err)
	}
	c.MarkStopped()
	if got := c.State(); got != StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestDoneClosedOnStop(t *testing.T) {
	c := New()
	select {
	case <-c.Done():
		t.Fatal("Done closed before stop")
	default:
	}
	c.BeginStop()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after BeginStop")
	}
}

func TestMarkStoppedFromRunningReleasesWaiters(t *testing.T) {
	c := New()
	c.MarkStopped()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after MarkStopped")
	}
}
