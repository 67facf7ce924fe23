package ready

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/lifecycle"
	"github.com/voxgate/voxgate/internal/pyenv"
	"github.com/voxgate/voxgate/internal/status"
	"github.com/voxgate/voxgate/internal/supervisor"
)

type fakePreparer struct {
	calls atomic.Int32
	err   error
}

func (f *fakePreparer) Prepare(ctx context.Context) (pyenv.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return pyenv.Result{}, f.err
	}
	return pyenv.Result{Python: "/usr/bin/python3", Script: "worker.py"}, nil
}

func (f *fakePreparer) Invalidate() {}

type fixture struct {
	orch *Orchestrator
	sup  *supervisor.Supervisor
	trk  *status.Tracker
	prep *fakePreparer
}

func newFixture(t *testing.T, healthHandler http.HandlerFunc) *fixture {
	t.Helper()
	srv := httptest.NewServer(healthHandler)
	t.Cleanup(srv.Close)

	sup := supervisor.New(supervisor.Options{ModelID: "test-model", GraceTimeout: time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	mon := health.New(srv.URL, health.Options{Timeout: 500 * time.Millisecond})
	t.Cleanup(mon.Stop)

	life := lifecycle.New()
	trk := status.NewTracker("test-model", t.TempDir(), nil)
	prep := &fakePreparer{}
	orch := New(Options{
		Lifecycle:  life,
		Supervisor: sup,
		Monitor:    mon,
		Tracker:    trk,
		Preparer:   prep,
		Command: func(pyenv.Result) supervisor.Command {
			return supervisor.Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}
		},
		PollInterval: 20 * time.Millisecond,
		PollAttempts: 3,
	})
	return &fixture{orch: orch, sup: sup, trk: trk, prep: prep}
}

func okHealth(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestColdStartReachesReady(t *testing.T) {
	f := newFixture(t, okHealth)
	if err := f.orch.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !f.sup.IsRunning() {
		t.Fatal("worker not running after successful cold start")
	}
	if got := f.trk.Snapshot().Phase; got != status.PhaseReady {
		t.Fatalf("phase = %s, want ready", got)
	}
}

func TestConcurrentColdStartPreparesOnce(t *testing.T) {
	f := newFixture(t, okHealth)

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = f.orch.EnsureReady(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := f.prep.calls.Load(); n != 1 {
		t.Fatalf("environment prepared %d times, want 1", n)
	}
}

func TestHealthTimeoutLeavesWorkerRunning(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	err := f.orch.EnsureReady(context.Background())
	if !errors.Is(err, ErrHealthTimeout) {
		t.Fatalf("EnsureReady = %v, want ErrHealthTimeout", err)
	}
	// The process stays up so its own logs remain inspectable.
	if !f.sup.IsRunning() {
		t.Fatal("worker was torn down after a health timeout")
	}
	if got := f.trk.Snapshot().Phase; got != status.PhaseError {
		t.Fatalf("phase = %s, want error", got)
	}
}

func TestPrepareFailureIsRetryable(t *testing.T) {
	f := newFixture(t, okHealth)
	f.prep.err = errors.New("no interpreter")

	if err := f.orch.EnsureReady(context.Background()); err == nil {
		t.Fatal("expected preparation failure")
	}
	if f.sup.IsRunning() {
		t.Fatal("worker spawned despite preparation failure")
	}

	// Fixing the environment makes the next call succeed; the flight key is
	// not stuck on the failed attempt.
	f.prep.err = nil
	if err := f.orch.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady after fix: %v", err)
	}
	if n := f.prep.calls.Load(); n != 2 {
		t.Fatalf("prepare calls = %d, want 2", n)
	}
}

func TestWarmPathSkipsPreparation(t *testing.T) {
	f := newFixture(t, okHealth)
	if err := f.orch.EnsureReady(context.Background()); err != nil {
		t.Fatalf("cold start: %v", err)
	}
	if err := f.orch.EnsureReady(context.Background()); err != nil {
		t.Fatalf("warm call: %v", err)
	}
	if n := f.prep.calls.Load(); n != 1 {
		t.Fatalf("prepare calls = %d, want 1 (warm path must skip)", n)
	}
}

func TestWarmPathHealthFailureCarriesDetail(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	f := newFixture(t, func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if err := f.orch.EnsureReady(context.Background()); err != nil {
		t.Fatalf("cold start: %v", err)
	}

	healthy.Store(false)
	err := f.orch.EnsureReady(context.Background())
	if !errors.Is(err, ErrHealthTimeout) {
		t.Fatalf("warm EnsureReady = %v, want ErrHealthTimeout", err)
	}
	if !strings.Contains(err.Error(), "phase=") {
		t.Fatalf("warm-path error %q lacks the status detail", err)
	}
}

func TestEnsureReadyAfterShutdownFails(t *testing.T) {
	f := newFixture(t, okHealth)
	life := lifecycle.New()
	life.BeginStop()
	orch := New(Options{
		Lifecycle:  life,
		Supervisor: f.sup,
		Monitor:    health.New("http://127.0.0.1:1/health", health.Options{}),
		Tracker:    f.trk,
		Preparer:   f.prep,
		Command: func(pyenv.Result) supervisor.Command {
			return supervisor.Command{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}
		},
	})
	if err := orch.EnsureReady(context.Background()); !errors.Is(err, lifecycle.ErrNotRunning) {
		t.Fatalf("EnsureReady while stopping = %v, want ErrNotRunning", err)
	}
}
