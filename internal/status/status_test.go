package status

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPhaseOrdering(t *testing.T) {
	tr := NewTracker("kokoro-v1.0", "", nil)
	tr.Begin()
	tr.SetPhase(PhasePreparingPython, "resolving interpreter")
	tr.SetPhase(PhaseStartingServer, "spawning worker")
	// A regression must be ignored within the same attempt.
	tr.SetPhase(PhasePreparingPython, "stale")
	if got := tr.Snapshot().Phase; got != PhaseStartingServer {
		t.Fatalf("phase = %v after regression attempt, want starting_server", got)
	}
	tr.MarkReady()
	if got := tr.Snapshot().Phase; got != PhaseReady {
		t.Fatalf("phase = %v, want ready", got)
	}
}

func TestBeginClearsPriorAttempt(t *testing.T) {
	tr := NewTracker("kokoro-v1.0", "", nil)
	tr.Begin()
	tr.MarkError(errors.New("spawn failed"))
	if s := tr.Snapshot(); s.LastError == "" {
		t.Fatal("expected error recorded")
	}
	tr.Begin()
	s := tr.Snapshot()
	if s.Phase != PhaseIdle || s.LastError != "" || s.BytesDone != 0 {
		t.Fatalf("Begin did not reset: %+v", s)
	}
	if s.StartedAt.IsZero() {
		t.Fatal("Begin must stamp a start time")
	}
}

func TestMarkIdleFromAnyState(t *testing.T) {
	tr := NewTracker("m", "", nil)
	tr.Begin()
	tr.SetPhase(PhaseWaitingHealth, "")
	tr.MarkIdle()
	if got := tr.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
}

func TestProgressEstimation(t *testing.T) {
	cache := t.TempDir()
	// Half of the smallest table entry.
	blob := make([]byte, 4096)
	if err := os.WriteFile(filepath.Join(cache, "model.onnx"), blob, 0o600); err != nil {
		t.Fatal(err)
	}
	tr := NewTracker("kokoro-v1.0", cache, nil)
	tr.Begin()
	tr.SetPhase(PhaseWaitingHealth, "waiting for health check")
	defer tr.MarkIdle()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s := tr.Snapshot()
		if s.BytesDone > 0 {
			if s.Percent < 0 || s.Percent > 99 {
				t.Fatalf("percent = %d, want clamped 0-99", s.Percent)
			}
			if s.Bar == "" {
				t.Fatal("expected a rendered bar with an estimate")
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("poller never observed cache bytes")
}

func TestReadyForcesFullProgress(t *testing.T) {
	tr := NewTracker("kokoro-v1.0", "", nil)
	tr.Begin()
	tr.mu.Lock()
	tr.bytesDone = 100
	tr.bytesTotal = 1000
	tr.mu.Unlock()
	tr.MarkReady()
	s := tr.Snapshot()
	if s.Percent != 100 {
		t.Fatalf("percent after ready = %d, want 100", s.Percent)
	}
}

func TestUnknownModelReportsRawBytesOnly(t *testing.T) {
	if estimateArtifactSize("mystery-model") != 0 {
		t.Fatal("unknown model must have no size estimate")
	}
	s := Snapshot{Phase: PhaseWaitingHealth, BytesDone: 5 * miB, Percent: -1}
	if line := s.Line(); !strings.Contains(line, "downloaded") {
		t.Fatalf("line %q should report raw bytes", line)
	}
}

func TestDetailEmbedsPhaseAndProgress(t *testing.T) {
	s := Snapshot{
		Phase:      PhaseWaitingHealth,
		Message:    "waiting for health check",
		StartedAt:  time.Now().Add(-2 * time.Second),
		BytesDone:  10 * miB,
		BytesTotal: 100 * miB,
		Percent:    10,
	}
	d := s.Detail()
	for _, want := range []string{"phase=waiting_health", "progress=10%", "approx"} {
		if !strings.Contains(d, want) {
			t.Errorf("detail %q missing %q", d, want)
		}
	}
}
