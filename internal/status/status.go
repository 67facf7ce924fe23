package status

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase is one stage of a worker startup attempt.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhasePreparingPython Phase = "preparing_python"
	PhaseStartingServer  Phase = "starting_server"
	PhaseWaitingHealth   Phase = "waiting_health"
	PhaseReady           Phase = "ready"
	PhaseError           Phase = "error"
)

// rank orders phases so transitions within one attempt stay monotonic.
func (p Phase) rank() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhasePreparingPython:
		return 1
	case PhaseStartingServer:
		return 2
	case PhaseWaitingHealth:
		return 3
	case PhaseReady, PhaseError:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool { return p == PhaseReady || p == PhaseError }

// Snapshot is an immutable-per-read projection of the tracker state. It is
// safe to pass by value to any reader.
type Snapshot struct {
	Phase     Phase
	Message   string
	StartedAt time.Time
	LastError string

	// Best-effort download progress. Percent is -1 when no size estimate
	// matched the model identifier; BytesDone is still populated then.
	BytesDone  uint64
	BytesTotal uint64
	Percent    int
	Bar        string
}

// Line renders a compact human status line.
func (s Snapshot) Line() string {
	var b strings.Builder
	b.WriteString(string(s.Phase))
	if s.Message != "" {
		b.WriteString(": ")
		b.WriteString(s.Message)
	}
	if s.Phase == PhaseWaitingHealth && s.BytesDone > 0 {
		if s.Percent >= 0 {
			fmt.Fprintf(&b, " %s %d%%", s.Bar, s.Percent)
		} else {
			fmt.Fprintf(&b, " (%s downloaded)", humanize.IBytes(s.BytesDone))
		}
	}
	return b.String()
}

// Detail renders a machine-readable diagnostic string for error payloads, so
// a caller that times out can report exactly where the attempt stood.
func (s Snapshot) Detail() string {
	parts := []string{"phase=" + string(s.Phase)}
	if s.Message != "" {
		parts = append(parts, "message="+s.Message)
	}
	if !s.StartedAt.IsZero() {
		parts = append(parts, fmt.Sprintf("elapsed=%s", time.Since(s.StartedAt).Round(time.Second)))
	}
	if s.BytesDone > 0 {
		if s.Percent >= 0 {
			parts = append(parts, fmt.Sprintf("progress=%d%% (%s/%s approx)",
				s.Percent, humanize.IBytes(s.BytesDone), humanize.IBytes(s.BytesTotal)))
		} else {
			parts = append(parts, fmt.Sprintf("downloaded=%s", humanize.IBytes(s.BytesDone)))
		}
	}
	if s.LastError != "" {
		parts = append(parts, "error="+s.LastError)
	}
	return strings.Join(parts, " ")
}

// Tracker is the startup phase state machine plus best-effort download
// progress estimation. One Tracker corresponds to one effective model
// identity; a model change means a fresh Tracker.
type Tracker struct {
	mu         sync.Mutex
	modelID    string
	cacheDir   string
	log        *slog.Logger
	phase      Phase
	message    string
	startedAt  time.Time
	lastErr    string
	bytesDone  uint64
	bytesTotal uint64
	lastLogPct int
	pollCancel context.CancelFunc
}

// NewTracker builds an idle tracker for the given model identity.
func NewTracker(modelID, cacheDir string, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{modelID: modelID, cacheDir: cacheDir, log: log, phase: PhaseIdle}
}

// ModelID returns the model identity this tracker was created for.
func (t *Tracker) ModelID() string { return t.modelID }

// Begin starts a new attempt: progress and error state are cleared and the
// attempt start time is stamped.
func (t *Tracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopPollerLocked()
	t.phase = PhaseIdle
	t.message = ""
	t.lastErr = ""
	t.bytesDone = 0
	t.bytesTotal = 0
	t.lastLogPct = -5
	t.startedAt = time.Now()
}

// SetPhase advances the attempt. Regressing transitions within an attempt are
// ignored; entering waiting_health starts the background progress poller.
func (t *Tracker) SetPhase(p Phase, message string) {
	t.mu.Lock()
	if p.rank() < t.phase.rank() && !t.phase.Terminal() {
		t.mu.Unlock()
		return
	}
	t.phase = p
	t.message = message
	startPoller := p == PhaseWaitingHealth && t.pollCancel == nil && t.cacheDir != ""
	var ctx context.Context
	if startPoller {
		ctx, t.pollCancel = context.WithCancel(context.Background())
	}
	t.mu.Unlock()

	t.log.Info("startup phase", "phase", string(p), "message", message)
	if startPoller {
		go t.pollProgress(ctx)
	}
}

// MarkReady ends the attempt successfully; progress is forced to 100%.
func (t *Tracker) MarkReady() {
	t.mu.Lock()
	t.stopPollerLocked()
	t.phase = PhaseReady
	t.message = "worker is ready"
	t.lastErr = ""
	if t.bytesTotal > 0 {
		t.bytesDone = t.bytesTotal
	}
	t.mu.Unlock()
}

// MarkError ends the attempt with an error.
func (t *Tracker) MarkError(err error) {
	t.mu.Lock()
	t.stopPollerLocked()
	t.phase = PhaseError
	if err != nil {
		t.lastErr = err.Error()
		t.message = err.Error()
	}
	t.mu.Unlock()
}

// MarkIdle resets the machine to idle from any state.
func (t *Tracker) MarkIdle() {
	t.mu.Lock()
	t.stopPollerLocked()
	t.phase = PhaseIdle
	t.message = ""
	t.mu.Unlock()
}

// Snapshot returns the current state as an immutable value.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		Phase:      t.phase,
		Message:    t.message,
		StartedAt:  t.startedAt,
		LastError:  t.lastErr,
		BytesDone:  t.bytesDone,
		BytesTotal: t.bytesTotal,
		Percent:    -1,
	}
	if t.bytesTotal > 0 {
		s.Percent = progressPercent(t.bytesDone, t.bytesTotal, t.phase)
		s.Bar = renderBar(s.Percent, 20)
	}
	return s
}

func (t *Tracker) stopPollerLocked() {
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
}

// pollProgress periodically sums file sizes under the cache directory and
// compares them against the static artifact size table. The estimate races a
// download in progress, so it is approximate by construction.
func (t *Tracker) pollProgress(ctx context.Context) {
	est := estimateArtifactSize(t.modelID)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		done := dirSize(t.cacheDir)
		t.mu.Lock()
		t.bytesDone = done
		t.bytesTotal = est
		pct := -1
		if est > 0 {
			pct = progressPercent(done, est, t.phase)
		}
		shouldLog := pct >= 0 && pct >= t.lastLogPct+5
		if shouldLog {
			t.lastLogPct = pct
		}
		t.mu.Unlock()
		if shouldLog {
			t.log.Info("model artifact progress",
				"model", t.modelID,
				"pct", pct,
				"done", humanize.IBytes(done),
				"estimated", humanize.IBytes(est))
		}
	}
}

// progressPercent clamps to 0-99 until the ready transition forces 100.
func progressPercent(done, total uint64, p Phase) int {
	if total == 0 {
		return -1
	}
	if p == PhaseReady {
		return 100
	}
	pct := int(done * 100 / total)
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return pct
}

func renderBar(pct, width int) string {
	if pct < 0 {
		return ""
	}
	filled := pct * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
