package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voxgate/voxgate/internal/metrics"
)

// DefaultThreshold is the number of consecutive probe failures before an
// unhealthy event fires.
const DefaultThreshold = 3

// UnhealthyEvent is emitted once per failure episode.
type UnhealthyEvent struct {
	Failures int
	At       time.Time
}

// Options configure a Monitor.
type Options struct {
	Timeout   time.Duration // per-probe bound
	Interval  time.Duration // periodic scheduler interval
	Threshold int           // consecutive failures before the event fires
	Logger    *slog.Logger
}

// Monitor probes the worker's health endpoint. Concurrent Check calls share
// one in-flight probe; the periodic scheduler never overlaps probes.
type Monitor struct {
	url       string
	client    *http.Client
	timeout   time.Duration
	interval  time.Duration
	threshold int
	log       *slog.Logger

	group  singleflight.Group
	events chan UnhealthyEvent

	mu      sync.Mutex
	fails   int
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Monitor for the given health URL (e.g.
// "http://127.0.0.1:8881/health").
func New(url string, opts Options) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		url:       url,
		client:    &http.Client{},
		timeout:   opts.Timeout,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		log:       opts.Logger,
		events:    make(chan UnhealthyEvent, 4),
	}
}

// Unhealthy returns the event channel. Events are dropped, not blocked on,
// when no observer keeps up.
func (m *Monitor) Unhealthy() <-chan UnhealthyEvent { return m.events }

// Ping performs one bounded probe. Any network error, timeout or non-2xx
// response counts as failure.
func (m *Monitor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

// Check runs one de-duplicated probe and applies the consecutive-failure
// policy. Callers arriving while a probe is in flight await its outcome.
func (m *Monitor) Check(ctx context.Context) error {
	_, err, _ := m.group.Do("probe", func() (interface{}, error) {
		err := m.Ping(ctx)
		m.settle(err)
		return nil, err
	})
	return err
}

func (m *Monitor) settle(err error) {
	m.mu.Lock()
	if err == nil {
		recovered := m.fails
		m.fails = 0
		m.mu.Unlock()
		if recovered > 0 {
			m.log.Info("worker health recovered", "after_failures", recovered)
		}
		return
	}
	m.fails++
	fails := m.fails
	fire := fails >= m.threshold
	if fire {
		// Reset so the event fires once per failure episode.
		m.fails = 0
	}
	m.mu.Unlock()

	metrics.IncHealthFailure()
	m.log.Warn("health probe failed", "consecutive", fails, "error", err)
	if fire {
		select {
		case m.events <- UnhealthyEvent{Failures: fails, At: time.Now()}:
		default:
			m.log.Warn("unhealthy event dropped, no observer")
		}
	}
}

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fails
}

// Start launches the periodic scheduler. The next probe is scheduled only
// after the previous one settles, so probes never overlap even under jitter.
// Calling Start on a running monitor restarts its counter state but not the
// loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.fails = 0
		m.mu.Unlock()
		return
	}
	m.running = true
	m.fails = 0
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(stop, done)
}

// Stop halts the periodic scheduler and waits for an in-flight probe cycle to
// finish. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		_ = m.Check(context.Background())
		timer.Reset(m.interval)
	}
}
