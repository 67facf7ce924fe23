// Package voxgate supervises a local speech-synthesis worker process and
// fronts it with a readiness-gated HTTP gateway. The package is the public
// embedding surface: construct a Service from a Config and run it, or reach
// for the individual accessors to compose the pieces yourself.
package voxgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/history"
	historyfactory "github.com/voxgate/voxgate/internal/history/factory"
	"github.com/voxgate/voxgate/internal/lifecycle"
	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/pathsafe"
	"github.com/voxgate/voxgate/internal/pyenv"
	"github.com/voxgate/voxgate/internal/ready"
	"github.com/voxgate/voxgate/internal/server"
	"github.com/voxgate/voxgate/internal/status"
	"github.com/voxgate/voxgate/internal/supervisor"
	"github.com/voxgate/voxgate/internal/tlsutil"
	"github.com/voxgate/voxgate/internal/warmup"
)

// Re-export the types external consumers need. Aliases keep conversions
// zero-cost.

type Config = config.Config

type WorkerStatus = supervisor.Status

type StartupSnapshot = status.Snapshot

type HistorySink = history.Sink

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML configuration file with environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Service wires the supervisor, health monitor, readiness orchestration and
// the two HTTP surfaces into one runnable unit.
type Service struct {
	cfg  config.Config
	life *lifecycle.Context
	sup  *supervisor.Supervisor
	mon  *health.Monitor
	trk  *status.Tracker
	orch *ready.Orchestrator
	gw   *gateway.Gateway
	warm *warmup.Scheduler
	sink history.Sink
	log  *slog.Logger

	public *http.Server
	admin  *http.Server
}

// NewService builds a Service from configuration. Nothing is started yet;
// call Run (or Serve the handlers yourself).
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	binding, err := cfg.Binding()
	if err != nil {
		return nil, err
	}
	log := slog.Default().With("service", "voxgate")

	life := lifecycle.New()
	sup := supervisor.New(supervisor.Options{
		Name:          "worker",
		ModelID:       cfg.Model.ID,
		Port:          binding.Worker,
		Signature:     []string{cfg.Worker.Script},
		GraceTimeout:  cfg.Worker.GraceTimeout,
		RestartOn:     cfg.Restart.Enabled,
		MaxRestarts:   cfg.Restart.Max,
		RestartDelay:  cfg.Restart.Delay,
		HealthyUptime: cfg.Restart.HealthyUptime,
		Log:           cfg.Log,
	})

	sink, err := historyfactory.New(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	if sink != nil {
		sup.SetHistory(sink)
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d%s", binding.Worker, cfg.Worker.HealthPath)
	mon := health.New(healthURL, health.Options{
		Timeout:  cfg.Health.Timeout,
		Interval: cfg.Health.Interval,
	})
	trk := status.NewTracker(cfg.Model.ID, cfg.Model.CacheDir, log)

	prep := &pyenv.VenvPreparer{
		VenvDir: cfg.Worker.Venv,
		Script:  cfg.Worker.Script,
		Env:     cfg.Worker.Env,
		Logger:  log,
	}
	orch := ready.New(ready.Options{
		Lifecycle:  life,
		Supervisor: sup,
		Monitor:    mon,
		Tracker:    trk,
		Preparer:   prep,
		Command:    workerCommand(cfg, binding.Worker),
	})

	gw, err := gateway.New(gateway.Options{
		WorkerBaseURL: fmt.Sprintf("http://127.0.0.1:%d", binding.Worker),
		Ready:         orch,
		Tracker:       trk,
		Model:         cfg.Model,
		Proxy:         cfg.Proxy,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	s := &Service{
		cfg:  cfg,
		life: life,
		sup:  sup,
		mon:  mon,
		trk:  trk,
		orch: orch,
		gw:   gw,
		sink: sink,
		log:  log,
	}
	if cfg.Warmup.Enabled {
		s.warm = warmup.New(orch, life, cfg.Warmup.Interval, cfg.Warmup.Jitter, log)
	}
	return s, nil
}

// workerCommand builds the worker invocation from a prepared environment.
func workerCommand(cfg config.Config, workerPort int) func(pyenv.Result) supervisor.Command {
	return func(env pyenv.Result) supervisor.Command {
		args := []string{env.Script}
		args = append(args, cfg.Worker.Args...)
		args = append(args, "--port", fmt.Sprintf("%d", workerPort))
		return supervisor.Command{Path: env.Python, Args: args, Env: env.Env}
	}
}

// Run starts the public and admin listeners and blocks until ctx is done,
// then shuts everything down.
func (s *Service) Run(ctx context.Context) error {
	binding, err := s.cfg.Binding()
	if err != nil {
		return err
	}

	// Keep the event channel drained; the supervisor logs each event itself.
	go s.consumeEvents()
	go s.watchUnhealthy()

	admin, err := server.NewServer(s.cfg.AdminListen, "", s.sup, s.orch, s.trk)
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	s.admin = admin

	tlsCfg, err := tlsutil.Setup(s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	s.public = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.gw.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tlsCfg != nil {
			serveErr = s.public.ListenAndServeTLS("", "")
		} else {
			serveErr = s.public.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()
	s.log.Info("gateway listening", "addr", s.cfg.Listen, "worker_port", binding.Worker, "mode", binding.Mode)

	if s.cfg.AutoStart {
		go func() {
			if err := s.orch.EnsureReady(context.Background()); err != nil {
				s.log.Warn("auto start failed", "error", err)
			}
		}()
	}
	if s.warm != nil {
		if err := s.warm.Start(); err != nil {
			return err
		}
	}

	select {
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting work, tears the worker down and closes sinks.
// Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.life.BeginStop() {
		return nil
	}
	s.log.Info("shutting down")
	if s.warm != nil {
		s.warm.Stop()
	}
	s.mon.Stop()
	if s.public != nil {
		_ = s.public.Shutdown(ctx)
	}
	if s.admin != nil {
		_ = s.admin.Shutdown(ctx)
	}
	err := s.sup.Shutdown(ctx)
	if s.sink != nil {
		_ = s.sink.Close()
	}
	s.life.MarkStopped()
	return err
}

func (s *Service) consumeEvents() {
	for {
		select {
		case <-s.life.Done():
			return
		case <-s.sup.Events():
		}
	}
}

// watchUnhealthy restarts a worker that is alive but no longer answering its
// health endpoint. The restart goes through the supervisor queue, so it can
// never race a concurrent manual stop.
func (s *Service) watchUnhealthy() {
	for {
		select {
		case <-s.life.Done():
			return
		case ev := <-s.mon.Unhealthy():
			s.log.Error("worker unhealthy, restarting", "consecutive_failures", ev.Failures)
			s.mon.Stop()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := s.sup.Restart(ctx); err != nil {
				s.log.Error("unhealthy restart failed", "error", err)
			}
			cancel()
		}
	}
}

// EnsureReady runs the readiness sequence; it is what the gateway awaits
// before forwarding synthesis requests.
func (s *Service) EnsureReady(ctx context.Context) error { return s.orch.EnsureReady(ctx) }

// WorkerStatus reports the supervised process state.
func (s *Service) WorkerStatus() WorkerStatus { return s.sup.Status() }

// StartupStatus reports the current startup snapshot.
func (s *Service) StartupStatus() StartupSnapshot { return s.trk.Snapshot() }

// GatewayHandler exposes the public handler for embedding in another server.
func (s *Service) GatewayHandler() http.Handler { return s.gw.Handler() }

// AdminHandler exposes the operational handler for embedding.
func (s *Service) AdminHandler() http.Handler {
	return server.NewRouter(s.sup, s.orch, s.trk, "").Handler()
}

// OutputResolver builds the secure output path resolver from configuration.
func (s *Service) OutputResolver() (*pathsafe.Resolver, error) {
	return pathsafe.New(s.cfg.Outputs.Roots, s.cfg.Outputs.Scratch)
}

// StopWorker stops the worker process without shutting the service down.
func (s *Service) StopWorker(ctx context.Context) error { return s.sup.Stop(ctx) }

// RestartWorker stops the worker, resets the restart budget and starts again.
func (s *Service) RestartWorker(ctx context.Context) error { return s.sup.Restart(ctx) }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
