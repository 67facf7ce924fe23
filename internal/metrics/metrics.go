package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"model"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		}, []string{"model"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of unexpected worker exits.",
		}, []string{"model"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of automatic crash restarts.",
		}, []string{"model"},
	)
	restartBudget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "voxgate",
			Subsystem: "worker",
			Name:      "restart_budget_remaining",
			Help:      "Remaining automatic restart attempts before manual intervention is required.",
		}, []string{"model"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "voxgate",
			Subsystem: "worker",
			Name:      "readiness_duration_seconds",
			Help:      "Time from readiness request to a passing health check.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"},
	)
	healthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Number of failed health probes.",
		},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Gateway requests by route and response code.",
		}, []string{"route", "code"},
	)
	synthesisBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voxgate",
			Subsystem: "proxy",
			Name:      "synthesis_bytes_total",
			Help:      "Audio bytes streamed to callers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerStops, workerCrashes, workerRestarts, restartBudget,
		readinessDuration, healthFailures, proxyRequests, synthesisBytes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op if Register
// hasn't been called.

func IncWorkerStart(model string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(model).Inc()
	}
}

func IncWorkerStop(model string) {
	if regOK.Load() {
		workerStops.WithLabelValues(model).Inc()
	}
}

func IncWorkerCrash(model string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(model).Inc()
	}
}

func IncWorkerRestart(model string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(model).Inc()
	}
}

func SetRestartBudget(model string, remaining int) {
	if regOK.Load() {
		restartBudget.WithLabelValues(model).Set(float64(remaining))
	}
}

func ObserveReadinessDuration(model string, seconds float64) {
	if regOK.Load() {
		readinessDuration.WithLabelValues(model).Observe(seconds)
	}
}

func IncHealthFailure() {
	if regOK.Load() {
		healthFailures.Inc()
	}
}

func IncProxyRequest(route, code string) {
	if regOK.Load() {
		proxyRequests.WithLabelValues(route, code).Inc()
	}
}

func AddSynthesisBytes(n int64) {
	if regOK.Load() && n > 0 {
		synthesisBytes.Add(float64(n))
	}
}
