package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/ready"
	"github.com/voxgate/voxgate/internal/status"
	"github.com/voxgate/voxgate/internal/supervisor"
)

// Router provides embeddable HTTP handlers for operating the speech worker.
// Endpoints:
//   GET  {basePath}/status       worker state plus the startup snapshot
//   POST {basePath}/start        run the full readiness sequence, wait for it
//   POST {basePath}/stop         graceful stop
//   POST {basePath}/restart      stop, reset the restart budget, start
//   POST {basePath}/warmup       kick the readiness sequence in the background
//   GET  {basePath}/healthz      200 only when the worker is up and ready
//   GET  {basePath}/metrics      prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sup      *supervisor.Supervisor
	orch     *ready.Orchestrator
	tracker  *status.Tracker
	basePath string
	log      *slog.Logger
}

func NewRouter(sup *supervisor.Supervisor, orch *ready.Orchestrator, tracker *status.Tracker, basePath string) *Router {
	return &Router{
		sup:      sup,
		orch:     orch,
		tracker:  tracker,
		basePath: sanitizeBase(basePath),
		log:      slog.Default().With("component", "server"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/warmup", r.handleWarmup)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. The
// returned server can be shut down by the caller.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, orch *ready.Orchestrator, tracker *status.Tracker) (*http.Server, error) {
	r := NewRouter(sup, orch, tracker, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Worker  supervisor.Status `json:"worker"`
	Startup status.Snapshot   `json:"startup"`
	Line    string            `json:"line"`
}

func (r *Router) handleStatus(c *gin.Context) {
	snap := r.tracker.Snapshot()
	writeJSON(c, http.StatusOK, statusResp{
		Worker:  r.sup.Status(),
		Startup: snap,
		Line:    snap.Line(),
	})
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.orch.EnsureReady(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sup.Stop(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.sup.Restart(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleWarmup(c *gin.Context) {
	// Detached from the request context: the warmup outlives this response.
	go func() {
		if err := r.orch.EnsureReady(context.Background()); err != nil {
			r.log.Warn("background warmup failed", "error", err)
		}
	}()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	snap := r.tracker.Snapshot()
	if !r.sup.IsRunning() || snap.Phase != status.PhaseReady {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: snap.Line()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
