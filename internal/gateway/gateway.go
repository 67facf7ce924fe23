// Package gateway exposes the public HTTP surface: synthesis and voice
// listing are readiness-gated and parameter-injected, everything else is
// relayed to the inference worker untouched.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/metrics"
	"github.com/voxgate/voxgate/internal/status"
)

const (
	speechPath = "/v1/audio/speech"
	voicesPath = "/v1/audio/voices"
)

// Readier gates synthesis-shaped routes on worker readiness.
type Readier interface {
	EnsureReady(ctx context.Context) error
}

// Options wire a Gateway to its collaborators.
type Options struct {
	// WorkerBaseURL is the internal worker origin, e.g. "http://127.0.0.1:8881".
	WorkerBaseURL string
	Ready         Readier
	Tracker       *status.Tracker
	Model         config.ModelConfig
	Proxy         config.ProxyConfig
	Logger        *slog.Logger
}

// Gateway is the public-port HTTP handler.
type Gateway struct {
	opts    Options
	target  *url.URL
	client  *http.Client
	passthr *httputil.ReverseProxy
	limiter *rate.Limiter
	log     *slog.Logger

	voiceMu    sync.RWMutex
	voices     map[string]struct{}
	voiceGroup singleflight.Group
}

func New(opts Options) (*Gateway, error) {
	target, err := url.Parse(opts.WorkerBaseURL)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gateway")

	g := &Gateway{
		opts:   opts,
		target: target,
		// Per-request deadlines come from contexts; the client itself stays
		// unbounded so long synthesis runs are not cut off twice.
		client: &http.Client{},
		log:    log,
	}
	if opts.Proxy.RateLimitRPS > 0 {
		burst := opts.Proxy.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.Proxy.RateLimitRPS), burst)
	}
	if len(opts.Model.Voices) > 0 {
		g.voices = make(map[string]struct{}, len(opts.Model.Voices))
		for _, v := range opts.Model.Voices {
			g.voices[v] = struct{}{}
		}
	}

	g.passthr = httputil.NewSingleHostReverseProxy(target)
	g.passthr.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("passthrough failed", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(gin.H{"error": "worker unreachable", "detail": err.Error()})
	}
	return g, nil
}

// Handler returns the gin handler for the public port.
func (g *Gateway) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST(speechPath, g.handleSpeech)
	r.GET(voicesPath, g.handleVoices)
	// Everything else goes to the worker as-is, without the readiness gate.
	r.NoRoute(func(c *gin.Context) {
		g.passthr.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

func (g *Gateway) writeError(c *gin.Context, code int, msg string) {
	metrics.IncProxyRequest(c.FullPath(), strconv.Itoa(code))
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

// gate blocks until the worker is ready or translates the failure into a 503
// carrying the startup-status detail, so callers can tell "still warming up"
// from "broken".
func (g *Gateway) gate(c *gin.Context) bool {
	err := g.opts.Ready.EnsureReady(c.Request.Context())
	if err == nil {
		return true
	}
	g.log.Warn("request rejected, worker not ready", "path", c.Request.URL.Path, "error", err)
	metrics.IncProxyRequest(c.FullPath(), strconv.Itoa(http.StatusServiceUnavailable))
	body := gin.H{"error": "worker not ready: " + err.Error()}
	if g.opts.Tracker != nil {
		if d := g.opts.Tracker.Snapshot().Detail(); d != "" {
			body["detail"] = d
		}
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
	return false
}

func (g *Gateway) handleVoices(c *gin.Context) {
	if !g.gate(c) {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.target.String()+voicesPath, nil)
	if err != nil {
		g.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.writeError(c, http.StatusBadGateway, "voice listing failed: "+err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		g.writeError(c, http.StatusBadGateway, "voice listing failed: "+err.Error())
		return
	}
	if resp.StatusCode == http.StatusOK {
		g.cacheVoices(body)
	}
	metrics.IncProxyRequest(voicesPath, strconv.Itoa(resp.StatusCode))
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

// cacheVoices refreshes the known-voice set from the worker's own listing
// when no inventory was configured.
func (g *Gateway) cacheVoices(body []byte) {
	if len(g.opts.Model.Voices) > 0 {
		return
	}
	var listing struct {
		Voices []string `json:"voices"`
	}
	if err := json.Unmarshal(body, &listing); err != nil || len(listing.Voices) == 0 {
		return
	}
	set := make(map[string]struct{}, len(listing.Voices))
	for _, v := range listing.Voices {
		set[v] = struct{}{}
	}
	g.voiceMu.Lock()
	g.voices = set
	g.voiceMu.Unlock()
}

func (g *Gateway) knownVoices() map[string]struct{} {
	g.voiceMu.RLock()
	defer g.voiceMu.RUnlock()
	return g.voices
}

// ensureVoices populates the voice inventory from the worker before the first
// synthesis request is stripped, so an unconfigured deployment does not
// forward bogus voices until some client happens to list voices. A failed
// fetch is non-fatal; stripping stays off until a later request succeeds.
func (g *Gateway) ensureVoices(ctx context.Context) {
	if len(g.knownVoices()) > 0 {
		return
	}
	_, _, _ = g.voiceGroup.Do("inventory", func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(fctx, http.MethodGet, g.target.String()+voicesPath, nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			g.log.Warn("voice inventory fetch failed", "error", err)
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			g.log.Warn("voice inventory fetch rejected", "status", resp.StatusCode)
			return nil, nil
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		g.cacheVoices(body)
		return nil, nil
	})
}

func (g *Gateway) handleSpeech(c *gin.Context) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.writeError(c, http.StatusTooManyRequests, "synthesis rate limit exceeded")
		return
	}
	if !g.gate(c) {
		return
	}

	limit := g.opts.Proxy.MaxBodyBytes
	if c.Request.ContentLength > limit {
		// Declared oversize: reject before reading a single byte.
		g.writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			g.writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		g.writeError(c, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		g.writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if text, _ := body["text"].(string); text == "" {
		g.writeError(c, http.StatusBadRequest, "text field is required")
		return
	}

	mergeParams(body, g.opts.Model)
	g.ensureVoices(c.Request.Context())
	stripUnknownVoices(body, g.knownVoices(), g.log)

	merged, err := json.Marshal(body)
	if err != nil {
		g.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	g.forwardSpeech(c, merged)
}

// forwardSpeech relays the merged request to the worker. Response headers to
// the caller are held back until the first upstream body byte so a success
// status that delivers zero bytes can still be turned into an upstream error.
func (g *Gateway) forwardSpeech(c *gin.Context, merged []byte) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), g.opts.Proxy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.target.String()+speechPath, bytes.NewReader(merged))
	if err != nil {
		g.writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			g.writeError(c, http.StatusGatewayTimeout, "synthesis timed out")
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful left to write.
			c.Abort()
		default:
			g.writeError(c, http.StatusBadGateway, "worker request failed: "+err.Error())
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		metrics.IncProxyRequest(speechPath, strconv.Itoa(resp.StatusCode))
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
		return
	}

	first := make([]byte, 1)
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		// A success status with an empty body must not become a valid empty
		// audio artifact downstream.
		g.log.Error("worker returned success with empty body", "status", resp.StatusCode)
		g.writeError(c, http.StatusBadGateway, "worker produced no audio")
		return
	}

	metrics.IncProxyRequest(speechPath, strconv.Itoa(resp.StatusCode))
	header := c.Writer.Header()
	for _, k := range []string{"Content-Type", "Content-Disposition", "Content-Length"} {
		if v := resp.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}
	c.Status(resp.StatusCode)

	if _, err := c.Writer.Write(first); err != nil {
		return
	}
	n, err := io.Copy(c.Writer, io.LimitReader(resp.Body, g.opts.Proxy.MaxResponseBytes))
	metrics.AddSynthesisBytes(n + 1)
	if err != nil {
		g.log.Warn("synthesis relay interrupted", "written", n, "error", err)
		return
	}
	if n >= g.opts.Proxy.MaxResponseBytes {
		if extra, _ := resp.Body.Read(make([]byte, 1)); extra > 0 {
			g.log.Error("synthesis response exceeds cap, aborting transfer",
				"cap", g.opts.Proxy.MaxResponseBytes)
			// Mid-stream, there is no status left to send; drop the
			// connection so the client sees a failed transfer rather than a
			// silently truncated artifact.
			if conn, _, err := http.NewResponseController(c.Writer).Hijack(); err == nil {
				_ = conn.Close()
			}
		}
	}
}
