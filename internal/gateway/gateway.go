// Package gateway wires the authenticator and the middleware pipeline
// into a single http.Handler and exposes the admin/observability surface
// (spec.md §6: /metrics, /healthz, and the X-Admin-Key-guarded /-/ routes).
package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/3xpluto/edgeway/internal/auth"
	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/httpx"
	"github.com/3xpluto/edgeway/internal/pipeline"
	"github.com/3xpluto/edgeway/internal/ratelimit"
	"github.com/3xpluto/edgeway/internal/telemetry"
	"github.com/3xpluto/edgeway/internal/upstream"
)

// Gateway is the outermost request handler: authenticate, run the
// pipeline, map the result to an HTTP response.
type Gateway struct {
	log   *slog.Logger
	authn *auth.Authenticator
	stack []pipeline.Handle

	registry  *upstream.Registry
	metrics   *telemetry.Metrics
	startedAt time.Time
	adminKey  string
	mirror    *ratelimit.Mirror // nil unless GATEWAY_REDIS_ADDR is set

	// adminLimiter guards the /-/ admin surface, the shape the teacher
	// originally reached for golang.org/x/time/rate: a simple shared
	// token bucket, not the SLA-driven per-client buckets in
	// internal/middleware/ratelimit (spec.md §4.7.2 needs fractional-
	// interval control x/time/rate doesn't expose).
	adminLimiter *rate.Limiter
}

func New(log *slog.Logger, authn *auth.Authenticator, stack []pipeline.Handle, registry *upstream.Registry, metrics *telemetry.Metrics, adminKey string, mirror *ratelimit.Mirror) *Gateway {
	return &Gateway{
		log:          log,
		authn:        authn,
		stack:        stack,
		registry:     registry,
		metrics:      metrics,
		startedAt:    time.Now(),
		adminKey:     adminKey,
		mirror:       mirror,
		adminLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

const defaultMaxBodyBytes = 10 << 20 // 10 MiB

// Mux builds the full top-level http.Handler: the catch-all proxy path
// plus /metrics, /healthz, and the admin endpoints.
func (g *Gateway) Mux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", http.HandlerFunc(g.handleHealthz))
	mux.Handle("/-/status", g.requireAdminKey(http.HandlerFunc(g.handleStatus)))
	mux.Handle("/-/routes", g.requireAdminKey(http.HandlerFunc(g.handleRoutes)))
	mux.Handle("/-/auth", g.requireAdminKey(http.HandlerFunc(g.handleAuth)))
	mux.Handle("/-/limits", g.requireAdminKey(http.HandlerFunc(g.handleLimits)))

	proxy := http.Handler(http.HandlerFunc(g.handleProxy))
	proxy = maxBodyBytes(defaultMaxBodyBytes, proxy)
	proxy = withRequestID(proxy)
	proxy = g.recoverPanic(proxy)
	proxy = g.accessLog(proxy)
	mux.Handle("/", proxy)
	return mux
}

// accessLog wraps the catch-all handler with a raw-HTTP-level log line,
// using httpx.StatusWriter to observe the status actually written even
// when it comes from an early gwerrors short-circuit rather than the
// pipeline's logger middleware.
func (g *Gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &httpx.StatusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		g.log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.Status),
			slog.Int("bytes", sw.Bytes),
			slog.Duration("elapsed", time.Since(start)))
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleProxy is the main catch-all: authenticate, run the middleware
// pipeline, translate the outcome into an HTTP response.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	outReq, rctx, gerr := g.authn.Resolve(ctx, r)
	if gerr != nil {
		writeGatewayError(w, gerr)
		return
	}
	if rctx.RequestID == "" {
		rctx.RequestID = uuid.NewString()
	}

	resp, gerr := pipeline.Run(ctx, g.stack, rctx, outReq)
	if gerr != nil {
		g.log.Warn("request failed",
			slog.String("request_id", rctx.RequestID),
			slog.String("service", rctx.ServiceID),
			slog.String("code", string(gerr.Code)))
		writeGatewayError(w, gerr)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeGatewayError(w http.ResponseWriter, gerr *gwerrors.GatewayError) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(gerr.Status())
	_, _ = w.Write([]byte(gerr.Error()))
}

// requireAdminKey is adapted from the teacher's mw.RequireAdminKey: with
// no admin key configured, the endpoint doesn't exist rather than being
// reachable-but-always-denied.
func (g *Gateway) requireAdminKey(next http.Handler) http.Handler {
	if g.adminKey == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.adminLimiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "admin_rate_limited"})
			return
		}
		if r.Header.Get("X-Admin-Key") != g.adminKey {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
