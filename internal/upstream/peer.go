package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/telemetry"
)

// Peer is one upstream origin wrapped in its concurrency limiter and
// circuit breaker (spec.md §4.5: "balancer over ... each wrapped in a
// circuit breaker, concurrency limiter, and load-shed").
type Peer struct {
	Upstream model.Upstream

	serviceID string
	origin    *OriginHandler
	limiter   *Semaphore
	breaker   *CircuitBreaker
	ewma      *ewmaTracker
	metrics   *telemetry.Metrics
}

func newPeer(serviceID, servicePath string, up model.Upstream, client *http.Client, metrics *telemetry.Metrics, errThreshold int, errReset, retryDelay time.Duration) *Peer {
	p := &Peer{
		Upstream:  up,
		serviceID: serviceID,
		origin:    NewOriginHandler(serviceID, servicePath, up, client, metrics),
		limiter:   NewSemaphore(up.MaxConn),
		breaker:   NewCircuitBreaker(errThreshold, errReset, retryDelay),
		ewma:      newEWMATracker(50*time.Millisecond, time.Second),
		metrics:   metrics,
	}
	p.reportBreakerState(Closed)
	return p
}

// breakerStateValue maps a State onto the gauge value spec'd by
// gateway_circuit_breaker_state's help text.
func breakerStateValue(s State) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

func (p *Peer) reportBreakerState(s State) {
	if p.metrics == nil {
		return
	}
	p.metrics.BreakerState.WithLabelValues(p.serviceID, p.Upstream.ID).Set(breakerStateValue(s))
}

// Ready reports whether this peer looks like a viable candidate: the
// concurrency limiter has headroom and the breaker's readiness check
// passes. This is a pure read used while the balancer is still scanning
// candidates (spec.md §4.4) — it never spends the breaker's single
// half-open probe. Only Call, for the peer actually dispatched to,
// commits that transition.
func (p *Peer) Ready(now time.Time) bool {
	if p.limiter.Enabled() && p.limiter.InUse() >= p.limiter.Cap() {
		return false
	}
	return p.breaker.CanServe(now)
}

// Call dispatches through the limiter, breaker, and origin handler, in
// that order (spec.md §4.5 stack order), releasing the limiter slot and
// recording the breaker outcome afterward. A saturated limiter sheds the
// request immediately with ServiceNotReady, and so does a breaker that
// turns out not ready at the moment of dispatch (it may have gone stale
// since the balancer's candidate scan, or lost a race for the single
// half-open probe to a concurrent dispatch to this same peer).
func (p *Peer) Call(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, *gwerrors.GatewayError) {
	if !p.limiter.TryAcquire() {
		return nil, gwerrors.New(gwerrors.CodeServiceNotReady, "origin at max concurrency")
	}
	defer p.limiter.Release()

	if !p.breaker.Acquire(time.Now()) {
		return nil, gwerrors.New(gwerrors.CodeServiceNotReady, "origin circuit open")
	}
	stateAtDispatch := p.breaker.CurrentState()
	p.reportBreakerState(stateAtDispatch)

	start := time.Now()
	resp, gerr := p.origin.RoundTrip(ctx, req, timeout)
	elapsed := time.Since(start)
	p.ewma.Observe(elapsed)

	success := gerr == nil && (resp == nil || resp.StatusCode < 500)
	p.breaker.Record(success, time.Now())
	p.reportBreakerState(p.breaker.CurrentState())

	if resp != nil {
		resp.Header.Set("circuit-breaker", string(stateAtDispatch))
	}
	return resp, gerr
}
