package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/telemetry"
)

const workerInboxCapacity = 10

// Request is what the dispatch middleware (spec.md §4.7.5) sends to a
// per-service Worker.
type Request struct {
	Ctx     context.Context
	RCtx    *model.RequestContext
	Request *http.Request
	Reply   chan Response
}

// Response is the Worker's reply.
type Response struct {
	Response *http.Response
	Err      *gwerrors.GatewayError
}

// Worker is the per-service actor of spec.md §4.5: it owns the composed
// balancer/breaker/limiter/origin stack for one service and processes
// inbound requests in arrival order while dispatching concurrently.
type Worker struct {
	serviceID string
	balancer  *Balancer
	timeout   time.Duration

	inbox chan Request
	stop  chan struct{}
}

func newWorker(svc model.ServiceInfo, client *http.Client, metrics *telemetry.Metrics) *Worker {
	errReset := time.Duration(svc.ErrorReset) * time.Second
	retryDelay := time.Duration(svc.RetryDelay) * time.Second

	peers := make([]*Peer, 0, len(svc.Upstreams))
	for _, up := range svc.Upstreams {
		peers = append(peers, newPeer(svc.ServiceID, svc.Path, up, client, metrics, svc.ErrorThreshold, errReset, retryDelay))
	}

	timeout := time.Duration(svc.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	w := &Worker{
		serviceID: svc.ServiceID,
		balancer:  NewBalancer(svc.LoadBalance, peers),
		timeout:   timeout,
		inbox:     make(chan Request, workerInboxCapacity),
		stop:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop ends the worker's accept loop. Already-spawned per-request
// goroutines are independent of the loop and keep running to completion.
func (w *Worker) Stop() {
	close(w.stop)
}

func (w *Worker) run() {
	for {
		select {
		case <-w.stop:
			return
		case req := <-w.inbox:
			w.dispatch(req)
		}
	}
}

// dispatch implements spec.md §4.5's algorithm: inject X-Client-Id, poll
// for readiness, and spawn the actual call so the accept loop can pull
// the next message without waiting.
func (w *Worker) dispatch(req Request) {
	req.Request.Header.Set("X-Client-Id", req.RCtx.ClientID)

	peer := w.balancer.Pick(req.RCtx.ClientID)
	if peer == nil {
		req.Reply <- Response{Err: gwerrors.New(gwerrors.CodeServiceNotReady, "no ready upstream for service "+w.serviceID)}
		return
	}

	go w.call(req, peer)
}

// call races the upstream call against the service timeout (spec.md §5
// cancellation model): a dropped response doesn't cancel the in-flight
// call, it's just discarded if the sleep wins.
func (w *Worker) call(req Request, peer *Peer) {
	type outcome struct {
		resp *http.Response
		err  *gwerrors.GatewayError
	}
	done := make(chan outcome, 1)

	go func() {
		resp, err := peer.Call(req.Ctx, req.Request, w.timeout)
		done <- outcome{resp, err}
	}()

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		req.Reply <- Response{Response: o.resp, Err: o.err}
	case <-timer.C:
		req.Reply <- Response{Err: gwerrors.New(gwerrors.CodeTimeout, "service timeout budget exceeded")}
	}
}

// Registry tracks the live per-service worker set, replacing a worker
// wholesale on every ServiceUpdate and stopping it on ServiceRemove
// (spec.md §3 "Lifecycles"). It is guarded by a mutex rather than run as
// its own actor because dispatch middleware goroutines need synchronous,
// low-latency lookups on every request; the mutex is held only for a map
// read/write, never across a channel operation.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker

	client  *http.Client
	metrics *telemetry.Metrics
}

func NewRegistry(client *http.Client, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		workers: make(map[string]*Worker),
		client:  client,
		metrics: metrics,
	}
}

// ApplyUpdate consumes one subscribed ConfigUpdate event.
func (r *Registry) ApplyUpdate(u model.ConfigUpdate) {
	switch u.Kind {
	case model.UpdateService:
		r.replace(*u.Service)
	case model.UpdateServiceRemove:
		r.remove(u.ServiceID)
	}
}

func (r *Registry) replace(svc model.ServiceInfo) {
	nw := newWorker(svc, r.client, r.metrics)

	r.mu.Lock()
	old := r.workers[svc.ServiceID]
	r.workers[svc.ServiceID] = nw
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

func (r *Registry) remove(serviceID string) {
	r.mu.Lock()
	old := r.workers[serviceID]
	delete(r.workers, serviceID)
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
}

// Lookup returns the inbox channel for serviceID, or false if no worker
// is currently registered for it.
func (r *Registry) Lookup(serviceID string) (chan<- Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[serviceID]
	if !ok {
		return nil, false
	}
	return w.inbox, true
}

// Breakers exposes a point-in-time snapshot for the admin surface.
func (r *Registry) Breakers(serviceID string) map[string]Stats {
	r.mu.RLock()
	w, ok := r.workers[serviceID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	out := make(map[string]Stats, len(w.balancer.peers))
	for _, p := range w.balancer.peers {
		out[p.Upstream.ID] = p.breaker.Snapshot()
	}
	return out
}
