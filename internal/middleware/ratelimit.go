package middleware

import (
	"context"
	"time"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
	"github.com/3xpluto/edgeway/internal/ratelimit"
)

// tokenBucket implements the refill formula of spec.md §4.7.2 exactly:
// available = min(capacity, tokens + elapsedIntervals*limit); consume 1
// on allow, advance the anchor only once a whole interval has elapsed.
type tokenBucket struct {
	intervalSeconds int
	limit           int
	capacity        int
	tokens          float64
	refreshAt       time.Time
}

func newTokenBucket(f model.FilterSetting, now time.Time) *tokenBucket {
	return &tokenBucket{
		intervalSeconds: f.IntervalSeconds,
		limit:           f.Limit,
		capacity:        f.Burst,
		tokens:          float64(f.Burst),
		refreshAt:       now,
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	if b.intervalSeconds <= 0 {
		b.intervalSeconds = 1
	}
	elapsed := now.Sub(b.refreshAt).Seconds()
	deltaIntervals := elapsed / float64(b.intervalSeconds)

	available := b.tokens + deltaIntervals*float64(b.limit)
	if available > float64(b.capacity) {
		available = float64(b.capacity)
	}

	if available >= 1 {
		b.tokens = available - 1
		if deltaIntervals >= 1 {
			b.refreshAt = now
		}
		return true
	}
	return false
}

// remaining reports the current token count without consuming one, for
// the Redis observational mirror.
func (b *tokenBucket) remaining(now time.Time) float64 {
	elapsed := now.Sub(b.refreshAt).Seconds()
	deltaIntervals := elapsed / float64(b.intervalSeconds)
	available := b.tokens + deltaIntervals*float64(b.limit)
	if available > float64(b.capacity) {
		available = float64(b.capacity)
	}
	return available
}

func buildBuckets(filters []model.FilterSetting, now time.Time) []*tokenBucket {
	var out []*tokenBucket
	for _, f := range filters {
		if f.Kind == model.FilterRateLimit {
			out = append(out, newTokenBucket(f, now))
		}
	}
	return out
}

type clientBucketState struct {
	sla     string
	buckets []*tokenBucket
}

// RateLimit is the pre-only middleware of spec.md §4.7.2. It owns two
// structures local to its single goroutine (no locks needed): shared
// per-service buckets, and per-(service,client) buckets that are
// replaced wholesale when the client's SLA changes. Client buckets are
// built from the client filters carried by the request; no separate
// per-SLA template map is kept.
type RateLimit struct {
	preCh    chan pipeline.PreRequest
	updateCh <-chan model.ConfigUpdate

	serviceBuckets map[string][]*tokenBucket                // service_id -> buckets
	clientBuckets  map[string]map[string]*clientBucketState // service_id -> client_id -> state

	// mirror is nil unless a Redis address was configured; it never
	// gates a decision, only reports one for /-/limits (internal/ratelimit.Mirror).
	mirror *ratelimit.Mirror
}

func NewRateLimit(updateCh <-chan model.ConfigUpdate) *RateLimit {
	r := &RateLimit{
		preCh:          make(chan pipeline.PreRequest, inboxCapacity),
		updateCh:       updateCh,
		serviceBuckets: make(map[string][]*tokenBucket),
		clientBuckets:  make(map[string]map[string]*clientBucketState),
	}
	go r.run()
	return r
}

// WithMirror attaches a Redis observational mirror. Safe to call once,
// before the first request reaches the actor.
func (r *RateLimit) WithMirror(m *ratelimit.Mirror) *RateLimit {
	r.mirror = m
	return r
}

func (r *RateLimit) observe(serviceID, scope string, b *tokenBucket, now time.Time) {
	if r.mirror == nil {
		return
	}
	go r.mirror.Observe(context.Background(), serviceID, scope, b.remaining(now), b.limit)
}

func (r *RateLimit) Handle() pipeline.Handle {
	return pipeline.Handle{
		Name:           "rate_limit",
		Pre:            true,
		Post:           false,
		RequireSetting: true,
		PreCh:          r.preCh,
	}
}

func (r *RateLimit) run() {
	for {
		select {
		case u, ok := <-r.updateCh:
			if !ok {
				return
			}
			r.applyUpdate(u)
		case msg, ok := <-r.preCh:
			if !ok {
				return
			}
			r.handle(msg)
		}
	}
}

func (r *RateLimit) applyUpdate(u model.ConfigUpdate) {
	switch u.Kind {
	case model.UpdateService:
		now := time.Now()
		r.serviceBuckets[u.Service.ServiceID] = buildBuckets(u.Service.Filters, now)
		if _, ok := r.clientBuckets[u.Service.ServiceID]; !ok {
			r.clientBuckets[u.Service.ServiceID] = make(map[string]*clientBucketState)
		}
	case model.UpdateServiceRemove:
		delete(r.serviceBuckets, u.ServiceID)
		delete(r.clientBuckets, u.ServiceID)
	case model.UpdateClientRemove:
		for _, byClient := range r.clientBuckets {
			delete(byClient, u.ClientID)
		}
	}
}

func (r *RateLimit) handle(msg pipeline.PreRequest) {
	now := time.Now()
	svcID := msg.RCtx.ServiceID

	for _, b := range r.serviceBuckets[svcID] {
		allowed := b.allow(now)
		r.observe(svcID, "service", b, now)
		if !allowed {
			msg.Reply <- pipeline.PreResponse{Err: gwerrors.New(gwerrors.CodeRateLimited, "service rate limit exceeded")}
			return
		}
	}

	if msg.RCtx.ClientID != "" && len(msg.ClientFilters) > 0 {
		byClient, ok := r.clientBuckets[svcID]
		if !ok {
			byClient = make(map[string]*clientBucketState)
			r.clientBuckets[svcID] = byClient
		}
		state, ok := byClient[msg.RCtx.ClientID]
		if !ok || state.sla != msg.RCtx.SLA {
			state = &clientBucketState{sla: msg.RCtx.SLA, buckets: buildBuckets(msg.ClientFilters, now)}
			byClient[msg.RCtx.ClientID] = state
		}
		for _, b := range state.buckets {
			allowed := b.allow(now)
			r.observe(svcID, msg.RCtx.ClientID, b, now)
			if !allowed {
				msg.Reply <- pipeline.PreResponse{Err: gwerrors.New(gwerrors.CodeRateLimited, "client rate limit exceeded")}
				return
			}
		}
	}

	msg.Reply <- pipeline.PreResponse{Next: msg.Request}
}
