package upstream

import (
	"sync"
	"time"
)

// State is one of the three circuit-breaker states of spec.md §4.2.
type State string

const (
	Closed   State = "Closed"
	Open     State = "Open"
	HalfOpen State = "HalfOpen"
)

// CircuitBreaker is strictly local to one origin handler instance
// (spec.md §3 invariant: state is lost if the worker restarts). A
// threshold of zero disables the breaker: every check is ready and every
// response passes through unclassified.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold  int
	errorReset time.Duration
	retryDelay time.Duration

	state    State
	errors   int
	lastErr  time.Time
	openedAt time.Time
}

func NewCircuitBreaker(threshold int, errorReset, retryDelay time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:  threshold,
		errorReset: errorReset,
		retryDelay: retryDelay,
		state:      Closed,
	}
}

// CanServe is a side-effect-free readiness check used while a balancer is
// still choosing among several peers (spec.md §4.4: scanning candidates
// must never itself spend state). An Open breaker whose retry_delay has
// elapsed reports true here without transitioning — only the peer actually
// dispatched commits that transition, via Acquire.
func (b *CircuitBreaker) CanServe(now time.Time) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return now.Sub(b.openedAt) >= b.retryDelay
	case HalfOpen:
		return false
	default:
		return true
	}
}

// Acquire is the admission check a peer makes immediately before it is
// actually dispatched to. It is the only place the retry_delay-driven
// Open->HalfOpen transition is committed (Record also moves Open to
// HalfOpen, on a success observed while Open), so exactly one in-flight
// call ever holds the
// single probe slot (spec.md §4.2): the first caller to observe the
// elapsed retry_delay flips the state and is the probe; any other caller
// racing it (its own CanServe also having seen the elapsed window) finds
// the state already HalfOpen and is told not-ready.
func (b *CircuitBreaker) Acquire(now time.Time) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.openedAt) >= b.retryDelay {
			b.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		return false
	default:
		return true
	}
}

// Record classifies one completed call as success or error (a non-nil
// transport error, or an HTTP 5xx response, is the sole "error" trigger —
// spec.md §4.2 — so the caller decides that before calling Record) and
// applies the corresponding state transition.
func (b *CircuitBreaker) Record(success bool, now time.Time) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			return
		}
		if now.Sub(b.lastErr) >= b.errorReset {
			b.errors = 1
		} else {
			b.errors++
		}
		b.lastErr = now
		if b.errors >= b.threshold {
			b.state = Open
			b.openedAt = now
		}

	case HalfOpen:
		if success {
			b.state = Closed
			b.errors = 0
			return
		}
		b.state = Open
		b.openedAt = now

	case Open:
		// Only reachable if the caller dispatched despite a not-ready
		// check (spec.md §9 open question): treat a success here as a
		// recovery signal rather than discarding it.
		if success {
			b.state = HalfOpen
		}
	}
}

// Stats is a point-in-time snapshot for the admin introspection endpoint.
type Stats struct {
	State         State
	Errors        int
	RetryAfterSec int
}

func (b *CircuitBreaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == Open {
		rem := b.retryDelay - time.Since(b.openedAt)
		if rem > 0 {
			retry = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return Stats{State: b.state, Errors: b.errors, RetryAfterSec: retry}
}
