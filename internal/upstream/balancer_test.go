package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3xpluto/edgeway/internal/model"
)

func newTestPeer(t *testing.T, target string, threshold int, retryDelay time.Duration) *Peer {
	t.Helper()
	up := model.Upstream{ID: "u1", Version: "v1", Target: target, Weight: 1}
	return newPeer("svc", "/svc", up, http.DefaultClient, nil, threshold, time.Minute, retryDelay)
}

// TestBalancer_ScanningCandidatesDoesNotSpendHalfOpenProbe guards against
// regressing to the bug where readyIndices scanned every peer's readiness
// with a mutating check: an Open breaker whose retry_delay had elapsed
// would flip to HalfOpen merely by being looked at, even when the
// balancer went on to pick a different peer, permanently stranding the
// recovered peer outside rotation.
func TestBalancer_ScanningCandidatesDoesNotSpendHalfOpenProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	recovered := newTestPeer(t, srv.URL, 1, 10*time.Millisecond)
	healthy := newTestPeer(t, srv.URL, 1, 10*time.Millisecond)

	now := time.Now()
	recovered.breaker.Record(false, now) // trips open at threshold 1
	later := now.Add(20 * time.Millisecond)

	b := &Balancer{policy: model.LBRandom, peers: []*Peer{recovered, healthy}}

	// Scan candidates repeatedly, as the balancer does on every Pick. The
	// scan alone must never commit the recovered peer's probe.
	for i := 0; i < 5; i++ {
		_ = b.readyIndices(later)
	}
	if recovered.breaker.CurrentState() != Open {
		t.Fatalf("expected scanning to leave the recovered peer Open, got %s", recovered.breaker.CurrentState())
	}

	// The probe is still available for an actual dispatch.
	if !recovered.breaker.Acquire(later) {
		t.Fatal("expected the probe to still be available after repeated scans")
	}
	if recovered.breaker.CurrentState() != HalfOpen {
		t.Fatalf("expected half-open once the probe is actually claimed, got %s", recovered.breaker.CurrentState())
	}
}

func TestBalancer_PickSkipsOpenPeerWithoutStrandingIt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	closedBreakerThreshold := 0 // never trips; always ready
	recovered := newTestPeer(t, srv.URL, 1, time.Hour)
	always := newTestPeer(t, srv.URL, closedBreakerThreshold, time.Hour)

	now := time.Now()
	recovered.breaker.Record(false, now) // opens, retry delay far in the future

	b := NewBalancer(model.LBRandom, []*Peer{recovered, always})
	for i := 0; i < 10; i++ {
		p := b.Pick("client")
		if p == nil {
			t.Fatal("expected a ready peer")
		}
		if p != always {
			t.Fatal("expected Pick to skip the open peer")
		}
	}
	if recovered.breaker.CurrentState() != Open {
		t.Fatalf("expected the never-eligible peer to remain untouched, got %s", recovered.breaker.CurrentState())
	}
}
