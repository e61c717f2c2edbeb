package integration_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3xpluto/edgeway/internal/auth"
	"github.com/3xpluto/edgeway/internal/configbus"
	"github.com/3xpluto/edgeway/internal/gateway"
	"github.com/3xpluto/edgeway/internal/middleware"
	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
	"github.com/3xpluto/edgeway/internal/telemetry"
	"github.com/3xpluto/edgeway/internal/upstream"
)

// testGateway wires every actor the way cmd/gateway/main.go does, minus
// the config file and the TLS/graceful-shutdown plumbing, and returns a
// bus to publish catalog updates on plus an httptest.Server in front of
// the resulting mux.
type testGateway struct {
	bus *configbus.Broadcaster
	srv *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	bus := configbus.New(log)

	authUpdates, _ := bus.Subscribe()
	aclUpdates, _ := bus.Subscribe()
	rlUpdates, _ := bus.Subscribe()
	hdrUpdates, _ := bus.Subscribe()
	logUpdates, _ := bus.Subscribe()
	upstreamUpdates, _ := bus.Subscribe()

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	authn := auth.New(authUpdates)
	acl := middleware.NewACL(aclUpdates)
	rateLimit := middleware.NewRateLimit(rlUpdates)
	header := middleware.NewHeader(hdrUpdates)
	logger := middleware.NewLogger(logUpdates, metrics)

	registry := upstream.NewRegistry(http.DefaultClient, metrics)
	go func() {
		for u := range upstreamUpdates {
			registry.ApplyUpdate(u)
		}
	}()
	dispatch := middleware.NewDispatch(registry)

	stack := []pipeline.Handle{
		acl.Handle(),
		rateLimit.Handle(),
		header.Handle(),
		logger.Handle(),
		dispatch.Handle(),
	}

	gw := gateway.New(log, authn, stack, registry, metrics, "", nil)
	srv := httptest.NewServer(gw.Mux(reg))
	t.Cleanup(srv.Close)

	return &testGateway{bus: bus, srv: srv}
}

func (g *testGateway) publishService(svc model.ServiceInfo) {
	g.bus.Publish(model.ConfigUpdate{Kind: model.UpdateService, Service: &svc})
	time.Sleep(20 * time.Millisecond) // let every actor apply the update
}

func (g *testGateway) publishClient(c model.ClientInfo) {
	g.bus.Publish(model.ConfigUpdate{Kind: model.UpdateClient, Client: &c})
	time.Sleep(20 * time.Millisecond)
}

func TestGateway_AppKeyAuth_HappyPathAndDenied(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path})
	}))
	defer up.Close()

	gw := newTestGateway(t)
	gw.publishService(model.ServiceInfo{
		ServiceID:  "users",
		Path:       "/users",
		Auth:       model.AuthAppKey,
		Upstreams:  []model.Upstream{{Target: up.URL, ID: "u1", Weight: 1}},
		SLA:        []model.ServiceLevel{{Name: "gold"}},
	})
	gw.publishClient(model.ClientInfo{
		ClientID: "acme",
		AppKey:   "secret-key",
		Services: map[string]string{"users": "gold"},
	})

	// No app key presented => 403 TokenNotFound.
	resp, err := http.Get(gw.srv.URL + "/users/me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with no app key, got %d", resp.StatusCode)
	}

	// Valid app key via header => 200, forwarded to upstream.
	req, _ := http.NewRequest(http.MethodGet, gw.srv.URL+"/users/me", nil)
	req.Header.Set("X-APP-KEY", "secret-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, string(b))
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["path"] != "/me" {
		t.Fatalf("expected upstream to see stripped path /me, got %v", body["path"])
	}

	// Unknown app key => 403 InvalidToken.
	req2, _ := http.NewRequest(http.MethodGet, gw.srv.URL+"/users/me", nil)
	req2.Header.Set("X-APP-KEY", "wrong-key")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with bad app key, got %d", resp2.StatusCode)
	}

	// Unknown service path => 404 UnknownService.
	resp3, err := http.Get(gw.srv.URL + "/nope/anything")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown service, got %d", resp3.StatusCode)
	}
}

func TestGateway_ACL_BlocksDisallowedMethod(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	gw := newTestGateway(t)
	gw.publishService(model.ServiceInfo{
		ServiceID: "orders",
		Path:      "/orders",
		Auth:      model.AuthNone,
		Upstreams: []model.Upstream{{Target: up.URL, ID: "u1", Weight: 1}},
		Filters: []model.FilterSetting{
			{
				Kind:          model.FilterACL,
				AccessControl: "allow",
				Match:         []model.PathMatcher{{Methods: "GET", Path: "/**"}},
			},
		},
	})

	resp, err := http.Get(gw.srv.URL + "/orders/list")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected GET allowed, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, gw.srv.URL+"/orders/list", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected POST blocked by ACL (404 AccessBlocked), got %d", resp2.StatusCode)
	}
}

func TestGateway_RateLimit_TripsAfterBurst(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	gw := newTestGateway(t)
	gw.publishService(model.ServiceInfo{
		ServiceID: "throttled",
		Path:      "/throttled",
		Auth:      model.AuthNone,
		Upstreams: []model.Upstream{{Target: up.URL, ID: "u1", Weight: 1}},
		Filters: []model.FilterSetting{
			{Kind: model.FilterRateLimit, IntervalSeconds: 60, Limit: 2, Burst: 2},
		},
	})

	var okCount, limitedCount int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(gw.srv.URL + "/throttled/ping")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			okCount++
		case http.StatusTooManyRequests:
			limitedCount++
		}
	}
	if okCount != 2 {
		t.Fatalf("expected exactly 2 requests through the burst of 2, got %d", okCount)
	}
	if limitedCount == 0 {
		t.Fatalf("expected at least one 429 after the burst was exhausted")
	}
}

func TestGateway_CircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var failing = true
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	gw := newTestGateway(t)
	gw.publishService(model.ServiceInfo{
		ServiceID:      "flaky",
		Path:           "/flaky",
		Auth:           model.AuthNone,
		Upstreams:      []model.Upstream{{Target: up.URL, ID: "u1", Weight: 1}},
		ErrorThreshold: 2,
		ErrorReset:     60,
		RetryDelay:     1,
	})

	// Two failing calls trip the breaker.
	for i := 0; i < 2; i++ {
		resp, err := http.Get(gw.srv.URL + "/flaky/x")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected 500 from upstream on call %d, got %d", i, resp.StatusCode)
		}
	}

	// Breaker is now open: the single upstream peer is not ready, so the
	// worker reports ServiceNotReady (502) without calling upstream again.
	resp, err := http.Get(gw.srv.URL + "/flaky/x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 ServiceNotReady while breaker is open, got %d", resp.StatusCode)
	}

	// Upstream recovers; wait for the retry delay so the breaker probes
	// again and closes on success.
	failing = false
	time.Sleep(1200 * time.Millisecond)

	resp2, err := http.Get(gw.srv.URL + "/flaky/x")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once breaker half-opens and the probe succeeds, got %d", resp2.StatusCode)
	}
}

func TestGateway_HashBalancer_PicksStablePeerForSameClient(t *testing.T) {
	var aHits, bHits int
	upA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		aHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer upA.Close()
	upB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		bHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer upB.Close()

	gw := newTestGateway(t)
	gw.publishService(model.ServiceInfo{
		ServiceID:   "sticky",
		Path:        "/sticky",
		Auth:        model.AuthAppKey,
		LoadBalance: model.LBHash,
		Upstreams: []model.Upstream{
			{Target: upA.URL, ID: "a", Weight: 1},
			{Target: upB.URL, ID: "b", Weight: 1},
		},
		SLA: []model.ServiceLevel{{Name: "default"}},
	})
	gw.publishClient(model.ClientInfo{
		ClientID: "client-1",
		AppKey:   "k1",
		Services: map[string]string{"sticky": "default"},
	})

	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, gw.srv.URL+"/sticky/x", nil)
		req.Header.Set("X-APP-KEY", "k1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	if aHits != 0 && bHits != 0 {
		t.Fatalf("expected hash balancer to pin one client to a single peer, got a=%d b=%d", aHits, bHits)
	}
	if aHits+bHits != 10 {
		t.Fatalf("expected 10 total upstream calls, got a=%d b=%d", aHits, bHits)
	}
}
