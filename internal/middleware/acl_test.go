package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3xpluto/edgeway/internal/model"
	"github.com/3xpluto/edgeway/internal/pipeline"
)

func aclRequest(a *ACL, serviceID, sla, method, path string, serviceFilters, clientFilters []model.FilterSetting) pipeline.PreResponse {
	reply := make(chan pipeline.PreResponse, 1)
	a.preCh <- pipeline.PreRequest{
		RCtx: &model.RequestContext{
			ServiceID: serviceID,
			SLA:       sla,
			APIPath:   path,
		},
		Request:        httptest.NewRequest(method, path, nil),
		ServiceFilters: serviceFilters,
		ClientFilters:  clientFilters,
		Reply:          reply,
	}
	return <-reply
}

func denyAllFilter() []model.FilterSetting {
	return []model.FilterSetting{{
		Kind:          model.FilterACL,
		AccessControl: "deny",
		Match:         []model.PathMatcher{{Methods: "*", Path: "/secret/**"}},
	}}
}

func TestACL_BlocksAndAllowsByPolicy(t *testing.T) {
	a := NewACL(make(chan model.ConfigUpdate))

	blocked := aclRequest(a, "svc", "gold", http.MethodGet, "/secret/data", denyAllFilter(), nil)
	if blocked.Err == nil {
		t.Fatal("expected a deny-matched path to be blocked")
	}

	allowed := aclRequest(a, "svc", "gold", http.MethodGet, "/public/data", denyAllFilter(), nil)
	if allowed.Err != nil {
		t.Fatalf("expected a non-matching path to pass, got %v", allowed.Err)
	}
}

func TestACL_CachesCompiledRulesPerServiceAndSLA(t *testing.T) {
	a := NewACL(make(chan model.ConfigUpdate))

	aclRequest(a, "svc", "gold", http.MethodGet, "/public/data", denyAllFilter(), nil)
	if _, ok := a.cache["svc\x00gold"]; !ok {
		t.Fatal("expected the first request to populate the cache")
	}

	// A second request for the same (service, sla) must reuse the cached
	// rules even if the filters it carries differ — the cache should still
	// be hit rather than recompiled (the filter content is assumed fixed
	// for that service/sla pair between ConfigUpdates).
	second := aclRequest(a, "svc", "gold", http.MethodGet, "/secret/data", nil, nil)
	if second.Err == nil {
		t.Fatal("expected the cached deny rule to block /secret/data even though this request carried no filters")
	}
	if len(a.cache) != 1 {
		t.Fatalf("expected a single cache entry for svc/gold, got %d", len(a.cache))
	}
}

// TestACL_ServiceUpdateEvictsItsCacheEntries verifies eviction behaviorally
// (rather than poking at the actor's internal cache map, which only the
// actor goroutine may safely touch): a ConfigUpdate for "svc" must force
// the next request to recompile against the filters it carries, not reuse
// a stale cached deny rule from before the update.
func TestACL_ServiceUpdateEvictsItsCacheEntries(t *testing.T) {
	updateCh := make(chan model.ConfigUpdate, 1)
	a := NewACL(updateCh)

	blocked := aclRequest(a, "svc", "gold", http.MethodGet, "/secret/data", denyAllFilter(), nil)
	if blocked.Err == nil {
		t.Fatal("expected the initial deny-all filter to block")
	}

	updateCh <- model.ConfigUpdate{Kind: model.UpdateService, Service: &model.ServiceInfo{ServiceID: "svc"}}

	// Give the actor's select a chance to drain the update before the next
	// pipeline message is sent; the update and the request would otherwise
	// race for which branch the actor's select picks first.
	time.Sleep(10 * time.Millisecond)

	allowed := aclRequest(a, "svc", "gold", http.MethodGet, "/secret/data", nil, nil)
	if allowed.Err != nil {
		t.Fatal("expected the stale cached deny rule to be evicted and the now-empty filter set to allow the request")
	}
}
