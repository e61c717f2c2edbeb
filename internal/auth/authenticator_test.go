package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/3xpluto/edgeway/internal/model"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	updateCh := make(chan model.ConfigUpdate, 4)
	a := New(updateCh)

	updateCh <- model.ConfigUpdate{Kind: model.UpdateService, Service: &model.ServiceInfo{
		ServiceID: "users",
		Path:      "/users",
		Auth:      model.AuthAppKey,
	}}
	updateCh <- model.ConfigUpdate{Kind: model.UpdateClient, Client: &model.ClientInfo{
		ClientID: "acme",
		AppKey:   "secret",
		Services: map[string]string{"users": "gold"},
	}}
	// Give the actor a moment to drain both updates before any Resolve call.
	time.Sleep(10 * time.Millisecond)
	return a
}

// TestAuthenticator_APIPathMatchesAcrossAppKeyForms guards spec.md §8's
// round-trip property for the header and path-segment app-key forms: both
// must resolve to the same api_path, even though only the path-segment
// form rewrites the request.
func TestAuthenticator_APIPathMatchesAcrossAppKeyForms(t *testing.T) {
	a := newTestAuthenticator(t)

	headerReq := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	headerReq.Header.Set("X-APP-KEY", "secret")
	_, headerCtx, gerr := a.Resolve(context.Background(), headerReq)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}

	segmentReq := httptest.NewRequest(http.MethodGet, "/users/~secret/me", nil)
	outReq, segmentCtx, gerr := a.Resolve(context.Background(), segmentReq)
	if gerr != nil {
		t.Fatalf("unexpected error: %v", gerr)
	}

	if segmentCtx.APIPath != headerCtx.APIPath {
		t.Fatalf("expected matching api_path across app-key forms, got %q vs %q", segmentCtx.APIPath, headerCtx.APIPath)
	}
	if segmentCtx.APIPath != "/me" {
		t.Fatalf("expected api_path computed from the stripped path, got %q", segmentCtx.APIPath)
	}
	if outReq.URL.Path != "/users/me" {
		t.Fatalf("expected the outbound request path to have its app-key segment stripped, got %q", outReq.URL.Path)
	}
}
