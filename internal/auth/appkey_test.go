package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3xpluto/edgeway/internal/model"
)

func TestAppKeyProvider_IdentifyClient(t *testing.T) {
	p := NewAppKeyProvider()
	p.ApplyUpdate(model.ConfigUpdate{
		Kind: model.UpdateClient,
		Client: &model.ClientInfo{
			ClientID: "acme",
			AppKey:   "secret",
			Services: map[string]string{"users": "gold"},
		},
	})

	t.Run("header precedence", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req.Header.Set("X-APP-KEY", "secret")
		_, res, err := p.IdentifyClient(req, "users")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ClientID != "acme" || res.SLA != "gold" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("query fallback", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/me?_app_key=secret", nil)
		_, res, err := p.IdentifyClient(req, "users")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ClientID != "acme" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("path segment strips itself", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/~secret/me", nil)
		out, res, err := p.IdentifyClient(req, "users")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ClientID != "acme" {
			t.Fatalf("unexpected result: %+v", res)
		}
		if out.URL.Path != "/users/me" {
			t.Fatalf("expected path segment stripped, got %q", out.URL.Path)
		}
	})

	t.Run("no key presented", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		_, _, err := p.IdentifyClient(req, "users")
		if err == nil {
			t.Fatal("expected TokenNotFound error")
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req.Header.Set("X-APP-KEY", "wrong")
		_, _, err := p.IdentifyClient(req, "users")
		if err == nil {
			t.Fatal("expected InvalidToken error")
		}
	})

	t.Run("not subscribed to service", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/billing/me", nil)
		req.Header.Set("X-APP-KEY", "secret")
		_, _, err := p.IdentifyClient(req, "billing")
		if err == nil {
			t.Fatal("expected InvalidSLA error")
		}
	})

	t.Run("app key rotation re-keys the lookup", func(t *testing.T) {
		p.ApplyUpdate(model.ConfigUpdate{
			Kind: model.UpdateClient,
			Client: &model.ClientInfo{
				ClientID: "acme",
				AppKey:   "rotated",
				Services: map[string]string{"users": "gold"},
			},
		})
		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req.Header.Set("X-APP-KEY", "secret")
		if _, _, err := p.IdentifyClient(req, "users"); err == nil {
			t.Fatal("expected old app key to stop working after rotation")
		}
		req2 := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req2.Header.Set("X-APP-KEY", "rotated")
		if _, _, err := p.IdentifyClient(req2, "users"); err != nil {
			t.Fatalf("expected rotated app key to work, got %v", err)
		}
	})
}
