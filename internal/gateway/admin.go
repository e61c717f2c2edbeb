package gateway

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"
)

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	info, _ := debug.ReadBuildInfo()
	goVer := ""
	if info != nil {
		goVer = info.GoVersion
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"time_utc":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"go_version":     goVer,
	})
}

// handleRoutes reports the resolved middleware stack (generalized from
// the teacher's per-route listing, since this gateway's "routes" are
// services published over the config stream rather than a static list).
func (g *Gateway) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(g.stack))
	for _, h := range g.stack {
		names = append(names, h.Name)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pipeline": names})
}

func (g *Gateway) handleAuth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"providers": []string{"appkey", "jwt", "noauth"},
	})
}

// handleLimits reports circuit-breaker state for a service's upstreams
// plus, when a Redis mirror is configured, the cross-instance rate-limit
// observation for the service and an optional ?client= scope. Selected
// by the ?service= query parameter (spec.md's admin surface generalized
// to per-service introspection rather than per-route).
func (g *Gateway) handleLimits(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("service")
	w.Header().Set("Content-Type", "application/json")
	if serviceID == "" {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "missing ?service= query parameter"})
		return
	}

	body := map[string]any{
		"service":  serviceID,
		"breakers": g.registry.Breakers(serviceID),
	}
	if g.mirror != nil {
		scopes := []string{"service"}
		if client := r.URL.Query().Get("client"); client != "" {
			scopes = append(scopes, client)
		}
		body["rate_limits"] = g.mirror.Snapshot(r.Context(), serviceID, scopes)
	}
	_ = json.NewEncoder(w).Encode(body)
}
