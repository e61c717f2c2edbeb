// Package auth implements the authentication and routing front-end of
// spec.md §4.8: a single actor that resolves an inbound request to a
// service and client identity, selects the right credential provider, and
// emits the execution context the pipeline runs with.
package auth

import (
	"net/http"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
)

// Result is what a provider's IdentifyClient hands back on success.
type Result struct {
	ClientID    string
	SLA         string
	IPWhitelist []string
}

// Provider is one pluggable credential validator (spec.md §4.8:
// "appkey", "jwt", "noauth"). Implementations are only ever invoked from
// the Authenticator's single goroutine, so they keep no locks of their
// own even though they hold mutable indices.
type Provider interface {
	// IdentifyClient inspects (and may rewrite) req, returning the
	// resolved client/SLA pair or a GatewayError.
	IdentifyClient(req *http.Request, serviceID string) (*http.Request, Result, *gwerrors.GatewayError)

	// ApplyUpdate lets the provider maintain its own client index.
	ApplyUpdate(u model.ConfigUpdate)
}
