package auth

import (
	"net/http"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
)

// NoAuthProvider never rejects a request; the pipeline ends up applying
// service filters only (spec.md §4.8 "No-auth provider").
type NoAuthProvider struct{}

func NewNoAuthProvider() *NoAuthProvider { return &NoAuthProvider{} }

func (NoAuthProvider) ApplyUpdate(model.ConfigUpdate) {}

func (NoAuthProvider) IdentifyClient(req *http.Request, _ string) (*http.Request, Result, *gwerrors.GatewayError) {
	return req, Result{}, nil
}
