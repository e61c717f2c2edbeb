package auth

import (
	"net/http"
	"strings"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
)

// AppKeyProvider implements spec.md §4.8's app-key credential provider.
type AppKeyProvider struct {
	byKey map[string]model.ClientInfo
}

func NewAppKeyProvider() *AppKeyProvider {
	return &AppKeyProvider{byKey: make(map[string]model.ClientInfo)}
}

func (p *AppKeyProvider) ApplyUpdate(u model.ConfigUpdate) {
	switch u.Kind {
	case model.UpdateClient:
		for k, c := range p.byKey {
			if c.ClientID == u.Client.ClientID && k != u.Client.AppKey {
				delete(p.byKey, k)
			}
		}
		p.byKey[u.Client.AppKey] = *u.Client
	case model.UpdateClientRemove:
		for k, c := range p.byKey {
			if c.ClientID == u.ClientID {
				delete(p.byKey, k)
			}
		}
	}
}

// IdentifyClient implements spec.md §4.8's token-source precedence:
// X-APP-KEY header, then _app_key query parameter, then a /~<appkey>/
// path segment, which is stripped from the path before returning.
func (p *AppKeyProvider) IdentifyClient(req *http.Request, serviceID string) (*http.Request, Result, *gwerrors.GatewayError) {
	key, out := extractAppKey(req)
	if key == "" {
		return req, Result{}, gwerrors.New(gwerrors.CodeTokenNotFound, "no app key presented")
	}

	client, ok := p.byKey[key]
	if !ok {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "unknown app key")
	}

	sla, ok := client.Services[serviceID]
	if !ok {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidSLA, "client not subscribed to service "+serviceID)
	}

	return out, Result{ClientID: client.ClientID, SLA: sla, IPWhitelist: client.IPWhitelist}, nil
}

func extractAppKey(req *http.Request) (string, *http.Request) {
	if k := req.Header.Get("X-APP-KEY"); k != "" {
		return k, req
	}
	if k := req.URL.Query().Get("_app_key"); k != "" {
		return k, req
	}

	segments := strings.Split(req.URL.Path, "/")
	for i, seg := range segments {
		if strings.HasPrefix(seg, "~") && len(seg) > 1 {
			key := seg[1:]
			rewritten := append(append([]string{}, segments[:i]...), segments[i+1:]...)
			out := req.Clone(req.Context())
			out.URL.Path = strings.Join(rewritten, "/")
			out.URL.RawPath = ""
			return key, out
		}
	}
	return "", req
}
