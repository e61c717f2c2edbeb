package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/3xpluto/edgeway/internal/gwerrors"
	"github.com/3xpluto/edgeway/internal/model"
)

const tokenCacheCapacity = 1024

// JWTProvider implements spec.md §4.8's JWT credential provider: ES256
// verification with an LRU cache binding raw tokens to the app_key that
// was valid when they were last verified.
type JWTProvider struct {
	byClientID map[string]model.ClientInfo
	cache      *lru.Cache[string, string] // token -> app_key at verification time
}

func NewJWTProvider() *JWTProvider {
	cache, _ := lru.New[string, string](tokenCacheCapacity)
	return &JWTProvider{
		byClientID: make(map[string]model.ClientInfo),
		cache:      cache,
	}
}

func (p *JWTProvider) ApplyUpdate(u model.ConfigUpdate) {
	switch u.Kind {
	case model.UpdateClient:
		p.byClientID[u.Client.ClientID] = *u.Client
	case model.UpdateClientRemove:
		delete(p.byClientID, u.ClientID)
	}
}

// IdentifyClient implements the two-pass algorithm of spec.md §4.8: an
// insecure decode to pull sub/exp and look up the cache, then a full
// ES256 signature verification only on cache miss.
func (p *JWTProvider) IdentifyClient(req *http.Request, serviceID string) (*http.Request, Result, *gwerrors.GatewayError) {
	token := bearerToken(req)
	if token == "" {
		return req, Result{}, gwerrors.New(gwerrors.CodeTokenNotFound, "no bearer token presented")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "malformed token")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || time.Now().After(exp.Time) {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "token expired")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "token missing sub")
	}

	client, ok := p.byClientID[sub]
	if !ok {
		return req, Result{}, gwerrors.New(gwerrors.CodeUnknownClient, "unknown client "+sub)
	}

	sla, ok := client.Services[serviceID]
	if !ok {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidSLA, "client not subscribed to service "+serviceID)
	}

	if cachedKey, hit := p.cache.Get(token); hit {
		if cachedKey != client.AppKey {
			return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "app key rotated since token was issued")
		}
		return req, Result{ClientID: sub, SLA: sla, IPWhitelist: client.IPWhitelist}, nil
	}

	pub, err := parseECPublicKey(client.PubKeyPEM)
	if err != nil {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "client public key unusable: "+err.Error())
	}

	_, err = jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return req, Result{}, gwerrors.New(gwerrors.CodeInvalidToken, "signature verification failed")
	}

	p.cache.Add(token, client.AppKey)
	return req, Result{ClientID: sub, SLA: sla, IPWhitelist: client.IPWhitelist}, nil
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(parts[1])
}

func parseECPublicKey(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an EC public key")
	}
	return ecKey, nil
}
