package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// recoverPanic is adapted from the teacher's mw.Recover: it catches panics
// raised on the request's own goroutine so a bug in request parsing
// doesn't take the whole listener down. The actor goroutines do not
// recover panics, and a panic there is not caught by this handler.
func (g *Gateway) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.log.Error("panic recovered", slog.Any("panic", rec), slog.String("path", r.URL.Path))
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type requestIDKeyType struct{}

var requestIDKey requestIDKeyType

// withRequestID is adapted from the teacher's mw.RequestID, generating
// with google/uuid rather than the teacher's crypto/rand-into-hex (the
// pack's more common choice for request identifiers). It assigns an
// X-Request-Id ahead of authentication so even an UnknownService 404
// carries one, and the authenticator (spec.md §4.8) reuses it verbatim if
// already present rather than minting its own.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
			r.Header.Set("X-Request-Id", rid)
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// maxBodyBytes is adapted from the teacher's mw.MaxBodyBytes, applied at
// the outer boundary before any actor sees the request body.
func maxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit && r.ContentLength != -1 {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "request_too_large", "max_bytes": limit})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
