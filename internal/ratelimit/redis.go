// Package ratelimit holds the Redis-backed observational mirror for the
// admin surface. The authoritative allow/deny decision lives entirely in
// the in-process token buckets of internal/middleware.RateLimit
// (spec.md §4.7.2's fractional-refill formula); Redis never arbitrates a
// single request. It exists so /-/limits can report a cross-instance view
// of how close a service or client is to its ceiling when the gateway
// runs as a fleet rather than a single process.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const mirrorTTL = 5 * time.Minute

// Mirror publishes point-in-time remaining-token observations to Redis
// and reads them back for admin introspection. Writes are best-effort:
// a Redis outage degrades /-/limits, never request handling.
type Mirror struct {
	rdb *redis.Client
}

func NewMirror(rdb *redis.Client) *Mirror {
	return &Mirror{rdb: rdb}
}

func mirrorKey(serviceID, scope string) string {
	return "edgeway:limits:" + serviceID + ":" + scope
}

// Observe records the remaining-token count for a (service, scope) pair,
// where scope is either "service" or a client ID. Intended to be called
// from a spawned goroutine so a slow Redis never blocks a request.
func (m *Mirror) Observe(ctx context.Context, serviceID, scope string, remaining float64, limit int) {
	if m == nil || m.rdb == nil {
		return
	}
	key := mirrorKey(serviceID, scope)
	m.rdb.HSet(ctx, key, map[string]any{
		"remaining": strconv.FormatFloat(remaining, 'f', 2, 64),
		"limit":     limit,
		"ts":        time.Now().UnixMilli(),
	})
	m.rdb.Expire(ctx, key, mirrorTTL)
}

// Snapshot reads back every observed scope for a service. Returns an
// empty map, not an error, when nothing has been observed yet or Redis
// is unreachable — this is a best-effort mirror, not a source of truth.
func (m *Mirror) Snapshot(ctx context.Context, serviceID string, scopes []string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(scopes))
	if m == nil || m.rdb == nil {
		return out
	}
	for _, scope := range scopes {
		vals, err := m.rdb.HGetAll(ctx, mirrorKey(serviceID, scope)).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		out[scope] = vals
	}
	return out
}

func (m *Mirror) Close() error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}
