package middleware

import (
	"testing"
	"time"

	"github.com/3xpluto/edgeway/internal/model"
)

func TestTokenBucket_AllowsBurstThenBlocks(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(model.FilterSetting{IntervalSeconds: 1, Limit: 1, Burst: 2}, now)

	if !b.allow(now) {
		t.Fatal("expected first request within burst to be allowed")
	}
	if !b.allow(now) {
		t.Fatal("expected second request within burst to be allowed")
	}
	if b.allow(now) {
		t.Fatal("expected third request to exceed the burst")
	}
}

func TestTokenBucket_RefillsAfterInterval(t *testing.T) {
	now := time.Now()
	b := newTokenBucket(model.FilterSetting{IntervalSeconds: 1, Limit: 1, Burst: 1}, now)

	if !b.allow(now) {
		t.Fatal("expected first request to be allowed")
	}
	if b.allow(now) {
		t.Fatal("expected immediate second request to be blocked")
	}

	later := now.Add(1100 * time.Millisecond)
	if !b.allow(later) {
		t.Fatal("expected a request after a full interval to be allowed again")
	}
}

func TestTokenBucket_PartialIntervalGrantsFractionalTokens(t *testing.T) {
	now := time.Now()
	// limit=10/interval, burst=1: half an interval should add ~5 tokens,
	// clamped to the capacity of 1, so a second immediate request after
	// half the interval is still allowed.
	b := newTokenBucket(model.FilterSetting{IntervalSeconds: 1, Limit: 10, Burst: 1}, now)
	b.allow(now)
	half := now.Add(500 * time.Millisecond)
	if !b.allow(half) {
		t.Fatal("expected fractional refill within the interval to allow another request")
	}
}
