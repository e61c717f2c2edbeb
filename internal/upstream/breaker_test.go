package upstream

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAtThresholdAndHalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute, 50*time.Millisecond)
	now := time.Now()

	if !b.CanServe(now) {
		t.Fatal("expected closed breaker to be ready")
	}

	b.Record(false, now)
	if b.CurrentState() != Closed {
		t.Fatalf("expected still closed after 1 error, got %s", b.CurrentState())
	}

	b.Record(false, now)
	if b.CurrentState() != Open {
		t.Fatalf("expected open after threshold errors, got %s", b.CurrentState())
	}

	if b.CanServe(now) {
		t.Fatal("expected not-ready immediately after opening")
	}

	later := now.Add(100 * time.Millisecond)
	if !b.CanServe(later) {
		t.Fatal("expected ready once retry delay has elapsed")
	}
	// CanServe is a pure scan-time check: it must not itself spend the probe.
	if b.CurrentState() != Open {
		t.Fatalf("expected CanServe to leave state untouched, got %s", b.CurrentState())
	}

	if !b.Acquire(later) {
		t.Fatal("expected the first Acquire after retry delay to claim the probe")
	}
	if b.CurrentState() != HalfOpen {
		t.Fatalf("expected half-open after probe granted, got %s", b.CurrentState())
	}

	// A second concurrent caller must not get another probe.
	if b.Acquire(later) {
		t.Fatal("expected only one probe per open window")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, 10*time.Millisecond)
	now := time.Now()
	b.Record(false, now) // opens immediately at threshold 1
	later := now.Add(20 * time.Millisecond)
	if !b.Acquire(later) {
		t.Fatal("expected probe to be granted")
	}
	b.Record(true, later)
	if b.CurrentState() != Closed {
		t.Fatalf("expected closed after half-open success, got %s", b.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, 10*time.Millisecond)
	now := time.Now()
	b.Record(false, now)
	later := now.Add(20 * time.Millisecond)
	b.Acquire(later)
	b.Record(false, later)
	if b.CurrentState() != Open {
		t.Fatalf("expected re-opened after half-open failure, got %s", b.CurrentState())
	}
}

func TestCircuitBreaker_OpenSuccessRecoversToHalfOpen(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, time.Hour) // retry delay never naturally elapses
	now := time.Now()
	b.Record(false, now)
	if b.CurrentState() != Open {
		t.Fatal("expected open")
	}
	// A dispatch that happened despite a stale not-ready check succeeds.
	b.Record(true, now.Add(time.Millisecond))
	if b.CurrentState() != HalfOpen {
		t.Fatalf("expected a success recorded while open to recover to half-open, got %s", b.CurrentState())
	}
}

func TestCircuitBreaker_ZeroThresholdDisabled(t *testing.T) {
	b := NewCircuitBreaker(0, time.Minute, time.Second)
	now := time.Now()
	for i := 0; i < 10; i++ {
		b.Record(false, now)
	}
	if !b.CanServe(now) {
		t.Fatal("expected a zero-threshold breaker to always be ready")
	}
	if b.CurrentState() != Closed {
		t.Fatalf("expected zero-threshold breaker to never leave closed, got %s", b.CurrentState())
	}
}

func TestCircuitBreaker_ErrorResetWindowClearsCount(t *testing.T) {
	b := NewCircuitBreaker(2, 10*time.Millisecond, time.Second)
	now := time.Now()
	b.Record(false, now)
	// Past the reset window: the next error should restart the count at 1,
	// not accumulate toward the threshold.
	later := now.Add(50 * time.Millisecond)
	b.Record(false, later)
	if b.CurrentState() != Closed {
		t.Fatalf("expected errors separated by more than errorReset to not trip the breaker, got %s", b.CurrentState())
	}
}
