package upstream

import (
	"math"
	"sync"
	"time"
)

// ewmaTracker is the peak exponentially-weighted moving average of
// response latency used by the "load" balancer policy (spec.md §4.4):
// initial window 50ms, decay 1s, updated on each completed response.
type ewmaTracker struct {
	mu    sync.Mutex
	value float64 // seconds
	stamp time.Time
	decay time.Duration
}

func newEWMATracker(initial, decay time.Duration) *ewmaTracker {
	return &ewmaTracker{
		value: initial.Seconds(),
		stamp: time.Now(),
		decay: decay,
	}
}

// Observe folds one completed-response latency sample in. A sample above
// the current value replaces it outright (the "peak" part); a lower one
// is blended in with a weight that decays over time.
func (e *ewmaTracker) Observe(sample time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(e.stamp).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	weight := math.Exp(-elapsed / e.decay.Seconds())
	if s := sample.Seconds(); s > e.value {
		e.value = s
	} else {
		e.value = e.value*weight + s*(1-weight)
	}
	e.stamp = now
}

// Peak returns the current decayed average, used as the comparison metric
// for power-of-two-choices selection.
func (e *ewmaTracker) Peak() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
