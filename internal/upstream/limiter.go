package upstream

// Semaphore is a bounded in-flight counter for one origin (spec.md §4.3).
// A MaxConn of zero means unlimited.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(maxConn int) *Semaphore {
	if maxConn <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{ch: make(chan struct{}, maxConn)}
}

func (s *Semaphore) Enabled() bool { return s != nil && s.ch != nil }

func (s *Semaphore) Cap() int {
	if !s.Enabled() {
		return 0
	}
	return cap(s.ch)
}

func (s *Semaphore) InUse() int {
	if !s.Enabled() {
		return 0
	}
	return len(s.ch)
}

// TryAcquire shows load-shedding behavior: a saturated origin is rejected
// immediately rather than queued.
func (s *Semaphore) TryAcquire() bool {
	if !s.Enabled() {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if !s.Enabled() {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}
