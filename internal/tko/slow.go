package tko

import "time"

// SlowTracker counts replies slower than slowThreshold as failures. A cache
// that answers in 500ms is as bad as one that does not answer.
type SlowTracker struct {
	inner         Tracker
	slowThreshold time.Duration
}

// NewSlowTracker wraps inner.
func NewSlowTracker(inner Tracker, slowThreshold time.Duration) *SlowTracker {
	return &SlowTracker{inner: inner, slowThreshold: slowThreshold}
}

func (s *SlowTracker) Allow() bool { return s.inner.Allow() }

func (s *SlowTracker) RecordSuccess(latency time.Duration) {
	if latency > s.slowThreshold {
		s.inner.RecordFailure(latency)
		return
	}
	s.inner.RecordSuccess(latency)
}

func (s *SlowTracker) RecordFailure(latency time.Duration) { s.inner.RecordFailure(latency) }

func (s *SlowTracker) State() State { return s.inner.State() }

func (s *SlowTracker) Reset() { s.inner.Reset() }
