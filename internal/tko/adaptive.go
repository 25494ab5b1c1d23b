package tko

import (
	"sync"
	"time"
)

// AdaptiveTracker adjusts the failure-rate threshold of an inner
// FailureRateTracker from an exponentially weighted moving average (EWMA) of
// observed latencies. Above latencyCeiling the threshold is lowered so a slow
// destination is knocked out sooner.
type AdaptiveTracker struct {
	mu    sync.Mutex
	inner *FailureRateTracker

	ewmaLatency    float64 // nanoseconds
	alpha          float64 // 0 < alpha <= 1
	baseThreshold  float64
	minThreshold   float64
	latencyCeiling time.Duration
}

// NewAdaptiveTracker wraps a FailureRateTracker. alpha controls EWMA
// responsiveness (higher = more reactive).
func NewAdaptiveTracker(inner *FailureRateTracker, baseThreshold, minThreshold float64, latencyCeiling time.Duration, alpha float64) *AdaptiveTracker {
	return &AdaptiveTracker{
		inner:          inner,
		alpha:          alpha,
		baseThreshold:  baseThreshold,
		minThreshold:   minThreshold,
		latencyCeiling: latencyCeiling,
	}
}

func (a *AdaptiveTracker) Allow() bool {
	return a.inner.Allow()
}

func (a *AdaptiveTracker) RecordSuccess(latency time.Duration) {
	a.inner.RecordSuccess(latency)
	a.updateThreshold(latency)
}

func (a *AdaptiveTracker) RecordFailure(latency time.Duration) {
	a.inner.RecordFailure(latency)
	a.updateThreshold(latency)
}

func (a *AdaptiveTracker) State() State {
	return a.inner.State()
}

func (a *AdaptiveTracker) Reset() {
	a.inner.Reset()
	a.mu.Lock()
	a.ewmaLatency = 0
	a.inner.SetFailureThreshold(a.baseThreshold)
	a.mu.Unlock()
}

func (a *AdaptiveTracker) updateThreshold(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ns := float64(latency.Nanoseconds())
	if a.ewmaLatency == 0 {
		a.ewmaLatency = ns
	} else {
		a.ewmaLatency = a.alpha*ns + (1-a.alpha)*a.ewmaLatency
	}

	ceiling := float64(a.latencyCeiling.Nanoseconds())
	if a.ewmaLatency <= ceiling {
		a.inner.SetFailureThreshold(a.baseThreshold)
		return
	}

	// From ceiling to 2*ceiling the threshold slides from base to min.
	ratio := (a.ewmaLatency - ceiling) / ceiling
	if ratio > 1 {
		ratio = 1
	}
	a.inner.SetFailureThreshold(a.baseThreshold - ratio*(a.baseThreshold-a.minThreshold))
}
