package tko

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/cacheproxy/internal/metrics"
)

// outcome records a single request result in the sliding window.
type outcome struct {
	failed bool
}

// FailureRateTracker implements a sliding-window failure-rate tracker. The
// destination goes TKO when the failure ratio over the most recent windowSize
// outcomes reaches failureThreshold.
type FailureRateTracker struct {
	mu sync.Mutex

	state       State
	snapshot    atomic.Int32 // mirror of state for unlocked reads
	destination string
	logger      *slog.Logger

	// Sliding window implemented as a ring buffer.
	window   []outcome
	head     int // next write position
	count    int // number of outcomes recorded (up to windowSize)
	failures int // number of failures in the current window

	windowSize       int
	failureThreshold float64
	resetTimeout     time.Duration
	probeSuccesses   int

	probeOK  int
	tkoSince time.Time
}

// NewFailureRateTracker creates a failure-rate tracker for the given destination.
func NewFailureRateTracker(destination string, windowSize int, failureThreshold float64, resetTimeout time.Duration, probeSuccesses int, logger *slog.Logger) *FailureRateTracker {
	if windowSize < 1 {
		windowSize = 1
	}
	if probeSuccesses < 1 {
		probeSuccesses = 1
	}
	return &FailureRateTracker{
		state:            StateHealthy,
		destination:      destination,
		logger:           logger,
		window:           make([]outcome, windowSize),
		windowSize:       windowSize,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		probeSuccesses:   probeSuccesses,
	}
}

func (t *FailureRateTracker) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateTko:
		if time.Since(t.tkoSince) >= t.resetTimeout {
			t.transitionTo(StateProbing)
			return true
		}
		return false
	default:
		return true
	}
}

func (t *FailureRateTracker) RecordSuccess(_ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateHealthy:
		t.recordOutcome(false)
	case StateProbing:
		t.probeOK++
		if t.probeOK >= t.probeSuccesses {
			t.transitionTo(StateHealthy)
		}
	}
}

func (t *FailureRateTracker) RecordFailure(_ time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateHealthy:
		t.recordOutcome(true)
		if t.count >= t.windowSize && t.failureRate() >= t.failureThreshold {
			t.transitionTo(StateTko)
		}
	case StateProbing:
		t.transitionTo(StateTko)
	}
}

// State reads the last published state without taking the lock. A reader may
// observe a transition slightly late.
func (t *FailureRateTracker) State() State {
	return State(t.snapshot.Load())
}

func (t *FailureRateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transitionTo(StateHealthy)
}

// SetFailureThreshold dynamically updates the failure threshold. Used by the
// adaptive tracker to tighten or relax the threshold at runtime.
func (t *FailureRateTracker) SetFailureThreshold(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failureThreshold = v
}

func (t *FailureRateTracker) updateConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failureThreshold = cfg.FailureThreshold
	t.resetTimeout = cfg.ResetTimeout
	if cfg.ProbeSuccesses > 0 {
		t.probeSuccesses = cfg.ProbeSuccesses
	}

	if cfg.WindowSize > 0 && cfg.WindowSize != t.windowSize {
		t.window = make([]outcome, cfg.WindowSize)
		t.windowSize = cfg.WindowSize
		t.head = 0
		t.count = 0
		t.failures = 0
	}
}

// recordOutcome writes a result into the ring buffer and maintains the
// running failure count. Must be called with t.mu held.
func (t *FailureRateTracker) recordOutcome(failed bool) {
	if t.count == t.windowSize {
		if t.window[t.head].failed {
			t.failures--
		}
	} else {
		t.count++
	}

	t.window[t.head] = outcome{failed: failed}
	if failed {
		t.failures++
	}
	t.head = (t.head + 1) % t.windowSize
}

// failureRate returns the current failure ratio. Must be called with t.mu held.
func (t *FailureRateTracker) failureRate() float64 {
	if t.count == 0 {
		return 0
	}
	return float64(t.failures) / float64(t.count)
}

// transitionTo changes the state, emitting metrics and logging.
// Must be called with t.mu held.
func (t *FailureRateTracker) transitionTo(next State) {
	if t.state == next {
		return
	}

	from := t.state
	t.state = next
	t.snapshot.Store(int32(next))

	metrics.TkoTransitions.WithLabelValues(t.destination, from.String(), next.String()).Inc()
	metrics.TkoState.WithLabelValues(t.destination).Set(float64(next))

	t.logger.Info("destination health change",
		"destination", t.destination,
		"from", from.String(),
		"to", next.String(),
	)

	switch next {
	case StateHealthy:
		t.head = 0
		t.count = 0
		t.failures = 0
		t.probeOK = 0
	case StateTko:
		t.tkoSince = time.Now()
		t.probeOK = 0
	case StateProbing:
		t.probeOK = 0
	}
}
