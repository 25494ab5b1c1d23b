package tko

import (
	"log/slog"
	"time"
)

// Config holds the health tracking settings of one destination. The
// failure-rate tracker is always active; the other layers switch on when
// their settings are non-zero.
type Config struct {
	WindowSize       int
	FailureThreshold float64
	ResetTimeout     time.Duration
	ProbeSuccesses   int

	// Slow replies count as failures (active when SlowThreshold > 0).
	SlowThreshold time.Duration

	// In-flight cap (active when MaxOutstanding > 0).
	MaxOutstanding int

	// Latency-driven threshold (active when Adaptive is true).
	Adaptive       bool
	LatencyCeiling time.Duration
	MinThreshold   float64
}

// DefaultConfig is used for destinations without explicit settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:       20,
		FailureThreshold: 0.5,
		ResetTimeout:     5 * time.Second,
		ProbeSuccesses:   2,
	}
}

// Composite stacks tracker layers for one destination. Destinations only
// talk to the composite.
type Composite struct {
	failureRate *FailureRateTracker
	outstanding *OutstandingLimiter // nil when disabled
	effective   Tracker
}

// NewComposite builds the tracker stack for a destination.
// Order (inside to out): FailureRate, Adaptive, Slow, Outstanding.
func NewComposite(destination string, cfg Config, logger *slog.Logger) *Composite {
	fr := NewFailureRateTracker(destination, cfg.WindowSize, cfg.FailureThreshold, cfg.ResetTimeout, cfg.ProbeSuccesses, logger)

	var current Tracker = fr
	if cfg.Adaptive {
		current = NewAdaptiveTracker(fr, cfg.FailureThreshold, cfg.MinThreshold, cfg.LatencyCeiling, 0.3)
	}
	if cfg.SlowThreshold > 0 {
		current = NewSlowTracker(current, cfg.SlowThreshold)
	}

	c := &Composite{failureRate: fr, effective: current}
	if cfg.MaxOutstanding > 0 {
		c.outstanding = NewOutstandingLimiter(current, cfg.MaxOutstanding, destination)
		c.effective = c.outstanding
	}
	return c
}

// Admit reports whether a request may be sent and why not. Release must be
// called after every Admitted request.
func (c *Composite) Admit() Admission {
	if c.outstanding != nil {
		return c.outstanding.Admit()
	}
	if !c.effective.Allow() {
		return RejectedTko
	}
	return Admitted
}

func (c *Composite) Allow() bool {
	return c.Admit() == Admitted
}

// Release frees an outstanding-request slot. No-op when the limit is off.
func (c *Composite) Release() {
	if c.outstanding != nil {
		c.outstanding.Release()
	}
}

func (c *Composite) RecordSuccess(latency time.Duration) {
	c.effective.RecordSuccess(latency)
}

func (c *Composite) RecordFailure(latency time.Duration) {
	c.effective.RecordFailure(latency)
}

// State returns the failure-rate tracker's state.
func (c *Composite) State() State {
	return c.failureRate.State()
}

func (c *Composite) Reset() {
	c.effective.Reset()
}

// InFlight returns the number of outstanding requests, or 0 when untracked.
func (c *Composite) InFlight() int {
	if c.outstanding == nil {
		return 0
	}
	return c.outstanding.InFlight()
}

// UpdateConfig applies new failure-rate parameters on config reload. Layer
// changes (adaptive, slow, outstanding) need a new Composite.
func (c *Composite) UpdateConfig(cfg Config) {
	c.failureRate.updateConfig(cfg)
}
