// Package tko tracks destination health. A destination that keeps failing is
// put into "technical knockout" (TKO) and skipped by routing until probes show
// it has recovered. Operators can also mark destinations down by hand.
package tko

import "time"

// State is the health state of a destination.
type State int32

const (
	StateHealthy State = iota // Normal operation; requests pass through.
	StateTko                  // Failing; requests are answered with a TKO reply.
	StateProbing              // Recovering; probe requests test the destination.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateTko:
		return "tko"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Tracker is the common interface for all health tracker layers.
type Tracker interface {
	// Allow reports whether a request may be sent. Returns false while the
	// destination is in TKO.
	Allow() bool

	// RecordSuccess records a backend reply that was not an availability error.
	RecordSuccess(latency time.Duration)

	// RecordFailure records an availability error (timeout, connect error...).
	RecordFailure(latency time.Duration)

	// State returns the current health state.
	State() State

	// Reset forces the tracker back to healthy.
	Reset()
}
