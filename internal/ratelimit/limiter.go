// Package ratelimit provides admission control for the cache proxy: token
// buckets per operation class used by rate_limit routes, and a per-client
// limiter for the HTTP front end.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dskow/cacheproxy/internal/mc"
)

// Shedder drops a share of requests under load. The congestion controller
// implements it.
type Shedder interface {
	ShouldShed() bool
}

// Rates holds token bucket settings per operation class. A zero rate
// leaves the class unlimited.
type Rates struct {
	GetsRate     float64
	GetsBurst    int
	SetsRate     float64
	SetsBurst    int
	DeletesRate  float64
	DeletesBurst int
}

// Decision is the outcome of an admission check.
type Decision int

const (
	Allowed Decision = iota
	DeniedRate
	DeniedShed
)

// String returns the metric label for the decision.
func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case DeniedRate:
		return "rate"
	case DeniedShed:
		return "congestion"
	default:
		return "unknown"
	}
}

// Limiter admits or rejects requests by operation class.
type Limiter struct {
	mu      sync.RWMutex
	buckets [3]*rate.Limiter // indexed by mc.OpClass; nil = unlimited
	shedder Shedder
}

// New creates a limiter. shedder may be nil.
func New(r Rates, shedder Shedder) *Limiter {
	l := &Limiter{shedder: shedder}
	l.buckets = buildBuckets(r)
	return l
}

func buildBuckets(r Rates) [3]*rate.Limiter {
	var b [3]*rate.Limiter
	b[mc.ClassGets] = bucket(r.GetsRate, r.GetsBurst)
	b[mc.ClassUpdates] = bucket(r.SetsRate, r.SetsBurst)
	b[mc.ClassDeletes] = bucket(r.DeletesRate, r.DeletesBurst)
	return b
}

func bucket(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = max(1, int(rps))
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// CanPassThrough reports whether a request with op may proceed.
func (l *Limiter) CanPassThrough(op mc.Op) bool {
	return l.Check(op) == Allowed
}

// Check consults the shedder first and then the class bucket. A shed
// request does not consume a token.
func (l *Limiter) Check(op mc.Op) Decision {
	l.mu.RLock()
	shedder := l.shedder
	b := l.buckets[op.Class()]
	l.mu.RUnlock()

	if shedder != nil && shedder.ShouldShed() {
		return DeniedShed
	}
	if b != nil && !b.Allow() {
		return DeniedRate
	}
	return Allowed
}

// UpdateConfig replaces the buckets. Tokens accumulated under the old rates
// are discarded.
func (l *Limiter) UpdateConfig(r Rates) {
	b := buildBuckets(r)
	l.mu.Lock()
	l.buckets = b
	l.mu.Unlock()
}

// SetShedder replaces the shedder. nil disables shedding.
func (l *Limiter) SetShedder(s Shedder) {
	l.mu.Lock()
	l.shedder = s
	l.mu.Unlock()
}
