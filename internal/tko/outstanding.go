package tko

import (
	"time"

	"github.com/dskow/cacheproxy/internal/metrics"
)

// Admission is the outcome of asking a destination for a request slot.
type Admission int

const (
	Admitted Admission = iota
	RejectedTko
	RejectedBusy
)

// OutstandingLimiter caps the number of in-flight requests to one
// destination. Requests over the cap are answered with Busy instead of
// queueing behind a stuck backend.
type OutstandingLimiter struct {
	inner       Tracker
	sem         chan struct{}
	destination string
}

// NewOutstandingLimiter allows at most max in-flight requests.
func NewOutstandingLimiter(inner Tracker, max int, destination string) *OutstandingLimiter {
	return &OutstandingLimiter{
		inner:       inner,
		sem:         make(chan struct{}, max),
		destination: destination,
	}
}

// Admit tries to take a slot without blocking and then checks the inner
// tracker. On Admitted the caller must call Release.
func (o *OutstandingLimiter) Admit() Admission {
	select {
	case o.sem <- struct{}{}:
		metrics.Outstanding.WithLabelValues(o.destination).Set(float64(len(o.sem)))
		if !o.inner.Allow() {
			<-o.sem
			metrics.Outstanding.WithLabelValues(o.destination).Set(float64(len(o.sem)))
			return RejectedTko
		}
		return Admitted
	default:
		metrics.OutstandingRejections.WithLabelValues(o.destination).Inc()
		return RejectedBusy
	}
}

// Allow implements Tracker. Busy and TKO are not distinguished.
func (o *OutstandingLimiter) Allow() bool {
	return o.Admit() == Admitted
}

// Release frees a slot. Must be called exactly once per admitted request.
func (o *OutstandingLimiter) Release() {
	<-o.sem
	metrics.Outstanding.WithLabelValues(o.destination).Set(float64(len(o.sem)))
}

// InFlight returns the number of occupied slots.
func (o *OutstandingLimiter) InFlight() int { return len(o.sem) }

func (o *OutstandingLimiter) RecordSuccess(latency time.Duration) { o.inner.RecordSuccess(latency) }

func (o *OutstandingLimiter) RecordFailure(latency time.Duration) { o.inner.RecordFailure(latency) }

func (o *OutstandingLimiter) State() State { return o.inner.State() }

func (o *OutstandingLimiter) Reset() { o.inner.Reset() }
