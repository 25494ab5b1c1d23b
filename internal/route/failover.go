package route

import (
	"context"

	"github.com/dskow/cacheproxy/internal/backend"
	"github.com/dskow/cacheproxy/internal/hashing"
	"github.com/dskow/cacheproxy/internal/mc"
	"github.com/dskow/cacheproxy/internal/metrics"
)

// DefaultFailoverCount is the number of extra attempts when a route does
// not set failover_count.
const DefaultFailoverCount = 5

// orderFunc returns the target indices to try, at most attempts of them.
type orderFunc func(ctx context.Context, attempts int) []int

// Failover tries its targets one after another until one returns a result
// that is not a failover error, or the attempt budget runs out.
type Failover struct {
	name     string
	targets  []Handle
	attempts int
	errors   FailoverErrors
	order    orderFunc
}

// NewFailover builds a failover route that tries targets in the given
// order. failoverCount extra attempts are allowed, clamped to the target
// count.
func NewFailover(name string, targets []Handle, failoverCount int, fe FailoverErrors) *Failover {
	return &Failover{
		name:     name,
		targets:  targets,
		attempts: attemptBudget(failoverCount, len(targets)),
		errors:   fe,
		order:    staticOrder,
	}
}

// LatestOptions configures the weighted-hash ordering of a latest route.
type LatestOptions struct {
	Process hashing.ProcessIdentity
	// ThreadLocal mixes the caller's worker lane into the seed so each lane
	// gets its own ordering.
	ThreadLocal bool
	Salt        string
	// Weights has one entry per target. nil means uniform.
	Weights []float64
}

// NewLatest builds a failover route whose target order is a weighted
// sample without replacement seeded from the process identity, the
// optional worker lane and the salt. The order is reproducible for fixed
// inputs.
func NewLatest(name string, targets []Handle, failoverCount int, fe FailoverErrors, opts LatestOptions) *Failover {
	weights := opts.Weights
	if weights == nil {
		weights = make([]float64, len(targets))
		for i := range weights {
			weights[i] = 1
		}
	}
	f := NewFailover(name, targets, failoverCount, fe)
	f.order = func(ctx context.Context, attempts int) []int {
		var thread *hashing.ThreadIdentity
		if opts.ThreadLocal {
			if t, ok := ThreadFrom(ctx); ok {
				thread = &t
			}
		}
		return hashing.FailoverOrder(hashing.Seed(opts.Process, thread, opts.Salt), weights, attempts)
	}
	return f
}

func attemptBudget(failoverCount, n int) int {
	return max(0, min(failoverCount+1, n))
}

func staticOrder(_ context.Context, attempts int) []int {
	order := make([]int, attempts)
	for i := range order {
		order[i] = i
	}
	return order
}

func (f *Failover) Name() string       { return f.name }
func (f *Failover) Children() []Handle { return f.targets }

// Order returns the target indices the route would try for a request
// carrying ctx.
func (f *Failover) Order(ctx context.Context) []int {
	return f.order(ctx, f.attempts)
}

func (f *Failover) Route(ctx context.Context, req *mc.Request) mc.Reply {
	var last mc.Reply
	for i, idx := range f.Order(ctx) {
		if err := ctx.Err(); err != nil {
			return mc.Reply{Result: backend.Classify(err), Message: "request cancelled before attempt"}
		}
		if i > 0 {
			metrics.FailoverAttempts.WithLabelValues(f.name).Inc()
		}
		last = f.targets[idx].Route(ctx, req)
		if !f.errors.ShouldFailover(req.Op, last.Result) {
			return last
		}
	}
	if last.Result == mc.ResultUnknown {
		return mc.ErrorReply(mc.ResultLocalError, "%s: no targets", f.name)
	}
	metrics.FailoverExhausted.WithLabelValues(f.name).Inc()
	return last
}
