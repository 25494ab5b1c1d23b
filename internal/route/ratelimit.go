package route

import (
	"context"

	"github.com/dskow/cacheproxy/internal/mc"
	"github.com/dskow/cacheproxy/internal/metrics"
	"github.com/dskow/cacheproxy/internal/ratelimit"
)

// RateLimit forwards requests its limiter admits and rejects the rest
// without touching the child.
type RateLimit struct {
	name    string
	child   Handle
	limiter *ratelimit.Limiter
}

// NewRateLimit wraps child with limiter.
func NewRateLimit(name string, child Handle, limiter *ratelimit.Limiter) *RateLimit {
	return &RateLimit{name: name, child: child, limiter: limiter}
}

func (r *RateLimit) Name() string       { return r.name }
func (r *RateLimit) Children() []Handle { return []Handle{r.child} }

func (r *RateLimit) Route(ctx context.Context, req *mc.Request) mc.Reply {
	if d := r.limiter.Check(req.Op); d != ratelimit.Allowed {
		metrics.RateLimitRejections.WithLabelValues(r.name, req.Op.Class().String(), d.String()).Inc()
		return mc.ErrorReply(mc.ResultRejected, "%s: rejected by %s limit", r.name, d)
	}
	return r.child.Route(ctx, req)
}
