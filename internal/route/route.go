// Package route implements the route-handle graph a cache request walks on
// its way to a backend: rate limiting, shard splitting, failover ordering and
// the terminal destination call.
package route

import (
	"context"

	"github.com/dskow/cacheproxy/internal/hashing"
	"github.com/dskow/cacheproxy/internal/mc"
)

// Handle is one node of the route graph. Route must be safe for concurrent
// use and must honour ctx cancellation.
type Handle interface {
	Route(ctx context.Context, req *mc.Request) mc.Reply
	// Name describes the handle for logs and introspection.
	Name() string
	// Children returns the handles this one may dispatch to.
	Children() []Handle
}

// Traverse walks the graph rooted at h depth first. depth is 0 for h.
func Traverse(h Handle, fn func(h Handle, depth int)) {
	traverse(h, 0, fn)
}

func traverse(h Handle, depth int, fn func(Handle, int)) {
	fn(h, depth)
	for _, c := range h.Children() {
		traverse(c, depth+1, fn)
	}
}

type threadKey struct{}

// WithThread attaches the caller's worker lane to ctx.
func WithThread(ctx context.Context, t hashing.ThreadIdentity) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// ThreadFrom returns the worker lane stored by WithThread.
func ThreadFrom(ctx context.Context) (hashing.ThreadIdentity, bool) {
	t, ok := ctx.Value(threadKey{}).(hashing.ThreadIdentity)
	return t, ok
}
