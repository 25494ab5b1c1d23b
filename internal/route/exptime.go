package route

import (
	"context"
	"fmt"
	"time"

	"github.com/dskow/cacheproxy/internal/mc"
)

// DefaultFailoverExptime caps the TTL of writes sent to failover targets.
const DefaultFailoverExptime = 60

// ExptimeAction selects how ModifyExptime rewrites a request.
type ExptimeAction int

const (
	// ExptimeSet replaces the exptime.
	ExptimeSet ExptimeAction = iota
	// ExptimeMin keeps the shorter of the request's TTL and the limit.
	ExptimeMin
)

// ParseExptimeAction converts a config name into an action.
func ParseExptimeAction(s string) (ExptimeAction, error) {
	switch s {
	case "", "set":
		return ExptimeSet, nil
	case "min":
		return ExptimeMin, nil
	default:
		return 0, fmt.Errorf("unknown exptime action %q", s)
	}
}

func (a ExptimeAction) String() string {
	if a == ExptimeMin {
		return "min"
	}
	return "set"
}

// ModifyExptime rewrites the exptime of updates before passing them on.
// Other operations go through untouched.
type ModifyExptime struct {
	child   Handle
	exptime int32
	action  ExptimeAction
	now     func() time.Time
}

// NewModifyExptime wraps child. exptime is in seconds.
func NewModifyExptime(child Handle, exptime int32, action ExptimeAction) *ModifyExptime {
	return &ModifyExptime{child: child, exptime: exptime, action: action, now: time.Now}
}

func (m *ModifyExptime) Name() string {
	return fmt.Sprintf("modify_exptime|%s|%d", m.action, m.exptime)
}

func (m *ModifyExptime) Children() []Handle { return []Handle{m.child} }

func (m *ModifyExptime) Route(ctx context.Context, req *mc.Request) mc.Reply {
	if req.Op != mc.OpSet {
		return m.child.Route(ctx, req)
	}
	switch m.action {
	case ExptimeSet:
		if req.Exptime != m.exptime {
			req = req.WithExptime(m.exptime)
		}
	case ExptimeMin:
		if m.exceedsLimit(req) {
			req = req.WithExptime(m.exptime)
		}
	}
	return m.child.Route(ctx, req)
}

// exceedsLimit reports whether the request lives longer than the limit.
// No expiry counts as infinitely long; already expired never exceeds.
func (m *ModifyExptime) exceedsLimit(req *mc.Request) bool {
	ttl := req.TTL(m.now())
	switch {
	case ttl < 0:
		return false
	case ttl == 0:
		return true
	}
	limit := (&mc.Request{Exptime: m.exptime}).TTL(m.now())
	return limit > 0 && ttl > limit
}

// NewFailoverWithExptime is a static failover route whose failover targets
// store writes with at most failoverExptime seconds of TTL. The normal
// target is not wrapped.
func NewFailoverWithExptime(name string, normal Handle, failover []Handle, failoverExptime int32, failoverCount int, fe FailoverErrors) *Failover {
	targets := make([]Handle, 0, 1+len(failover))
	targets = append(targets, normal)
	for _, t := range failover {
		targets = append(targets, NewModifyExptime(t, failoverExptime, ExptimeMin))
	}
	return NewFailover(name, targets, failoverCount, fe)
}
