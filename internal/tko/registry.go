package tko

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dskow/cacheproxy/internal/metrics"
)

// Markdown is a manual hard TKO placed by an operator.
type Markdown struct {
	Reason string
	Since  time.Time
}

// Status is a point-in-time view of one destination.
type Status struct {
	Destination string     `json:"destination"`
	State       string     `json:"state"`
	InFlight    int        `json:"in_flight"`
	MarkedDown  bool       `json:"marked_down"`
	Reason      string     `json:"reason,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
}

// Registry owns the trackers of every destination. It outlives route graphs
// so health survives config reloads.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Composite
	configs  map[string]Config

	markdowns *ttlcache.Cache[string, Markdown]
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Start runs markdown expiry.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		trackers:  make(map[string]*Composite),
		configs:   make(map[string]Config),
		markdowns: ttlcache.New[string, Markdown](ttlcache.WithDisableTouchOnHit[string, Markdown]()),
		logger:    logger,
	}
	r.markdowns.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Markdown]) {
		metrics.Markdowns.Dec()
		if reason == ttlcache.EvictionReasonExpired {
			r.logger.Info("markdown expired", "destination", item.Key())
		}
	})
	return r
}

// Start runs the markdown expiry loop until Stop is called.
func (r *Registry) Start() {
	go r.markdowns.Start()
}

// Stop ends the expiry loop.
func (r *Registry) Stop() {
	r.markdowns.Stop()
}

// Tracker returns the tracker for destination, creating it on first use.
// An existing tracker keeps its health state; a changed layer layout rebuilds
// it from scratch.
func (r *Registry) Tracker(destination string, cfg Config) *Composite {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.trackers[destination]; ok {
		prev := r.configs[destination]
		if sameLayers(prev, cfg) {
			if prev != cfg {
				c.UpdateConfig(cfg)
				r.configs[destination] = cfg
			}
			return c
		}
		// Carry over a live TKO so a rebuild cannot unmark a dead backend.
		next := NewComposite(destination, cfg, r.logger)
		if c.State() != StateHealthy {
			next.failureRate.mu.Lock()
			next.failureRate.transitionTo(StateTko)
			next.failureRate.mu.Unlock()
		}
		r.trackers[destination] = next
		r.configs[destination] = cfg
		return next
	}

	c := NewComposite(destination, cfg, r.logger)
	r.trackers[destination] = c
	r.configs[destination] = cfg
	metrics.TkoState.WithLabelValues(destination).Set(float64(StateHealthy))
	return c
}

func sameLayers(a, b Config) bool {
	return a.Adaptive == b.Adaptive &&
		a.SlowThreshold == b.SlowThreshold &&
		a.MaxOutstanding == b.MaxOutstanding &&
		a.LatencyCeiling == b.LatencyCeiling &&
		a.MinThreshold == b.MinThreshold
}

// Prune drops trackers for destinations not in keep.
func (r *Registry) Prune(keep map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.trackers {
		if _, ok := keep[name]; !ok {
			delete(r.trackers, name)
			delete(r.configs, name)
			metrics.TkoState.DeleteLabelValues(name)
		}
	}
}

// IsTko reports whether destination is knocked out, either by its tracker or
// by a manual markdown. The answer may be briefly stale.
func (r *Registry) IsTko(destination string) bool {
	if r.IsMarkedDown(destination) {
		return true
	}
	r.mu.RLock()
	c, ok := r.trackers[destination]
	r.mu.RUnlock()
	return ok && c.State() == StateTko
}

// IsMarkedDown reports whether an unexpired manual markdown exists.
func (r *Registry) IsMarkedDown(destination string) bool {
	return r.markdowns.Has(destination)
}

// MarkDown forces destination into hard TKO. ttl <= 0 means until MarkUp.
func (r *Registry) MarkDown(destination, reason string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	if !r.markdowns.Has(destination) {
		metrics.Markdowns.Inc()
	}
	r.markdowns.Set(destination, Markdown{Reason: reason, Since: time.Now()}, ttl)
	r.logger.Warn("destination marked down",
		"destination", destination,
		"reason", reason,
		"ttl", ttl,
	)
}

// MarkUp clears a manual markdown and resets the tracker. Reports whether
// the destination was marked down.
func (r *Registry) MarkUp(destination string) bool {
	had := r.markdowns.Has(destination)
	r.markdowns.Delete(destination)

	r.mu.RLock()
	c, ok := r.trackers[destination]
	r.mu.RUnlock()
	if ok {
		c.Reset()
	}
	if had {
		r.logger.Info("destination marked up", "destination", destination)
	}
	return had
}

// Snapshot returns the status of every known destination sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.trackers))
	for name, c := range r.trackers {
		out = append(out, Status{
			Destination: name,
			State:       c.State().String(),
			InFlight:    c.InFlight(),
		})
	}
	r.mu.RUnlock()

	for i := range out {
		item := r.markdowns.Get(out[i].Destination)
		if item == nil {
			continue
		}
		out[i].MarkedDown = true
		out[i].Reason = item.Value().Reason
		if item.TTL() > 0 {
			until := item.ExpiresAt()
			out[i].Until = &until
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
