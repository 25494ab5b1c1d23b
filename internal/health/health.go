// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dskow/cacheproxy/internal/backend"
	"github.com/dskow/cacheproxy/internal/route"
	"github.com/dskow/cacheproxy/internal/tko"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const (
	readinessCacheTTL = 5 * time.Second
	pingTimeout       = 2 * time.Second
)

// RouteSource exposes the route graphs currently served.
type RouteSource interface {
	Roots() []route.Root
}

// ClientSource resolves destination names to backend clients.
type ClientSource interface {
	Client(name string) (backend.Client, bool)
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	routes   RouteSource
	clients  ClientSource
	registry *tko.Registry
	logger   *slog.Logger

	// Cached readiness result to avoid pinging every backend on every
	// /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler.
func New(routes RouteSource, clients ClientSource, registry *tko.Registry, logger *slog.Logger) *Handler {
	return &Handler{routes: routes, clients: clients, registry: registry, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// routeReadiness is the per-key-prefix entry of the /ready body.
type routeReadiness struct {
	Ready        bool              `json:"ready"`
	Destinations map[string]string `json:"destinations,omitempty"`
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	var roots []route.Root
	if h.routes != nil {
		roots = h.routes.Roots()
	}

	// Each destination is probed once even when several routes share it.
	perRoot := make([][]string, len(roots))
	seen := make(map[string]bool)
	var names []string
	for i, root := range roots {
		route.Traverse(root.Handle, func(hd route.Handle, _ int) {
			d, ok := hd.(*route.Destination)
			if !ok {
				return
			}
			perRoot[i] = append(perRoot[i], d.Backend())
			if !seen[d.Backend()] {
				seen[d.Backend()] = true
				names = append(names, d.Backend())
			}
		})
	}
	sort.Strings(names)
	status := h.probe(r.Context(), names)

	// 503 only when every destination of some route is down.
	results := make(map[string]routeReadiness, len(roots))
	anyRouteFullyDown := false
	for i, root := range roots {
		rr := routeReadiness{Destinations: make(map[string]string, len(perRoot[i]))}
		for _, name := range perRoot[i] {
			rr.Destinations[name] = status[name]
			if status[name] == "ok" {
				rr.Ready = true
			}
		}
		if len(perRoot[i]) == 0 {
			rr.Ready = true // error-only routes have nothing to reach
		}
		if !rr.Ready {
			anyRouteFullyDown = true
		}
		results[root.KeyPrefix] = rr
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyRouteFullyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status": statusStr,
		"routes": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	writeBody(w, httpStatus, body)
}

// probe returns "ok", "tko", "unknown" or "unreachable" per destination.
func (h *Handler) probe(ctx context.Context, names []string) map[string]string {
	type result struct {
		name   string
		status string
	}
	ch := make(chan result, len(names))
	for _, name := range names {
		go func() {
			// Fast path: a destination in TKO is not contacted.
			if h.registry != nil && h.registry.IsTko(name) {
				ch <- result{name, "tko"}
				return
			}
			c, ok := h.clients.Client(name)
			if !ok {
				ch <- result{name, "unknown"}
				return
			}
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				h.logger.Warn("destination unreachable", "destination", name, "error", err)
				ch <- result{name, "unreachable"}
				return
			}
			ch <- result{name, "ok"}
		}()
	}

	out := make(map[string]string, len(names))
	for range names {
		res := <-ch
		out[res.name] = res.status
	}
	return out
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
