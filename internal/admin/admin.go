// Package admin provides the operator API for runtime inspection and control
// of the cache proxy. All endpoints are protected by IP allowlist; JWT auth
// is layered on by the caller when enabled.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dskow/cacheproxy/internal/apierror"
	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/congestion"
	"github.com/dskow/cacheproxy/internal/route"
	"github.com/dskow/cacheproxy/internal/tko"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
	Reload() bool
}

// RouteSource exposes the route graphs currently served.
type RouteSource interface {
	Roots() []route.Root
}

// Congestion is the controller surface the admin API drives.
type Congestion interface {
	Enabled() bool
	Stats() congestion.Stats
	SetTarget(target float64) error
}

// Handler provides admin API endpoints.
type Handler struct {
	config      ConfigProvider
	routes      RouteSource
	registry    *tko.Registry
	congestion  Congestion
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). ctrl may be nil when the process runs
// without a controller.
func New(
	cfg ConfigProvider,
	routes RouteSource,
	registry *tko.Registry,
	ctrl Congestion,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		config:      cfg,
		routes:      routes,
		registry:    registry,
		congestion:  ctrl,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to r under /admin.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	s := r.PathPrefix("/admin").Subrouter()
	s.Use(h.guard)
	s.HandleFunc("/routes", h.routesHandler).Methods(http.MethodGet)
	s.HandleFunc("/config", h.configHandler).Methods(http.MethodGet)
	s.HandleFunc("/reload", h.reloadHandler).Methods(http.MethodPost)
	s.HandleFunc("/destinations", h.destinationsHandler).Methods(http.MethodGet)
	s.HandleFunc("/destinations/{name}/markdown", h.markDownHandler).Methods(http.MethodPost)
	s.HandleFunc("/destinations/{name}/markdown", h.markUpHandler).Methods(http.MethodDelete)
	s.HandleFunc("/congestion", h.congestionHandler).Methods(http.MethodGet)
	s.HandleFunc("/congestion/target", h.targetHandler).Methods(http.MethodPut)
	s.MethodNotAllowedHandler = h.guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			"method "+r.Method+" not allowed")
	}))
}

// guard enforces the IP allowlist.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.IPNotAllowed, "client address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// routeNode is one handle of a route graph in depth-first order.
type routeNode struct {
	Name        string `json:"name"`
	Depth       int    `json:"depth"`
	Destination string `json:"destination,omitempty"`
	Tko         bool   `json:"tko,omitempty"`
}

// routeStatus is the response type for /admin/routes.
type routeStatus struct {
	KeyPrefix string      `json:"key_prefix"`
	Graph     []routeNode `json:"graph"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	roots := h.routes.Roots()
	statuses := make([]routeStatus, len(roots))
	for i, root := range roots {
		st := routeStatus{KeyPrefix: root.KeyPrefix}
		route.Traverse(root.Handle, func(hd route.Handle, depth int) {
			n := routeNode{Name: hd.Name(), Depth: depth}
			if d, ok := hd.(*route.Destination); ok {
				n.Destination = d.Backend()
				n.Tko = h.registry.IsTko(n.Destination)
			}
			st.Graph = append(st.Graph, n)
		})
		statuses[i] = st
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Current().Redacted())
}

func (h *Handler) reloadHandler(w http.ResponseWriter, r *http.Request) {
	if !h.config.Reload() {
		apierror.WriteJSON(w, r, http.StatusUnprocessableEntity, apierror.InternalError,
			"reload rejected; the running configuration was kept")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) destinationsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"destinations": h.registry.Snapshot()})
}

// markDownRequest is the optional body of POST .../markdown.
type markDownRequest struct {
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *Handler) markDownHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.knownBackend(name) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "unknown destination "+strconv.Quote(name))
		return
	}

	req := markDownRequest{Reason: "operator"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.TTLSeconds < 0 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader, "ttl_seconds must not be negative")
		return
	}

	h.registry.MarkDown(name, req.Reason, time.Duration(req.TTLSeconds)*time.Second)
	writeJSON(w, http.StatusOK, map[string]string{"destination": name, "status": "marked_down"})
}

func (h *Handler) markUpHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !h.registry.MarkUp(name) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "destination "+strconv.Quote(name)+" is not marked down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"destination": name, "status": "marked_up"})
}

func (h *Handler) knownBackend(name string) bool {
	for _, b := range h.config.Current().Backends {
		if b.Name == name {
			return true
		}
	}
	return false
}

func (h *Handler) congestionHandler(w http.ResponseWriter, r *http.Request) {
	if !h.congestionEnabled() {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Enabled bool `json:"enabled"`
		congestion.Stats
	}{true, h.congestion.Stats()})
}

func (h *Handler) targetHandler(w http.ResponseWriter, r *http.Request) {
	if !h.congestionEnabled() {
		apierror.WriteJSON(w, r, http.StatusConflict, apierror.InternalError, "congestion control is disabled")
		return
	}
	var body struct {
		Target float64 `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.congestion.SetTarget(body.Target); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.congestion.Stats())
}

func (h *Handler) congestionEnabled() bool {
	return h.congestion != nil && h.congestion.Enabled()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
