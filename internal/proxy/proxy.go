// Package proxy is the HTTP front end of the cache proxy. Each key request is
// matched to a route graph by longest key prefix and the graph's reply is
// mapped onto an HTTP response.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/dskow/cacheproxy/internal/apierror"
	"github.com/dskow/cacheproxy/internal/backend"
	"github.com/dskow/cacheproxy/internal/codec"
	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/hashing"
	"github.com/dskow/cacheproxy/internal/mc"
	"github.com/dskow/cacheproxy/internal/metrics"
	"github.com/dskow/cacheproxy/internal/ratelimit"
	"github.com/dskow/cacheproxy/internal/route"
	"github.com/dskow/cacheproxy/internal/routing"
	"github.com/dskow/cacheproxy/internal/tko"
)

// Request and response headers carrying item metadata.
const (
	HeaderExptime     = "X-Cache-Exptime"
	HeaderFlags       = "X-Cache-Flags"
	HeaderDestination = "X-Cache-Destination"
)

// Deps are the long-lived collaborators shared by every route generation.
type Deps struct {
	Backends *backend.Manager
	Registry *tko.Registry
	Process  hashing.ProcessIdentity
	Shedder  ratelimit.Shedder
}

// generation is one immutable, fully built routing setup. Requests hold a
// reference while they run; a retired generation closes its codecs when the
// last reference is released.
type generation struct {
	table    *routing.Table[route.Handle]
	graph    *route.Graph
	codecs   *codec.Map
	backends *backend.Snapshot
	workers  int

	refs      atomic.Int64
	retired   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func (g *generation) discard() {
	g.backends.Discard()
	g.codecs.Close()
}

func (g *generation) release() {
	if g.refs.Add(-1) == 0 && g.retired.Load() {
		g.closeOnce.Do(g.closeCodecs)
	}
}

func (g *generation) closeCodecs() {
	g.codecs.Close()
	g.closed.Store(true)
}

// retire marks g replaced. Its codecs close now if idle, otherwise on the
// last release.
func (g *generation) retire() {
	g.retired.Store(true)
	if g.refs.Load() == 0 {
		g.closeOnce.Do(g.closeCodecs)
	}
}

// Server serves the cache key API. Readers load the active generation from
// an atomic pointer; Prepare and Activate replace it on reload.
type Server struct {
	current atomic.Pointer[generation]

	mu      sync.Mutex
	pending *generation

	deps     Deps
	nextLane atomic.Uint64
	logger   *slog.Logger
	router   *mux.Router
}

// New builds the initial route generation from cfg and activates it.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	s := &Server{
		deps:   deps,
		logger: logger,
	}
	s.router = s.newRouter()
	if err := s.Prepare(cfg); err != nil {
		return nil, err
	}
	s.Activate()
	return s, nil
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/keys/{key:.+}", s.handleGet).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/v1/keys/{key:.+}", s.handleSet).Methods(http.MethodPut)
	r.HandleFunc("/v1/keys/{key:.+}", s.handleDelete).Methods(http.MethodDelete)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed", r.Method))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "unknown endpoint")
	})
	return r
}

// Prepare builds a new generation from cfg without serving it. A previously
// prepared but never activated generation is discarded. Suitable for
// config.Reloader.OnPrepare: an error rejects the reload.
func (s *Server) Prepare(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		s.pending.discard()
		s.pending = nil
	}

	opts := make([]backend.Options, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		opts = append(opts, backend.OptionsFor(b))
	}
	snap, err := s.deps.Backends.Prepare(opts)
	if err != nil {
		return fmt.Errorf("preparing backends: %w", err)
	}

	codecs, err := codec.MapFromConfig(cfg.Codecs)
	if err != nil {
		snap.Discard()
		return fmt.Errorf("loading codecs: %w", err)
	}

	graph, err := route.Build(cfg, route.Deps{
		Clients:  snap,
		Registry: s.deps.Registry,
		Codecs:   codecs,
		Process:  s.deps.Process,
		Shedder:  s.deps.Shedder,
		Logger:   s.logger,
	})
	if err != nil {
		snap.Discard()
		codecs.Close()
		return err
	}

	roots := make(map[string]route.Handle, len(graph.Roots))
	for _, r := range graph.Roots {
		roots[r.KeyPrefix] = r.Handle
	}
	s.pending = &generation{
		table:    routing.NewTable(roots),
		graph:    graph,
		codecs:   codecs,
		backends: snap,
		workers:  cfg.Server.Workers,
	}
	return nil
}

// Activate swaps in the generation built by the last successful Prepare and
// reports whether there was one. Codecs of the replaced generation are
// closed once the requests still using it have finished.
func (s *Server) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.pending
	s.pending = nil
	if next == nil {
		return false
	}

	next.backends.Commit()
	old := s.current.Swap(next)
	s.deps.Registry.Prune(next.graph.Backends)
	if old != nil {
		old.retire()
	}

	s.logger.Info("route graph activated",
		"routes", next.table.Len(),
		"prefixes", next.table.Prefixes(),
		"backends", len(next.graph.Backends),
		"codecs", next.codecs.Len(),
	)
	return true
}

// Roots returns the key prefixes and root handles currently served.
func (s *Server) Roots() []route.Root {
	g := s.current.Load()
	if g == nil {
		return nil
	}
	return g.graph.Roots
}

// Lookup returns the root handle serving key.
func (s *Server) Lookup(key string) (route.Handle, string, bool) {
	g := s.current.Load()
	if g == nil {
		return nil, "", false
	}
	return g.table.Lookup(key)
}

// ConnContext pins each accepted connection to a worker lane, round robin.
// Install it as http.Server.ConnContext.
func (s *Server) ConnContext(ctx context.Context, _ net.Conn) context.Context {
	workers := 1
	if g := s.current.Load(); g != nil && g.workers > 0 {
		workers = g.workers
	}
	lane := (s.nextLane.Add(1) - 1) % uint64(workers)
	return route.WithThread(ctx, hashing.ThreadIdentity{ID: lane})
}

// acquire returns the active generation with a reference held, or nil once
// the server is closed. Callers must release it.
func (s *Server) acquire() *generation {
	for {
		g := s.current.Load()
		if g == nil {
			return nil
		}
		g.refs.Add(1)
		if s.current.Load() == g {
			return g
		}
		// Swapped out under us; the retired generation may already be closed.
		g.release()
	}
}

// Close discards any pending generation and retires the active one.
// Backend clients belong to the Manager and are closed by its owner.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.discard()
		s.pending = nil
	}
	if g := s.current.Swap(nil); g != nil {
		g.retire()
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &mc.Request{Op: mc.OpGet})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, &mc.Request{Op: mc.OpDelete})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	req := &mc.Request{Op: mc.OpSet}

	if v := r.Header.Get(HeaderExptime); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader,
				HeaderExptime+" must be a 32-bit integer")
			return
		}
		req.Exptime = int32(n)
	}
	if v := r.Header.Get(HeaderFlags); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader,
				HeaderFlags+" must be an unsigned 32-bit integer")
			return
		}
		req.Flags = uint32(n)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge,
				"request body exceeds maximum allowed size")
			return
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidHeader, "failed to read request body")
		return
	}
	req.Value = body

	s.serve(w, r, req)
}

// serve routes req for the key in the URL and writes the reply.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, req *mc.Request) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	req.Key = mux.Vars(r)["key"]
	var reply mc.Reply
	defer func() {
		metrics.RequestsTotal.WithLabelValues(req.Op.String(), reply.Result.String()).Inc()
		metrics.RequestDuration.WithLabelValues(req.Op.String()).Observe(time.Since(start).Seconds())
	}()

	if err := mc.ValidateKey(req.Key); err != nil {
		reply = mc.ErrorReply(mc.ResultClientError, "invalid key: %v", err)
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidKey, reply.Message)
		return
	}
	g := s.acquire()
	if g == nil {
		reply = mc.ErrorReply(mc.ResultTko, "proxy is shutting down")
		s.writeError(w, r, req, reply)
		return
	}
	defer g.release()
	h, _, ok := g.table.Lookup(req.Key)
	if !ok {
		reply = mc.ErrorReply(mc.ResultLocalError, "no route for key")
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, reply.Message)
		return
	}

	reply = h.Route(r.Context(), req)
	if reply.Destination != "" {
		w.Header().Set(HeaderDestination, reply.Destination)
	}

	switch reply.Result {
	case mc.ResultFound:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set(HeaderFlags, strconv.FormatUint(uint64(reply.Flags), 10))
		w.Header().Set("Content-Length", strconv.Itoa(len(reply.Value)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(reply.Value) //nolint:errcheck
		}
	case mc.ResultStored, mc.ResultDeleted:
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, r, req, reply)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, req *mc.Request, reply mc.Reply) {
	status, code := apierror.ForResult(reply.Result)
	msg := reply.Message
	if msg == "" {
		msg = apierror.DefaultMessage(reply.Result)
	}

	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			"op", req.Op.String(),
			"key", req.Key,
			"result", reply.Result.String(),
			"destination", reply.Destination,
			"message", msg,
		)
	}
	apierror.WriteJSON(w, r, status, code, msg)
}
