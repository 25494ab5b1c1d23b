package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"

	"github.com/dskow/cacheproxy/internal/admin"
	"github.com/dskow/cacheproxy/internal/auth"
	"github.com/dskow/cacheproxy/internal/backend"
	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/congestion"
	"github.com/dskow/cacheproxy/internal/hashing"
	"github.com/dskow/cacheproxy/internal/health"
	"github.com/dskow/cacheproxy/internal/logging"
	"github.com/dskow/cacheproxy/internal/metrics"
	"github.com/dskow/cacheproxy/internal/middleware"
	"github.com/dskow/cacheproxy/internal/proxy"
	"github.com/dskow/cacheproxy/internal/ratelimit"
	"github.com/dskow/cacheproxy/internal/tko"
	"github.com/dskow/cacheproxy/internal/tlsutil"
)

// app owns the long-lived components shared by both listeners.
type app struct {
	cfg      *config.Config
	logOut   *logging.Output
	logger   *slog.Logger
	registry *tko.Registry
	backends *backend.Manager
	ctrl     *congestion.Controller
	gate     *congestion.Gate
	sampler  *congestion.Sampler
	proxy    *proxy.Server
	limiter  *ratelimit.ClientLimiter
	tls      *tlsutil.Terminator // nil when TLS is off
	access   atomic.Int64        // slog.Level of proxy access entries
}

func newApp(cfg *config.Config, logOut *logging.Output) (*app, error) {
	a := &app{
		cfg:      cfg,
		logOut:   logOut,
		logger:   logOut.Logger,
		registry: tko.NewRegistry(logOut.Logger),
		backends: backend.NewManager(logOut.Logger),
	}
	a.registry.Start()
	a.access.Store(int64(middleware.ParseLogLevel(cfg.Logging.AccessLog)))

	// congestion.enabled only opens the gate; the controller always runs.
	ctrl, sampler, err := newCongestion(cfg.Congestion, a.logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.ctrl, a.sampler = ctrl, sampler
	a.gate = congestion.NewGate(ctrl, cfg.Congestion.Enabled)

	srv, err := proxy.New(cfg, proxy.Deps{
		Backends: a.backends,
		Registry: a.registry,
		Process:  hashing.HostProcessIdentity(cfg.Server.HostID),
		Shedder:  a.gate,
	}, a.logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building route graph: %w", err)
	}
	a.proxy = srv
	a.limiter = ratelimit.NewClientLimiter(cfg.Server.ClientRateLimit, a.logger)
	return a, nil
}

func newCongestion(cfg config.CongestionConfig, logger *slog.Logger) (*congestion.Controller, *congestion.Sampler, error) {
	ctrl, err := congestion.New(congestion.Options{
		Target:    cfg.Target,
		Delay:     cfg.Delay,
		Smoothing: cfg.Smoothing,
		Gain:      cfg.Gain,
		QueueSize: cfg.QueueSize,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("congestion controller: %w", err)
	}
	sampler, err := congestion.NewSampler(ctrl, congestion.Signal(cfg.Signal), cfg.SampleInterval, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("congestion sampler: %w", err)
	}
	return ctrl, sampler, nil
}

// watch hooks the app into config reloads. The route graph is built before
// the new config is published and swapped in after.
func (a *app) watch(r *config.Reloader) {
	r.OnPrepare(a.proxy.Prepare)
	r.OnReload(func(cfg *config.Config) {
		a.proxy.Activate()
		a.limiter.UpdateConfig(cfg.Server.ClientRateLimit)
		a.access.Store(int64(middleware.ParseLogLevel(cfg.Logging.AccessLog)))
		if !a.logOut.Apply(cfg.Logging) {
			a.logger.Warn("logging output changed; restart to apply")
		}
		if err := a.tls.Apply(cfg.Server.TLS); err != nil {
			a.logger.Warn("TLS settings not applied", "error", err)
		}
		a.gate.SetEnabled(cfg.Congestion.Enabled)
		if err := a.ctrl.SetTarget(cfg.Congestion.Target); err != nil {
			a.logger.Warn("congestion target not applied", "error", err)
		}
		if cfg.Congestion.Signal != a.cfg.Congestion.Signal ||
			cfg.Congestion.SampleInterval != a.cfg.Congestion.SampleInterval ||
			cfg.Congestion.Delay != a.cfg.Congestion.Delay {
			a.logger.Warn("congestion signal, sample_interval or delay changed; restart to apply")
		}
	})
}

// proxyHandler is the data-plane handler.
// Middleware stack:
// Recovery → RequestID → Logging → Deadline → BodyLimit → ClientRateLimit → Proxy
func (a *app) proxyHandler() http.Handler {
	var handler http.Handler = a.proxy
	handler = a.limiter.Middleware()(handler)
	handler = middleware.BodyLimit(a.cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Deadline(a.cfg.Server.GlobalTimeout())(handler)
	handler = middleware.Logging(a.logger, a.accessLevel)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(a.logger)(handler)

	// Health probes, and metrics when there is no admin listener, bypass
	// the middleware stack.
	bypass := http.NewServeMux()
	health.New(a.proxy, a.backends, a.registry, a.logger).RegisterRoutes(bypass)
	metricsPath := ""
	if a.cfg.Metrics.IsEnabled() && !a.cfg.Admin.Enabled {
		metricsPath = a.cfg.Metrics.Path
		bypass.Handle(metricsPath, metrics.Handler())
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ready" ||
			(metricsPath != "" && r.URL.Path == metricsPath) {
			bypass.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// accessLevel is the level of proxy access entries. Reloads change it.
func (a *app) accessLevel(*http.Request) slog.Level {
	return slog.Level(a.access.Load())
}

// adminHandler serves the operator API and metrics.
func (a *app) adminHandler(cp admin.ConfigProvider) http.Handler {
	router := mux.NewRouter()
	admin.New(cp, a.proxy, a.registry, a.gate, a.cfg.Admin.IPAllowlist, a.logger).RegisterRoutes(router)
	if a.cfg.Metrics.IsEnabled() {
		router.Handle(a.cfg.Metrics.Path, metrics.Handler())
	}

	var handler http.Handler = router
	handler = auth.Middleware(a.cfg.Admin.Auth, func(path string) bool {
		return strings.HasPrefix(path, "/admin/")
	}, a.logger)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.Logging(a.logger, middleware.PathLevels(slog.LevelInfo, a.cfg.Metrics.Path))(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(a.logger)(handler)
	return handler
}

func (a *app) close() {
	if a.ctrl != nil {
		a.ctrl.Stop()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.proxy != nil {
		a.proxy.Close()
	}
	a.backends.Close()
	a.registry.Stop()
}
