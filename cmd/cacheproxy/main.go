// Package main is the entry point for the cache proxy. It loads
// configuration, builds the route graph, starts congestion control, runs the
// proxy and admin listeners, and drains both on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/logging"
	"github.com/dskow/cacheproxy/internal/metrics"
	"github.com/dskow/cacheproxy/internal/tlsutil"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/cacheproxy.yaml", "path to configuration file")
	check := pflag.Bool("check", false, "validate the configuration and route graph, then exit")
	pflag.Parse()

	if err := run(*configPath, *check); err != nil {
		fmt.Fprintln(os.Stderr, "cacheproxy:", err)
		os.Exit(1)
	}
}

func run(configPath string, check bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logOut, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logOut.Close()
	logger := logOut.Logger
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"backends", len(cfg.Backends),
		"codecs", len(cfg.Codecs),
		"workers", cfg.Server.Workers,
		"congestion_enabled", cfg.Congestion.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	a, err := newApp(cfg, logOut)
	if err != nil {
		return err
	}
	defer a.close()

	if check {
		logger.Info("configuration ok", "routes", len(a.proxy.Roots()))
		return nil
	}

	a.tls, err = tlsutil.New(cfg.Server.TLS, logger)
	if err != nil {
		return fmt.Errorf("setting up TLS: %w", err)
	}
	defer a.tls.Close()

	reloader := config.NewReloader(configPath, cfg, logger)
	a.watch(reloader)
	reloader.Start()
	defer reloader.Stop()

	proxyServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.proxyHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ConnContext:  a.proxy.ConnContext,
		TLSConfig:    a.tls.Config(),
	}
	servers := []*http.Server{proxyServer}

	if cfg.Admin.Enabled {
		servers = append(servers, &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler:      a.adminHandler(reloader),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	a.ctrl.Start()
	defer a.ctrl.Stop()
	g.Go(func() error { return a.sampler.Run(ctx) })

	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", s.Addr, "tls", s.TLSConfig != nil)
			var err error
			if s.TLSConfig != nil {
				err = s.ListenAndServeTLS("", "")
			} else {
				err = s.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server %s: %w", s.Addr, err)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down, draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(sctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cache proxy stopped gracefully")
	return nil
}
