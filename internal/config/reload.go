package config

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/cacheproxy/internal/metrics"
)

// Reloader watches the config file and reloads on changes.
// It supports fsnotify file watching (cross-platform) and SIGHUP
// (Unix only, registered in reload_unix.go).
type Reloader struct {
	mu        sync.RWMutex
	reloadMu  sync.Mutex // serializes Reload between the watcher and SIGHUP
	current   *Config
	path      string
	logger    *slog.Logger
	preparers []func(*Config) error
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnPrepare registers a hook that runs against a freshly loaded config
// before it is swapped in. Any hook error rejects the reload and the
// current config stays active.
func (r *Reloader) OnPrepare(fn func(*Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preparers = append(r.preparers, fn)
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and listening for
// SIGHUP (on Unix). Must be called once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler. Safe to call more
// than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config from disk, validates it, runs the prepare hooks
// and, if all of that succeeds, swaps it in and notifies all registered
// callbacks. Returns true if the reload succeeded. Exported so signal
// handlers and tests can call it.
func (r *Reloader) Reload() bool {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.logger.Info("reloading configuration", "path", r.path)

	newCfg, err := Load(r.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("invalid").Inc()
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}
	for _, w := range newCfg.Warnings {
		r.logger.Warn("config warning", "warning", w)
	}

	r.mu.RLock()
	preparers := slices.Clone(r.preparers)
	r.mu.RUnlock()

	for _, prep := range preparers {
		if err := prep(newCfg); err != nil {
			metrics.ConfigReloads.WithLabelValues("rejected").Inc()
			r.logger.Error("config reload failed: route graph rejected, keeping current",
				"path", r.path, "error", err)
			return false
		}
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := slices.Clone(r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)

	for _, cb := range callbacks {
		cb(newCfg)
	}

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	r.logger.Info("configuration reloaded successfully")
	return true
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop() {
	// Editors often write multiple events on save.
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
func (r *Reloader) logChanges(old, new *Config) {
	if len(old.Routes) != len(new.Routes) {
		r.logger.Info("route count changed",
			"old", len(old.Routes),
			"new", len(new.Routes),
		)
	}

	oldBackends := backendNames(old)
	newBackends := backendNames(new)
	for name := range newBackends {
		if !oldBackends[name] {
			r.logger.Info("backend added", "backend", name)
		}
	}
	for name := range oldBackends {
		if !newBackends[name] {
			r.logger.Info("backend removed", "backend", name)
		}
	}

	if old.Congestion.Target != new.Congestion.Target ||
		old.Congestion.Enabled != new.Congestion.Enabled {
		r.logger.Info("congestion config changed",
			"old_enabled", old.Congestion.Enabled,
			"new_enabled", new.Congestion.Enabled,
			"old_target", old.Congestion.Target,
			"new_target", new.Congestion.Target,
		)
	}

	if len(old.Codecs) != len(new.Codecs) {
		r.logger.Info("codec count changed",
			"old", len(old.Codecs),
			"new", len(new.Codecs),
		)
	}

	if old.Server.ClientRateLimit.RequestsPerSecond != new.Server.ClientRateLimit.RequestsPerSecond {
		r.logger.Info("client rate limit changed",
			"old_rps", old.Server.ClientRateLimit.RequestsPerSecond,
			"new_rps", new.Server.ClientRateLimit.RequestsPerSecond,
		)
	}

	if old.Admin.Auth.Enabled != new.Admin.Auth.Enabled {
		r.logger.Info("admin auth enabled changed",
			"old", old.Admin.Auth.Enabled,
			"new", new.Admin.Auth.Enabled,
		)
	}
}

func backendNames(cfg *Config) map[string]bool {
	out := make(map[string]bool, len(cfg.Backends))
	for _, b := range cfg.Backends {
		out[b.Name] = true
	}
	return out
}
