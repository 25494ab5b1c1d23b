// Package tlsutil terminates TLS on the proxy listener. The key pair and
// min_version follow both config reloads and on-disk certificate rotation
// without a restart.
package tlsutil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/cacheproxy/internal/config"
)

// ErrRestartRequired is returned by Apply when TLS is switched on or off;
// the listener has to be rebuilt for that.
var ErrRestartRequired = errors.New("tls: enabling or disabling TLS requires a restart")

const rotateSettle = 300 * time.Millisecond

// state is one consistent view of the TLS section: the files it came from and
// the config handed to new handshakes.
type state struct {
	files config.TLSConfig
	conf  *tls.Config
}

// Terminator serves the current key pair and minimum version to every new
// handshake. Existing connections keep what they negotiated.
type Terminator struct {
	cur    atomic.Pointer[state]
	logger *slog.Logger

	mu      sync.Mutex // guards dirs
	watcher *fsnotify.Watcher
	dirs    []string

	done     chan struct{}
	stopOnce sync.Once
}

// New loads cfg's key pair and starts watching its directories. It returns
// nil when TLS is disabled.
func New(cfg config.TLSConfig, logger *slog.Logger) (*Terminator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	st, err := load(cfg)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tls: watcher: %w", err)
	}
	t := &Terminator{logger: logger, watcher: w, done: make(chan struct{})}
	t.cur.Store(st)
	if err := t.watch(cfg); err != nil {
		w.Close()
		return nil, err
	}
	go t.loop()
	logger.Info("TLS enabled", "cert_file", cfg.CertFile, "min_version", versionName(st.conf.MinVersion))
	return t, nil
}

func load(cfg config.TLSConfig) (*state, error) {
	minVersion, err := parseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: key pair: %w", err)
	}
	return &state{
		files: cfg,
		conf: &tls.Config{
			MinVersion:   minVersion,
			Certificates: []tls.Certificate{pair},
			NextProtos:   []string{"h2", "http/1.1"},
		},
	}, nil
}

// Config is the listener config. It defers to the current state on every
// ClientHello, so it only needs to be built once.
func (t *Terminator) Config() *tls.Config {
	if t == nil {
		return nil
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return t.Certificate(), nil
		},
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return t.cur.Load().conf, nil
		},
	}
}

// Certificate returns the key pair new handshakes receive.
func (t *Terminator) Certificate() *tls.Certificate {
	return &t.cur.Load().conf.Certificates[0]
}

// MinVersion returns the minimum version new handshakes accept.
func (t *Terminator) MinVersion() uint16 {
	return t.cur.Load().conf.MinVersion
}

// Apply switches to a reloaded TLS section. On error the current key pair and
// min_version stay in effect. A nil Terminator accepts only a disabled section.
func (t *Terminator) Apply(cfg config.TLSConfig) error {
	if t == nil {
		if cfg.Enabled {
			return ErrRestartRequired
		}
		return nil
	}
	if !cfg.Enabled {
		return ErrRestartRequired
	}
	prev := t.cur.Load()
	if prev.files == cfg {
		return nil
	}
	st, err := load(cfg)
	if err != nil {
		return err
	}
	if prev.files.CertFile != cfg.CertFile || prev.files.KeyFile != cfg.KeyFile {
		if err := t.watch(cfg); err != nil {
			return err
		}
	}
	t.cur.Store(st)
	t.logger.Info("TLS settings applied", "cert_file", cfg.CertFile, "min_version", versionName(st.conf.MinVersion))
	return nil
}

// Reload re-reads the current key pair from disk.
func (t *Terminator) Reload() error {
	prev := t.cur.Load()
	st, err := load(prev.files)
	if err != nil {
		t.logger.Error("TLS key pair reload failed, keeping current", "error", err, "cert_file", prev.files.CertFile)
		return err
	}
	// A config reload may have won the race; keep its files.
	if t.cur.CompareAndSwap(prev, st) {
		t.logger.Info("TLS key pair reloaded", "cert_file", prev.files.CertFile)
	}
	return nil
}

// Close stops watching. Safe to call more than once and on nil.
func (t *Terminator) Close() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.done)
		t.watcher.Close()
	})
}

// watch points the watcher at the directories holding cfg's files. Watching
// directories keeps working when a file is replaced by rename.
func (t *Terminator) watch(cfg config.TLSConfig) error {
	want := []string{filepath.Dir(cfg.CertFile)}
	if d := filepath.Dir(cfg.KeyFile); d != want[0] {
		want = append(want, d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range want {
		if slices.Contains(t.dirs, d) {
			continue
		}
		if err := t.watcher.Add(d); err != nil {
			return fmt.Errorf("tls: watching %s: %w", d, err)
		}
	}
	for _, d := range t.dirs {
		if !slices.Contains(want, d) {
			t.watcher.Remove(d) //nolint:errcheck
		}
	}
	t.dirs = want
	return nil
}

func (t *Terminator) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	files := t.cur.Load().files
	name := filepath.Clean(ev.Name)
	return name == filepath.Clean(files.CertFile) || name == filepath.Clean(files.KeyFile)
}

func (t *Terminator) loop() {
	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			// Cert and key usually change together; wait for both.
			if t.relevant(ev) {
				settle = time.After(rotateSettle)
			}
		case <-settle:
			settle = nil
			t.Reload() //nolint:errcheck
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error("TLS watcher error", "error", err)
		case <-t.done:
			return
		}
	}
}

func parseMinVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls: unsupported min_version %q", v)
	}
}

func versionName(v uint16) string {
	if v == tls.VersionTLS13 {
		return "1.3"
	}
	return "1.2"
}
