package backend

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/cacheproxy/internal/config"
)

// DefaultCloseDelay is how long a replaced client stays open so requests
// still running on the previous route graph can finish.
const DefaultCloseDelay = 5 * time.Second

// OptionsFor converts a backend config section into client options.
func OptionsFor(b config.BackendConfig) Options {
	return Options{
		Name:         b.Name,
		Kind:         Kind(b.Type),
		Addr:         b.Addr,
		Password:     b.Password,
		DB:           b.DB,
		Prefix:       b.Prefix,
		PoolSize:     b.PoolSize,
		Capacity:     b.Capacity,
		DialTimeout:  b.DialTimeout,
		ReadTimeout:  b.Timeout,
		WriteTimeout: b.Timeout,
	}
}

type managed struct {
	opts   Options
	client Client
}

// Manager owns the backend clients across config reloads. A client whose
// options did not change is reused, so an in-process store keeps its data
// when the route graph is rebuilt.
type Manager struct {
	mu         sync.Mutex
	clients    map[string]*managed
	logger     *slog.Logger
	closeDelay time.Duration
	newClient  func(Options, *slog.Logger) (Client, error)
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		clients:    make(map[string]*managed),
		logger:     logger,
		closeDelay: DefaultCloseDelay,
		newClient:  New,
	}
}

// SetCloseDelay changes how long replaced clients linger before Close.
func (m *Manager) SetCloseDelay(d time.Duration) {
	m.mu.Lock()
	m.closeDelay = d
	m.mu.Unlock()
}

// Snapshot is a prepared set of clients. Exactly one of Commit or Discard
// must be called.
type Snapshot struct {
	m       *Manager
	clients map[string]*managed
	created []*managed
}

// Prepare builds a snapshot for opts, reusing current clients where the
// options are unchanged. On error nothing is leaked.
func (m *Manager) Prepare(opts []Options) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Snapshot{m: m, clients: make(map[string]*managed, len(opts))}
	for _, o := range opts {
		if cur, ok := m.clients[o.Name]; ok && cur.opts == o {
			s.clients[o.Name] = cur
			continue
		}
		c, err := m.newClient(o, m.logger)
		if err != nil {
			s.closeCreated()
			return nil, err
		}
		mc := &managed{opts: o, client: c}
		s.clients[o.Name] = mc
		s.created = append(s.created, mc)
	}
	return s, nil
}

// Client returns the snapshot's client for name.
func (s *Snapshot) Client(name string) (Client, bool) {
	c, ok := s.clients[name]
	if !ok {
		return nil, false
	}
	return c.client, true
}

// Commit makes the snapshot current. Clients that are no longer referenced
// are closed after the close delay.
func (s *Snapshot) Commit() {
	m := s.m
	m.mu.Lock()
	var retired []*managed
	for name, cur := range m.clients {
		if next, ok := s.clients[name]; !ok || next != cur {
			retired = append(retired, cur)
		}
	}
	m.clients = s.clients
	delay := m.closeDelay
	m.mu.Unlock()

	if len(retired) == 0 {
		return
	}
	closeAll := func() {
		for _, r := range retired {
			if err := r.client.Close(); err != nil {
				m.logger.Warn("closing retired backend", "backend", r.opts.Name, "error", err)
			}
		}
	}
	for _, r := range retired {
		m.logger.Info("backend retired", "backend", r.opts.Name, "close_delay", delay)
	}
	if delay <= 0 {
		closeAll()
		return
	}
	time.AfterFunc(delay, closeAll)
}

// Discard closes the clients the snapshot created.
func (s *Snapshot) Discard() {
	s.closeCreated()
}

func (s *Snapshot) closeCreated() {
	for _, c := range s.created {
		c.client.Close() //nolint:errcheck
	}
	s.created = nil
}

// Client returns the current client for name.
func (m *Manager) Client(name string) (Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	if !ok {
		return nil, false
	}
	return c.client, true
}

// Names returns the current backend names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every current client.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*managed)
	m.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
