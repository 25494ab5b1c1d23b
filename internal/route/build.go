package route

import (
	"fmt"
	"log/slog"

	"github.com/dskow/cacheproxy/internal/backend"
	"github.com/dskow/cacheproxy/internal/codec"
	"github.com/dskow/cacheproxy/internal/config"
	"github.com/dskow/cacheproxy/internal/hashing"
	"github.com/dskow/cacheproxy/internal/mc"
	"github.com/dskow/cacheproxy/internal/ratelimit"
	"github.com/dskow/cacheproxy/internal/shardsplit"
	"github.com/dskow/cacheproxy/internal/tko"
)

// ConfigError reports a route config problem at Path.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	return e.Path + ": " + e.Msg
}

func configErrorf(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// ClientSource resolves backend names to clients.
type ClientSource interface {
	Client(name string) (backend.Client, bool)
}

// Deps are the collaborators a route graph is built against.
type Deps struct {
	Clients  ClientSource
	Registry *tko.Registry
	Codecs   *codec.Map
	Process  hashing.ProcessIdentity
	// Shedder is consulted by rate_limit routes with use_congestion. nil
	// disables shedding.
	Shedder ratelimit.Shedder
	Logger  *slog.Logger
}

// Root is the route graph serving one key prefix.
type Root struct {
	KeyPrefix string
	Handle    Handle
}

// Graph is a fully built set of routes.
type Graph struct {
	Roots []Root
	// Backends names every backend a destination in the graph talks to.
	Backends map[string]struct{}
}

type builder struct {
	cfg   *config.Config
	deps  Deps
	dests map[string]*Destination
}

// Build converts the routes section of cfg into handles. Destinations for
// the same backend are shared across the graph.
func Build(cfg *config.Config, deps Deps) (*Graph, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b := &builder{cfg: cfg, deps: deps, dests: make(map[string]*Destination)}

	g := &Graph{Backends: make(map[string]struct{})}
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		h, err := b.build(fmt.Sprintf("routes[%d].route", i), &rc.Route)
		if err != nil {
			return nil, err
		}
		g.Roots = append(g.Roots, Root{KeyPrefix: rc.KeyPrefix, Handle: h})
	}
	for name := range b.dests {
		g.Backends[name] = struct{}{}
	}
	return g, nil
}

func (b *builder) build(path string, s *config.RouteSpec) (Handle, error) {
	switch s.Type {
	case config.RouteDestination:
		return b.destination(path, s.Backend)
	case config.RouteFailover, config.RouteLatest:
		return b.failover(path, s)
	case config.RouteFailoverWithExptime:
		return b.failoverWithExptime(path, s)
	case config.RouteRateLimit:
		return b.rateLimit(path, s)
	case config.RouteShardSplit:
		return b.shardSplit(path, s)
	case config.RouteModifyExptime:
		return b.modifyExptime(path, s)
	case config.RouteError:
		return b.errorRoute(path, s)
	default:
		return nil, configErrorf(path, "unknown route type %q", s.Type)
	}
}

func (b *builder) destination(path, name string) (Handle, error) {
	if d, ok := b.dests[name]; ok {
		return d, nil
	}
	client, ok := b.deps.Clients.Client(name)
	if !ok {
		return nil, configErrorf(path, "unknown backend %q", name)
	}
	timeout := b.backendConfig(name).Timeout
	var tracker *tko.Composite
	if b.deps.Registry != nil {
		tracker = b.deps.Registry.Tracker(name, TkoConfig(b.cfg.TkoFor(name)))
	} else {
		tracker = tko.NewComposite(name, TkoConfig(b.cfg.TkoFor(name)), b.deps.Logger)
	}
	d := NewDestination(name, client, b.deps.Registry, tracker, b.deps.Codecs, timeout, b.deps.Logger)
	b.dests[name] = d
	return d, nil
}

func (b *builder) backendConfig(name string) config.BackendConfig {
	for _, bc := range b.cfg.Backends {
		if bc.Name == name {
			return bc
		}
	}
	return config.BackendConfig{Name: name}
}

// targets resolves the pool or the children of s.
func (b *builder) targets(path string, s *config.RouteSpec) ([]Handle, error) {
	var out []Handle
	if s.Pool != "" {
		members, ok := b.cfg.Pools[s.Pool]
		if !ok {
			return nil, configErrorf(path, "unknown pool %q", s.Pool)
		}
		for _, name := range members {
			d, err := b.destination(fmt.Sprintf("%s.pool[%s]", path, name), name)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	for i := range s.Children {
		h, err := b.build(fmt.Sprintf("%s.children[%d]", path, i), &s.Children[i])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, configErrorf(path, "empty target pool")
	}
	return out, nil
}

func (b *builder) failoverCount(path string, s *config.RouteSpec) (int, error) {
	if s.FailoverCount == nil {
		return DefaultFailoverCount, nil
	}
	if *s.FailoverCount < 0 {
		return 0, configErrorf(path, "failover_count must be non-negative, got %d", *s.FailoverCount)
	}
	return *s.FailoverCount, nil
}

func (b *builder) failoverErrors(path string, s *config.RouteSpec) (FailoverErrors, error) {
	fe, err := NewFailoverErrors(s.FailoverErrors)
	if err != nil {
		return FailoverErrors{}, configErrorf(path, "%v", err)
	}
	return fe, nil
}

func (b *builder) failover(path string, s *config.RouteSpec) (Handle, error) {
	targets, err := b.targets(path, s)
	if err != nil {
		return nil, err
	}
	count, err := b.failoverCount(path, s)
	if err != nil {
		return nil, err
	}
	fe, err := b.failoverErrors(path, s)
	if err != nil {
		return nil, err
	}
	name := s.Type + "|" + path

	if s.Type == config.RouteFailover {
		if len(s.Weights) > 0 || s.Salt != "" || s.ThreadLocalFailover {
			return nil, configErrorf(path, "weights, salt and thread_local_failover need type latest")
		}
		return NewFailover(name, targets, count, fe), nil
	}

	if err := checkWeights(path, s.Weights, len(targets)); err != nil {
		return nil, err
	}
	return NewLatest(name, targets, count, fe, LatestOptions{
		Process:     b.deps.Process,
		ThreadLocal: s.ThreadLocalFailover,
		Salt:        s.Salt,
		Weights:     s.Weights,
	}), nil
}

func checkWeights(path string, weights []float64, n int) error {
	if weights == nil {
		return nil
	}
	if len(weights) != n {
		return configErrorf(path, "weights has %d entries for %d targets", len(weights), n)
	}
	var sum float64
	for i, w := range weights {
		if w < 0 {
			return configErrorf(path, "weights[%d] is negative", i)
		}
		sum += w
	}
	if sum == 0 {
		return configErrorf(path, "weights are all zero")
	}
	return nil
}

func (b *builder) failoverWithExptime(path string, s *config.RouteSpec) (Handle, error) {
	if s.Normal == nil {
		return nil, configErrorf(path, "normal is required")
	}
	normal, err := b.build(path+".normal", s.Normal)
	if err != nil {
		return nil, err
	}
	failover := make([]Handle, 0, len(s.Failover))
	for i := range s.Failover {
		h, err := b.build(fmt.Sprintf("%s.failover[%d]", path, i), &s.Failover[i])
		if err != nil {
			return nil, err
		}
		failover = append(failover, h)
	}

	exptime := int32(DefaultFailoverExptime)
	if s.FailoverExptime != nil {
		exptime = *s.FailoverExptime
		if exptime < 0 {
			return nil, configErrorf(path, "failover_exptime must be non-negative, got %d", exptime)
		}
	}
	count, err := b.failoverCount(path, s)
	if err != nil {
		return nil, err
	}
	fe, err := b.failoverErrors(path, s)
	if err != nil {
		return nil, err
	}
	return NewFailoverWithExptime(s.Type+"|"+path, normal, failover, exptime, count, fe), nil
}

func (b *builder) child(path string, s *config.RouteSpec) (Handle, error) {
	if s.Child == nil {
		return nil, configErrorf(path, "child is required")
	}
	return b.build(path+".child", s.Child)
}

func (b *builder) rateLimit(path string, s *config.RouteSpec) (Handle, error) {
	child, err := b.child(path, s)
	if err != nil {
		return nil, err
	}
	r := s.Rates
	if r.GetsRate < 0 || r.SetsRate < 0 || r.DeletesRate < 0 ||
		r.GetsBurst < 0 || r.SetsBurst < 0 || r.DeletesBurst < 0 {
		return nil, configErrorf(path, "rates and bursts must be non-negative")
	}
	var shedder ratelimit.Shedder
	if s.UseCongestion {
		shedder = b.deps.Shedder
	}
	limiter := ratelimit.New(ratelimit.Rates{
		GetsRate:     r.GetsRate,
		GetsBurst:    r.GetsBurst,
		SetsRate:     r.SetsRate,
		SetsBurst:    r.SetsBurst,
		DeletesRate:  r.DeletesRate,
		DeletesBurst: r.DeletesBurst,
	}, shedder)
	return NewRateLimit(s.Type+"|"+path, child, limiter), nil
}

func (b *builder) shardSplit(path string, s *config.RouteSpec) (Handle, error) {
	child, err := b.child(path, s)
	if err != nil {
		return nil, err
	}
	splitter, err := shardsplit.NewSplitter(s.ShardSplits, s.DefaultSplit)
	if err != nil {
		return nil, configErrorf(path, "%v", err)
	}
	return NewShardSplit(child, splitter), nil
}

func (b *builder) modifyExptime(path string, s *config.RouteSpec) (Handle, error) {
	child, err := b.child(path, s)
	if err != nil {
		return nil, err
	}
	action, err := ParseExptimeAction(s.Action)
	if err != nil {
		return nil, configErrorf(path, "%v", err)
	}
	if action == ExptimeMin && s.Exptime < 0 {
		return nil, configErrorf(path, "exptime must be non-negative for action min")
	}
	return NewModifyExptime(child, s.Exptime, action), nil
}

func (b *builder) errorRoute(path string, s *config.RouteSpec) (Handle, error) {
	result := mc.ResultLocalError
	if s.Result != "" {
		r, ok := mc.ParseResult(s.Result)
		if !ok || !r.IsError() {
			return nil, configErrorf(path, "result %q is not an error result", s.Result)
		}
		result = r
	}
	msg := s.Message
	if msg == "" {
		msg = "error route"
	}
	return NewError(result, msg), nil
}

// TkoConfig converts a tko config section into tracker settings.
func TkoConfig(c config.TkoConfig) tko.Config {
	return tko.Config{
		WindowSize:       c.WindowSize,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		ProbeSuccesses:   c.ProbeSuccesses,
		SlowThreshold:    c.SlowThreshold,
		MaxOutstanding:   c.MaxOutstanding,
		Adaptive:         c.Adaptive,
		LatencyCeiling:   c.LatencyCeiling,
		MinThreshold:     c.MinThreshold,
	}
}
