package config

import "fmt"

// Route types accepted in RouteSpec.Type.
const (
	RouteDestination         = "destination"
	RouteFailover            = "failover"
	RouteLatest              = "latest"
	RouteFailoverWithExptime = "failover_with_exptime"
	RouteRateLimit           = "rate_limit"
	RouteShardSplit          = "shard_split"
	RouteModifyExptime       = "modify_exptime"
	RouteError               = "error"
)

// RouteSpec is one node of a route graph. Which fields apply depends on Type;
// the route builder rejects combinations that make no sense.
type RouteSpec struct {
	Type string `yaml:"type" json:"type"`

	// destination
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// failover, latest: targets come from Pool or Children.
	Pool     string      `yaml:"pool,omitempty" json:"pool,omitempty"`
	Children []RouteSpec `yaml:"children,omitempty" json:"children,omitempty"`

	// failover_with_exptime
	Normal          *RouteSpec  `yaml:"normal,omitempty" json:"normal,omitempty"`
	Failover        []RouteSpec `yaml:"failover,omitempty" json:"failover,omitempty"`
	FailoverExptime *int32      `yaml:"failover_exptime,omitempty" json:"failover_exptime,omitempty"`

	FailoverCount       *int                 `yaml:"failover_count,omitempty" json:"failover_count,omitempty"`
	FailoverErrors      FailoverErrorsConfig `yaml:"failover_errors,omitempty" json:"failover_errors,omitempty"`
	Salt                string               `yaml:"salt,omitempty" json:"salt,omitempty"`
	ThreadLocalFailover bool                 `yaml:"thread_local_failover,omitempty" json:"thread_local_failover,omitempty"`
	Weights             []float64            `yaml:"weights,omitempty" json:"weights,omitempty"`

	// rate_limit, shard_split, modify_exptime wrap a single child.
	Child *RouteSpec `yaml:"child,omitempty" json:"child,omitempty"`

	// rate_limit
	Rates         RatesConfig `yaml:"rates,omitempty" json:"rates,omitempty"`
	UseCongestion bool        `yaml:"use_congestion,omitempty" json:"use_congestion,omitempty"`

	// shard_split
	ShardSplits  map[string]int `yaml:"shard_splits,omitempty" json:"shard_splits,omitempty"`
	DefaultSplit int            `yaml:"default_split,omitempty" json:"default_split,omitempty"`

	// modify_exptime
	Exptime int32  `yaml:"exptime,omitempty" json:"exptime,omitempty"`
	Action  string `yaml:"action,omitempty" json:"action,omitempty"` // set, min

	// error
	Result  string `yaml:"result,omitempty" json:"result,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// FailoverErrorsConfig lists, per operation class, the result names that
// move a failover route on to its next target. An empty list keeps the default.
type FailoverErrorsConfig struct {
	Gets    []string `yaml:"gets,omitempty" json:"gets,omitempty"`
	Updates []string `yaml:"updates,omitempty" json:"updates,omitempty"`
	Deletes []string `yaml:"deletes,omitempty" json:"deletes,omitempty"`
}

// RatesConfig holds per-class token bucket settings for a rate_limit route.
// A zero rate leaves that class unlimited.
type RatesConfig struct {
	GetsRate     float64 `yaml:"gets_rate,omitempty" json:"gets_rate,omitempty"`
	GetsBurst    int     `yaml:"gets_burst,omitempty" json:"gets_burst,omitempty"`
	SetsRate     float64 `yaml:"sets_rate,omitempty" json:"sets_rate,omitempty"`
	SetsBurst    int     `yaml:"sets_burst,omitempty" json:"sets_burst,omitempty"`
	DeletesRate  float64 `yaml:"deletes_rate,omitempty" json:"deletes_rate,omitempty"`
	DeletesBurst int     `yaml:"deletes_burst,omitempty" json:"deletes_burst,omitempty"`
}

// Walk calls fn for s and every nested spec, depth first.
func (s *RouteSpec) Walk(fn func(*RouteSpec)) {
	fn(s)
	for i := range s.Children {
		s.Children[i].Walk(fn)
	}
	if s.Normal != nil {
		s.Normal.Walk(fn)
	}
	for i := range s.Failover {
		s.Failover[i].Walk(fn)
	}
	if s.Child != nil {
		s.Child.Walk(fn)
	}
}

// check validates references to backends and pools. Semantic checks
// (weights, counts, result names) belong to the route builder.
func (s *RouteSpec) check(path string, backends map[string]bool, pools map[string][]string) error {
	switch s.Type {
	case RouteDestination:
		if s.Backend == "" {
			return fmt.Errorf("%s: destination requires backend", path)
		}
		if !backends[s.Backend] {
			return fmt.Errorf("%s: unknown backend %q", path, s.Backend)
		}
	case RouteFailover, RouteLatest:
		if s.Pool != "" {
			if _, ok := pools[s.Pool]; !ok {
				return fmt.Errorf("%s: unknown pool %q", path, s.Pool)
			}
			if len(s.Children) > 0 {
				return fmt.Errorf("%s: pool and children are mutually exclusive", path)
			}
		} else if len(s.Children) == 0 {
			return fmt.Errorf("%s: %s requires pool or children", path, s.Type)
		}
	case RouteFailoverWithExptime:
		if s.Normal == nil {
			return fmt.Errorf("%s: failover_with_exptime requires normal", path)
		}
	case RouteRateLimit, RouteShardSplit, RouteModifyExptime:
		if s.Child == nil {
			return fmt.Errorf("%s: %s requires child", path, s.Type)
		}
	case RouteError:
	case "":
		return fmt.Errorf("%s: type is required", path)
	default:
		return fmt.Errorf("%s: unknown route type %q", path, s.Type)
	}

	for i := range s.Children {
		if err := s.Children[i].check(fmt.Sprintf("%s.children[%d]", path, i), backends, pools); err != nil {
			return err
		}
	}
	if s.Normal != nil {
		if err := s.Normal.check(path+".normal", backends, pools); err != nil {
			return err
		}
	}
	for i := range s.Failover {
		if err := s.Failover[i].check(fmt.Sprintf("%s.failover[%d]", path, i), backends, pools); err != nil {
			return err
		}
	}
	if s.Child != nil {
		if err := s.Child.check(path+".child", backends, pools); err != nil {
			return err
		}
	}
	return nil
}
