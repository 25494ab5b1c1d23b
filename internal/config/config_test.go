package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
backends:
  - name: local
routes:
  - key_prefix: ""
    route:
      type: destination
      backend: local
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Workers != 16 {
		t.Errorf("expected default workers 16, got %d", cfg.Server.Workers)
	}
	if cfg.Server.MaxBodyBytes != 1048576 {
		t.Errorf("expected default max_body_bytes 1048576, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Backends[0].Type != "memory" {
		t.Errorf("expected default backend type memory, got %q", cfg.Backends[0].Type)
	}
	if cfg.Backends[0].Timeout != 200*time.Millisecond {
		t.Errorf("expected default backend timeout 200ms, got %v", cfg.Backends[0].Timeout)
	}
	if cfg.Congestion.Target != 70 || cfg.Congestion.Signal != "cpu" {
		t.Errorf("unexpected congestion defaults: %+v", cfg.Congestion)
	}
	if cfg.Tko.WindowSize != 20 || cfg.Tko.FailureThreshold != 0.5 {
		t.Errorf("unexpected tko defaults: %+v", cfg.Tko)
	}
	if cfg.Admin.Port != 9090 {
		t.Errorf("expected default admin port 9090, got %d", cfg.Admin.Port)
	}
	if !cfg.Metrics.IsEnabled() || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Logging.AccessLog != "debug" {
		t.Errorf("expected default access_log debug, got %q", cfg.Logging.AccessLog)
	}
}

func TestLoadFromBytes_FullConfig(t *testing.T) {
	yaml := []byte(`
server:
  port: 11211
  host_id: 42
  workers: 4
  global_timeout_ms: 500
  client_rate_limit:
    requests_per_second: 1000
admin:
  enabled: true
  port: 9191
  ip_allowlist: ["127.0.0.1/32"]
  auth:
    enabled: true
    jwt_secret: "test-secret"
    issuer: "iss"
    audience: "aud"
congestion:
  enabled: true
  signal: memory
  target: 80
codecs:
  - id: 1
    type: zstd
    level: 3
backends:
  - name: a
  - name: b
    type: redis
    addr: "localhost:6379"
    tko:
      window_size: 10
      max_outstanding: 64
pools:
  main: [a, b]
routes:
  - key_prefix: "user:"
    route:
      type: rate_limit
      use_congestion: true
      rates:
        gets_rate: 1000
      child:
        type: shard_split
        shard_splits: {"hot": 4}
        child:
          type: latest
          pool: main
          weights: [1, 1]
          failover_count: 1
  - key_prefix: ""
    route:
      type: failover_with_exptime
      normal:
        type: destination
        backend: a
      failover:
        - type: destination
          backend: b
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.HostID != 42 {
		t.Errorf("expected host_id 42, got %d", cfg.Server.HostID)
	}
	if got := cfg.Server.GlobalTimeout(); got != 500*time.Millisecond {
		t.Errorf("expected global timeout 500ms, got %v", got)
	}
	if cfg.Server.ClientRateLimit.BurstSize != 1000 {
		t.Errorf("expected client burst to default to rps, got %d", cfg.Server.ClientRateLimit.BurstSize)
	}
	if len(cfg.Admin.Auth.Scopes) != 1 || cfg.Admin.Auth.Scopes[0] != "cacheproxy:admin" {
		t.Errorf("expected default admin scope, got %v", cfg.Admin.Auth.Scopes)
	}
	if cfg.Codecs[0].Threshold != 64 || !cfg.Codecs[0].IsEnabled() {
		t.Errorf("unexpected codec defaults: %+v", cfg.Codecs[0])
	}
	if got := cfg.TkoFor("b"); got.WindowSize != 10 || got.MaxOutstanding != 64 || got.ResetTimeout != 5*time.Second {
		t.Errorf("expected backend tko override with defaults, got %+v", got)
	}
	if got := cfg.TkoFor("a"); got.WindowSize != 20 {
		t.Errorf("expected global tko for a, got %+v", got)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	latest := cfg.Routes[0].Route.Child.Child
	if latest.Type != RouteLatest || latest.Pool != "main" || *latest.FailoverCount != 1 {
		t.Errorf("unexpected nested route: %+v", latest)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "env-secret-value")

	yaml := []byte(`
backends:
  - name: r
    type: redis
    addr: "localhost:6379"
    password: "${TEST_REDIS_PASSWORD}"
routes:
  - route:
      type: destination
      backend: r
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backends[0].Password != "env-secret-value" {
		t.Errorf("expected env var expansion, got %q", cfg.Backends[0].Password)
	}
}

func TestLoadFromBytes_UnresolvedEnvVarWarning(t *testing.T) {
	os.Unsetenv("NONEXISTENT_SECRET")

	yaml := []byte(`
admin:
  enabled: true
  ip_allowlist: ["10.0.0.0/8"]
  auth:
    enabled: true
    jwt_secret: "${NONEXISTENT_SECRET}"
    issuer: "iss"
    audience: "aud"
` + minimalConfig)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected warning about unresolved environment variable")
	}
}

func TestLoadFromBytes_CongestionWarning(t *testing.T) {
	yaml := []byte(`
backends:
  - name: local
routes:
  - route:
      type: rate_limit
      use_congestion: true
      child:
        type: destination
        backend: local
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "congestion is disabled") {
		t.Errorf("expected congestion warning, got %v", cfg.Warnings)
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing routes",
			yaml: `
backends:
  - name: local
routes: []
`,
		},
		{
			name: "invalid port",
			yaml: `
server:
  port: 99999
` + minimalConfig,
		},
		{
			name: "bad access log level",
			yaml: `
logging:
  access_log: verbose
` + minimalConfig,
		},
		{
			name: "duplicate backend",
			yaml: `
backends:
  - name: a
  - name: a
routes:
  - route: {type: destination, backend: a}
`,
		},
		{
			name: "redis without addr",
			yaml: `
backends:
  - name: a
    type: redis
routes:
  - route: {type: destination, backend: a}
`,
		},
		{
			name: "unknown backend type",
			yaml: `
backends:
  - name: a
    type: memcached
routes:
  - route: {type: destination, backend: a}
`,
		},
		{
			name: "unknown backend in route",
			yaml: `
backends:
  - name: a
routes:
  - route: {type: destination, backend: b}
`,
		},
		{
			name: "pool references unknown backend",
			yaml: `
backends:
  - name: a
pools:
  main: [a, z]
routes:
  - route: {type: latest, pool: main}
`,
		},
		{
			name: "unknown pool",
			yaml: `
backends:
  - name: a
routes:
  - route: {type: failover, pool: nope}
`,
		},
		{
			name: "failover without targets",
			yaml: `
backends:
  - name: a
routes:
  - route: {type: failover}
`,
		},
		{
			name: "rate limit without child",
			yaml: `
backends:
  - name: a
routes:
  - route: {type: rate_limit}
`,
		},
		{
			name: "unknown route type",
			yaml: `
backends:
  - name: a
routes:
  - route: {type: hash}
`,
		},
		{
			name: "duplicate key prefix",
			yaml: `
backends:
  - name: a
routes:
  - key_prefix: "x"
    route: {type: destination, backend: a}
  - key_prefix: "x"
    route: {type: destination, backend: a}
`,
		},
		{
			name: "invalid codec type",
			yaml: `
codecs:
  - id: 1
    type: snappy
` + minimalConfig,
		},
		{
			name: "codec id zero",
			yaml: `
codecs:
  - id: 0
    type: lz4
` + minimalConfig,
		},
		{
			name: "invalid congestion signal",
			yaml: `
congestion:
  signal: disk
` + minimalConfig,
		},
		{
			name: "failure threshold above one",
			yaml: `
tko:
  failure_threshold: 1.5
` + minimalConfig,
		},
		{
			name: "admin without allowlist",
			yaml: `
admin:
  enabled: true
` + minimalConfig,
		},
		{
			name: "admin auth without secret",
			yaml: `
admin:
  enabled: true
  ip_allowlist: ["10.0.0.0/8"]
  auth:
    enabled: true
    issuer: "iss"
    audience: "aud"
` + minimalConfig,
		},
		{
			name: "invalid log level",
			yaml: `
logging:
  level: verbose
` + minimalConfig,
		},
		{
			name: "tls without cert",
			yaml: `
server:
  tls:
    enabled: true
    key_file: "key.pem"
` + minimalConfig,
		},
		{
			name: "malformed yaml",
			yaml: "routes: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("CACHEPROXY_JWT_SECRET", "example-secret")
	cfg, err := Load("../../configs/cacheproxy.yaml")
	if err != nil {
		t.Fatalf("example config must load: %v", err)
	}
	if len(cfg.Routes) != 4 || len(cfg.Pools["main"]) != 3 {
		t.Errorf("unexpected example config shape: %d routes, pools %v", len(cfg.Routes), cfg.Pools)
	}
	if cfg.Admin.Auth.JWTSecret != "example-secret" {
		t.Errorf("expected env expansion of jwt_secret, got %q", cfg.Admin.Auth.JWTSecret)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routes[0].Route.Backend != "local" {
		t.Errorf("expected backend local, got %q", cfg.Routes[0].Route.Backend)
	}
}

func TestConfig_Redacted(t *testing.T) {
	yaml := []byte(`
admin:
  enabled: true
  ip_allowlist: ["10.0.0.0/8"]
  auth:
    enabled: true
    jwt_secret: "top-secret"
    issuer: "iss"
    audience: "aud"
backends:
  - name: r
    type: redis
    addr: "localhost:6379"
    password: "hunter2"
routes:
  - route: {type: destination, backend: r}
`)
	cfg, err := LoadFromBytes(yaml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	red := cfg.Redacted()
	if red.Admin.Auth.JWTSecret != "[redacted]" {
		t.Errorf("jwt secret not redacted: %q", red.Admin.Auth.JWTSecret)
	}
	if red.Backends[0].Password != "[redacted]" {
		t.Errorf("backend password not redacted: %q", red.Backends[0].Password)
	}
	if cfg.Backends[0].Password != "hunter2" {
		t.Error("Redacted must not modify the original config")
	}
}

func TestRouteSpec_Walk(t *testing.T) {
	spec := RouteSpec{
		Type: RouteRateLimit,
		Child: &RouteSpec{
			Type:     RouteFailoverWithExptime,
			Normal:   &RouteSpec{Type: RouteDestination, Backend: "a"},
			Failover: []RouteSpec{{Type: RouteDestination, Backend: "b"}, {Type: RouteDestination, Backend: "c"}},
		},
	}
	var types []string
	spec.Walk(func(s *RouteSpec) { types = append(types, s.Type+s.Backend) })

	want := "rate_limit,failover_with_exptime,destinationa,destinationb,destinationc"
	if got := strings.Join(types, ","); got != want {
		t.Errorf("walk order = %s, want %s", got, want)
	}
}
