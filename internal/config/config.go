// Package config provides YAML configuration loading with validation and
// environment variable substitution for the cache proxy.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server" json:"server"`
	Admin      AdminConfig         `yaml:"admin" json:"admin"`
	Metrics    MetricsConfig       `yaml:"metrics" json:"metrics"`
	Logging    LoggingConfig       `yaml:"logging" json:"logging"`
	Congestion CongestionConfig    `yaml:"congestion" json:"congestion"`
	Tko        TkoConfig           `yaml:"tko" json:"tko"`
	Codecs     []CodecConfig       `yaml:"codecs" json:"codecs"`
	Backends   []BackendConfig     `yaml:"backends" json:"backends"`
	Pools      map[string][]string `yaml:"pools" json:"pools"`
	Routes     []RouteConfig       `yaml:"routes" json:"routes"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds the front-end HTTP server settings.
type ServerConfig struct {
	Port            int                   `yaml:"port" json:"port"`
	HostID          uint64                `yaml:"host_id" json:"host_id"` // 0 = derive from hostname
	Workers         int                   `yaml:"workers" json:"workers"` // worker lanes connections are pinned to
	ReadTimeout     time.Duration         `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration         `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration         `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration         `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64                 `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int                   `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	ClientRateLimit ClientRateLimitConfig `yaml:"client_rate_limit" json:"client_rate_limit"`
	TLS             TLSConfig             `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the per-request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// ClientRateLimitConfig limits each client IP on the front end. A zero
// rate disables it.
type ClientRateLimitConfig struct {
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int      `yaml:"burst_size" json:"burst_size"`
	TrustedProxies    []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // debug, info, warn, error; default: info
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
	AccessLog  string `yaml:"access_log" json:"access_log"`     // level of proxy access entries, or "none"; default: debug
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool       `yaml:"enabled" json:"enabled"`           // default: false
	Port        int        `yaml:"port" json:"port"`                 // default: 9090
	IPAllowlist []string   `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	Auth        AuthConfig `yaml:"auth" json:"auth"`
}

// AuthConfig holds JWT settings for the admin API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"` // required on mutating endpoints
}

// CongestionConfig configures the load-driven congestion controller.
type CongestionConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Signal         string        `yaml:"signal" json:"signal"` // cpu, memory, load1
	Target         float64       `yaml:"target" json:"target"`
	Delay          time.Duration `yaml:"delay" json:"delay"`
	Smoothing      float64       `yaml:"smoothing" json:"smoothing"`
	Gain           float64       `yaml:"gain" json:"gain"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size"`
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
}

// TkoConfig holds destination health tracking settings.
type TkoConfig struct {
	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	ProbeSuccesses   int           `yaml:"probe_successes" json:"probe_successes"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
	MaxOutstanding   int           `yaml:"max_outstanding" json:"max_outstanding"`
	Adaptive         bool          `yaml:"adaptive" json:"adaptive"`
	LatencyCeiling   time.Duration `yaml:"latency_ceiling" json:"latency_ceiling"`
	MinThreshold     float64       `yaml:"min_threshold" json:"min_threshold"`
}

// CodecConfig describes one compression codec.
type CodecConfig struct {
	ID             uint32 `yaml:"id" json:"id"`
	Type           string `yaml:"type" json:"type"` // lz4, zstd
	DictionaryFile string `yaml:"dictionary_file" json:"dictionary_file"`
	Level          int    `yaml:"level" json:"level"`
	Threshold      int    `yaml:"threshold" json:"threshold"` // values shorter than this are stored raw
	Enabled        *bool  `yaml:"enabled" json:"enabled"`     // default: true
}

// IsEnabled returns whether the codec may compress new values.
func (c CodecConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// BackendConfig describes one cache backend.
type BackendConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Type        string        `yaml:"type" json:"type"` // memory, redis
	Addr        string        `yaml:"addr" json:"addr"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db"`
	Prefix      string        `yaml:"prefix" json:"prefix"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
	Capacity    uint64        `yaml:"capacity" json:"capacity"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	Tko         *TkoConfig    `yaml:"tko" json:"tko,omitempty"` // overrides the top-level tko section
}

// RouteConfig binds a key prefix to a route graph. The longest matching
// prefix wins; the empty prefix catches everything.
type RouteConfig struct {
	KeyPrefix string    `yaml:"key_prefix" json:"key_prefix"`
	Route     RouteSpec `yaml:"route" json:"route"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	s := &cfg.Server
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.Workers == 0 {
		s.Workers = 16
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 15 * time.Second
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 120 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = 1048576 // 1 MB
	}
	if s.TLS.Enabled && s.TLS.MinVersion == "" {
		s.TLS.MinVersion = "1.2"
	}
	if s.ClientRateLimit.RequestsPerSecond > 0 && s.ClientRateLimit.BurstSize == 0 {
		s.ClientRateLimit.BurstSize = max(1, int(s.ClientRateLimit.RequestsPerSecond))
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.Auth.Enabled && len(cfg.Admin.Auth.Scopes) == 0 {
		cfg.Admin.Auth.Scopes = []string{"cacheproxy:admin"}
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.AccessLog == "" {
		cfg.Logging.AccessLog = "debug"
	}

	cc := &cfg.Congestion
	if cc.Signal == "" {
		cc.Signal = "cpu"
	}
	if cc.Target == 0 {
		cc.Target = 70
	}
	if cc.Delay == 0 {
		cc.Delay = time.Second
	}
	if cc.Smoothing == 0 {
		cc.Smoothing = 0.3
	}
	if cc.Gain == 0 {
		cc.Gain = 0.5
	}
	if cc.QueueSize == 0 {
		cc.QueueSize = 1024
	}
	if cc.SampleInterval == 0 {
		cc.SampleInterval = 250 * time.Millisecond
	}

	applyTkoDefaults(&cfg.Tko)
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Type == "" {
			b.Type = "memory"
		}
		if b.Timeout == 0 {
			b.Timeout = 200 * time.Millisecond
		}
		if b.DialTimeout == 0 {
			b.DialTimeout = time.Second
		}
		if b.Tko != nil {
			applyTkoDefaults(b.Tko)
		}
	}

	for i := range cfg.Codecs {
		if cfg.Codecs[i].Threshold == 0 {
			cfg.Codecs[i].Threshold = 64
		}
	}
}

func applyTkoDefaults(t *TkoConfig) {
	if t.WindowSize == 0 {
		t.WindowSize = 20
	}
	if t.FailureThreshold == 0 {
		t.FailureThreshold = 0.5
	}
	if t.ResetTimeout == 0 {
		t.ResetTimeout = 5 * time.Second
	}
	if t.ProbeSuccesses == 0 {
		t.ProbeSuccesses = 2
	}
	if t.Adaptive && t.LatencyCeiling == 0 {
		t.LatencyCeiling = 100 * time.Millisecond
	}
	if t.Adaptive && t.MinThreshold == 0 {
		t.MinThreshold = 0.2
	}
}

func validate(cfg *Config) error {
	s := cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", s.Port)
	}
	if s.Workers < 1 {
		return fmt.Errorf("server.workers must be positive, got %d", s.Workers)
	}
	if s.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if s.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}
	if s.ClientRateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server.client_rate_limit.requests_per_second must be non-negative")
	}
	if s.ClientRateLimit.BurstSize < 0 {
		return fmt.Errorf("server.client_rate_limit.burst_size must be non-negative")
	}

	// TLS validation
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", s.TLS.MinVersion)
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.AccessLog != "none" && !ValidLogLevels[cfg.Logging.AccessLog] {
		return fmt.Errorf("logging.access_log must be one of debug, info, warn, error, none; got %q", cfg.Logging.AccessLog)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if err := validateAdmin(cfg.Admin); err != nil {
		return err
	}
	if err := validateCongestion(cfg.Congestion); err != nil {
		return err
	}
	if err := validateTko("tko", cfg.Tko); err != nil {
		return err
	}
	if err := validateCodecs(cfg.Codecs); err != nil {
		return err
	}

	backends := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if backends[b.Name] {
			return fmt.Errorf("duplicate backend name: %s", b.Name)
		}
		backends[b.Name] = true
		switch b.Type {
		case "memory":
		case "redis":
			if b.Addr == "" {
				return fmt.Errorf("backends[%d].addr is required for redis", i)
			}
		default:
			return fmt.Errorf("backends[%d].type must be memory or redis, got %q", i, b.Type)
		}
		if b.Timeout < 0 || b.DialTimeout < 0 {
			return fmt.Errorf("backends[%d]: timeouts must be non-negative", i)
		}
		if b.Tko != nil {
			if err := validateTko(fmt.Sprintf("backends[%d].tko", i), *b.Tko); err != nil {
				return err
			}
		}
	}

	for name, members := range cfg.Pools {
		if name == "" {
			return fmt.Errorf("pools: empty pool name")
		}
		if len(members) == 0 {
			return fmt.Errorf("pools.%s must list at least one backend", name)
		}
		for _, m := range members {
			if !backends[m] {
				return fmt.Errorf("pools.%s: unknown backend %q", name, m)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}
	seen := make(map[string]bool)
	for i, r := range cfg.Routes {
		if seen[r.KeyPrefix] {
			return fmt.Errorf("duplicate route key_prefix: %q", r.KeyPrefix)
		}
		seen[r.KeyPrefix] = true
		if err := r.Route.check(fmt.Sprintf("routes[%d].route", i), backends, cfg.Pools); err != nil {
			return err
		}
	}

	return nil
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("admin.port must be between 1 and 65535, got %d", a.Port)
	}
	if len(a.IPAllowlist) == 0 {
		return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
	}
	for i, cidr := range a.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}
	if a.Auth.Enabled {
		if a.Auth.JWTSecret == "" {
			return fmt.Errorf("admin.auth.jwt_secret is required when auth is enabled")
		}
		if a.Auth.Issuer == "" {
			return fmt.Errorf("admin.auth.issuer is required when auth is enabled")
		}
		if a.Auth.Audience == "" {
			return fmt.Errorf("admin.auth.audience is required when auth is enabled")
		}
	}
	return nil
}

func validateCongestion(c CongestionConfig) error {
	switch c.Signal {
	case "cpu", "memory", "load1":
	default:
		return fmt.Errorf("congestion.signal must be cpu, memory or load1, got %q", c.Signal)
	}
	if c.Target <= 0 {
		return fmt.Errorf("congestion.target must be positive")
	}
	if c.Delay <= 0 || c.SampleInterval <= 0 {
		return fmt.Errorf("congestion.delay and congestion.sample_interval must be positive")
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("congestion.smoothing must be between 0 (exclusive) and 1 (inclusive)")
	}
	if c.Gain <= 0 {
		return fmt.Errorf("congestion.gain must be positive")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("congestion.queue_size must be positive")
	}
	return nil
}

func validateTko(path string, t TkoConfig) error {
	if t.WindowSize < 1 {
		return fmt.Errorf("%s.window_size must be positive", path)
	}
	if t.FailureThreshold <= 0 || t.FailureThreshold > 1 {
		return fmt.Errorf("%s.failure_threshold must be between 0 (exclusive) and 1 (inclusive)", path)
	}
	if t.ResetTimeout <= 0 {
		return fmt.Errorf("%s.reset_timeout must be positive", path)
	}
	if t.ProbeSuccesses < 1 {
		return fmt.Errorf("%s.probe_successes must be positive", path)
	}
	if t.SlowThreshold < 0 {
		return fmt.Errorf("%s.slow_threshold must be non-negative", path)
	}
	if t.MaxOutstanding < 0 {
		return fmt.Errorf("%s.max_outstanding must be non-negative", path)
	}
	if t.Adaptive {
		if t.MinThreshold <= 0 || t.MinThreshold >= t.FailureThreshold {
			return fmt.Errorf("%s.min_threshold must be between 0 and failure_threshold", path)
		}
		if t.LatencyCeiling <= 0 {
			return fmt.Errorf("%s.latency_ceiling must be positive when adaptive is enabled", path)
		}
	}
	return nil
}

func validateCodecs(codecs []CodecConfig) error {
	seen := make(map[string]bool, len(codecs))
	for i, c := range codecs {
		typ := strings.ToLower(c.Type)
		if typ != "lz4" && typ != "zstd" {
			return fmt.Errorf("codecs[%d].type must be lz4 or zstd, got %q", i, c.Type)
		}
		if c.ID == 0 {
			return fmt.Errorf("codecs[%d].id must be non-zero", i)
		}
		key := fmt.Sprintf("%s/%d", typ, c.ID)
		if seen[key] {
			return fmt.Errorf("duplicate codec %s id %d", typ, c.ID)
		}
		seen[key] = true
		if c.Level < 0 || c.Threshold < 0 {
			return fmt.Errorf("codecs[%d]: level and threshold must be non-negative", i)
		}
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Auth.Enabled && strings.Contains(cfg.Admin.Auth.JWTSecret, "${") {
		warnings = append(warnings, "admin.auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && !cfg.Admin.Auth.Enabled {
		warnings = append(warnings, "admin API enabled without JWT auth; relying on ip_allowlist only")
	}
	for _, b := range cfg.Backends {
		if strings.Contains(b.Password, "${") {
			warnings = append(warnings, fmt.Sprintf("backends.%s.password contains unresolved environment variable", b.Name))
		}
	}
	if !cfg.Congestion.Enabled && usesCongestion(cfg.Routes) {
		warnings = append(warnings, "routes set use_congestion but congestion is disabled")
	}
	return warnings
}

func usesCongestion(routes []RouteConfig) bool {
	for _, r := range routes {
		found := false
		r.Route.Walk(func(s *RouteSpec) {
			if s.UseCongestion {
				found = true
			}
		})
		if found {
			return true
		}
	}
	return false
}

// TkoFor returns the health tracking settings for backend name.
func (c *Config) TkoFor(name string) TkoConfig {
	for _, b := range c.Backends {
		if b.Name == name && b.Tko != nil {
			return *b.Tko
		}
	}
	return c.Tko
}

// Redacted returns a copy safe to expose on the admin API.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Admin.Auth.JWTSecret != "" {
		out.Admin.Auth.JWTSecret = "[redacted]"
	}
	out.Backends = make([]BackendConfig, len(c.Backends))
	copy(out.Backends, c.Backends)
	for i := range out.Backends {
		if out.Backends[i].Password != "" {
			out.Backends[i].Password = "[redacted]"
		}
	}
	return &out
}
