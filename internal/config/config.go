package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Tools    ToolsConfig    `yaml:"tools"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Log      LogConfig      `yaml:"log"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Transport       string        `yaml:"transport"` // "stdio" (default) or "http"
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string            `yaml:"backend"` // "auto", "docker", "docker-api" or "containerd"
	DockerBinary     string            `yaml:"docker_binary"`
	ContainerdSocket string            `yaml:"containerd_socket"`
	Namespace        string            `yaml:"namespace"`
	StagingRoot      string            `yaml:"staging_root"` // empty means os.TempDir()
	PullPolicy       string            `yaml:"pull_policy"`  // "never", "missing" or "always"
	PullOnStart      bool              `yaml:"pull_on_start"`
	StrictSeccomp    bool              `yaml:"strict_seccomp"`
	MaxConcurrent    int               `yaml:"max_concurrent"`
	Images           map[string]string `yaml:"images"`
	ReapInterval     time.Duration     `yaml:"reap_interval"` // 0 disables the periodic reaper
}

// ToolsConfig holds the per-tool resource ceilings.
type ToolsConfig struct {
	RunCode     CeilingConfig `yaml:"run_code"`
	RunSolution CeilingConfig `yaml:"run_solution"`
}

// CeilingConfig overrides a tool's built-in ceiling. Zero fields keep the
// built-in value.
type CeilingConfig struct {
	MemoryMB  int64         `yaml:"memory_mb"`
	CPUs      float64       `yaml:"cpus"`
	PidsLimit int64         `yaml:"pids_limit"`
	TmpfsMB   int64         `yaml:"tmpfs_mb"`
	Network   string        `yaml:"network"` // "none" or "default"
	Timeout   time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"` // OTLP/gRPC collector, host:port
	Insecure bool    `yaml:"insecure"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"` // HTTP transport only; stdio has no auth
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"; empty picks by ENV
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or env
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (plus env
// overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("config file not found, using defaults")
	cfg = DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from the environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("CODE_EXECUTOR_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("CODE_EXECUTOR_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport:       "stdio",
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second, // > run_solution timeout + teardown
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			DockerBinary:     "docker",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "code-executor",
			PullPolicy:       "never",
			MaxConcurrent:    16,
			Images: map[string]string{
				"python":  "docker.io/library/python:3.12-alpine",
				"python3": "docker.io/library/python:3.12-alpine",
			},
			ReapInterval: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Endpoint: "localhost:4317",
			Sample:   0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var (
	validBackends   = []string{"auto", "docker", "docker-api", "containerd"}
	validPullPolicy = []string{"never", "missing", "always"}
	validTransports = []string{"stdio", "http"}
	validNetworks   = []string{"", "none", "default"}
	validLogFormats = []string{"", "console", "json"}
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !oneOf(c.Server.Transport, validTransports) {
		return fmt.Errorf("server.transport must be one of %v, got %q", validTransports, c.Server.Transport)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if !oneOf(c.Sandbox.Backend, validBackends) {
		return fmt.Errorf("sandbox.backend must be one of %v, got %q", validBackends, c.Sandbox.Backend)
	}
	if !oneOf(c.Sandbox.PullPolicy, validPullPolicy) {
		return fmt.Errorf("sandbox.pull_policy must be one of %v, got %q", validPullPolicy, c.Sandbox.PullPolicy)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if len(c.Sandbox.Images) == 0 {
		return fmt.Errorf("sandbox.images must map at least one language")
	}
	if c.Sandbox.StagingRoot != "" && !filepath.IsAbs(c.Sandbox.StagingRoot) {
		return fmt.Errorf("sandbox.staging_root: %q must be an absolute path", c.Sandbox.StagingRoot)
	}
	if c.Sandbox.ReapInterval < 0 {
		return fmt.Errorf("sandbox.reap_interval must not be negative")
	}
	for name, cc := range map[string]CeilingConfig{"run_code": c.Tools.RunCode, "run_solution": c.Tools.RunSolution} {
		if err := cc.validate(); err != nil {
			return fmt.Errorf("tools.%s: %w", name, err)
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be 0-1, got %g", c.Tracing.Sample)
	}
	if !oneOf(c.Log.Format, validLogFormats) {
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security.rate_limit_rps and rate_limit_burst must not be negative")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// validate rejects values that can never form a usable ceiling. Range checks
// against the sandbox bounds happen when the engine is built.
func (cc CeilingConfig) validate() error {
	if cc.MemoryMB < 0 || cc.PidsLimit < 0 || cc.TmpfsMB < 0 || cc.CPUs < 0 || cc.Timeout < 0 {
		return fmt.Errorf("ceiling values must not be negative")
	}
	if !oneOf(cc.Network, validNetworks) {
		return fmt.Errorf("network must be none or default, got %q", cc.Network)
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
