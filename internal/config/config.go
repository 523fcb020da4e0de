package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
	"swiss-sandbox/internal/workspace"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admission AdmissionConfig `yaml:"admission"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Isolation IsolationConfig `yaml:"isolation"`
	Execution ExecutionConfig `yaml:"execution"`
	Security  SecurityConfig  `yaml:"security"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	LogLevel        string        `yaml:"log_level"`
	Production      bool          `yaml:"production"` // JSON logs instead of console output
}

// AdmissionConfig bounds connections and their request rate.
type AdmissionConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	MaxPerSource   int           `yaml:"max_per_source"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	MaxRequests    int           `yaml:"max_requests"`
	Window         time.Duration `yaml:"window"`
	BurstLimit     int           `yaml:"burst_limit"` // 0 disables the burst cap
	BurstWindow    time.Duration `yaml:"burst_window"`
}

type WorkspaceConfig struct {
	BaseDir          string        `yaml:"base_dir"`
	MaxWorkspaces    int           `yaml:"max_workspaces"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 disables idle eviction
	ReapInterval     time.Duration `yaml:"reap_interval"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	DefaultImage     string        `yaml:"default_image"`
	AllowedSources   []string      `yaml:"allowed_source_roots"` // absolute; empty allows none
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	Timeout    time.Duration `yaml:"timeout"`
	MemoryMB   int64         `yaml:"memory_mb"`
	CPUs       float64       `yaml:"cpus"`
	Processes  int64         `yaml:"processes"`
	FileSizeMB int64         `yaml:"file_size_mb"`
}

type IsolationConfig struct {
	Backend          string        `yaml:"backend"` // "auto" (default), "containerd", "docker" or "none"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type ExecutionConfig struct {
	HistoryLimit   int           `yaml:"history_limit"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	RenderBinary   string        `yaml:"render_binary"`
	AuditBuffer    int           `yaml:"audit_buffer"`
}

// SecurityConfig holds API authentication and additions applied to every
// policy preset.
type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"` // only honoured when allowed_keys is empty
	DefaultLevel         string   `yaml:"default_level"`
	BlockedPaths         []string `yaml:"blocked_paths"`
	BlockedCommands      []string `yaml:"blocked_commands"`
	DangerousPatterns    []string `yaml:"dangerous_patterns"`
	ProtectedFiles       []string `yaml:"protected_files"`
	AllowedDomains       []string `yaml:"allowed_domains"`
	BlockedDomains       []string `yaml:"blocked_domains"`
	AllowNetwork         *bool    `yaml:"allow_network"`
	MaxFileSizeBytes     int64    `yaml:"max_file_size_bytes"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    330 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
			LogLevel:        "info",
		},
		Admission: AdmissionConfig{
			MaxConnections: 50,
			MaxPerSource:   10,
			IdleTimeout:    time.Hour,
			ReapInterval:   time.Minute,
			MaxRequests:    100,
			Window:         time.Minute,
			BurstLimit:     0,
			BurstWindow:    time.Second,
		},
		Workspace: WorkspaceConfig{
			MaxWorkspaces:    10,
			IdleTimeout:      0,
			ReapInterval:     time.Minute,
			ProvisionTimeout: 60 * time.Second,
			DefaultImage:     "docker.io/library/python:3.11-slim",
			DefaultLimits: DefaultLimits{
				Timeout:    30 * time.Second,
				MemoryMB:   512,
				CPUs:       1.0,
				Processes:  10,
				FileSizeMB: 100,
			},
		},
		Isolation: IsolationConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "sandbox",
			SweepInterval:    5 * time.Minute,
		},
		Execution: ExecutionConfig{
			HistoryLimit:   1000,
			MaxOutputBytes: 1 << 20,
			MaxTimeout:     300 * time.Second,
			AuditBuffer:    10000,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
			DefaultLevel: string(policy.DefaultLevel),
		},
		Database: DatabaseConfig{
			DSN:          "",
			MaxOpenConns: 25,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Admission.MaxConnections < 1 {
		return fmt.Errorf("admission.max_connections must be >= 1")
	}
	if c.Admission.MaxPerSource < 1 || c.Admission.MaxPerSource > c.Admission.MaxConnections {
		return fmt.Errorf("admission.max_per_source must be between 1 and max_connections (%d)", c.Admission.MaxConnections)
	}
	if c.Admission.MaxRequests < 1 || c.Admission.Window <= 0 {
		return fmt.Errorf("admission.max_requests and admission.window must be positive")
	}
	if c.Admission.BurstLimit < 0 {
		return fmt.Errorf("admission.burst_limit must not be negative")
	}
	if c.Admission.BurstLimit > 0 && c.Admission.BurstWindow > c.Admission.Window {
		return fmt.Errorf("admission.burst_window (%s) must be <= window (%s)",
			c.Admission.BurstWindow, c.Admission.Window)
	}
	if c.Workspace.MaxWorkspaces < 1 {
		return fmt.Errorf("workspace.max_workspaces must be >= 1")
	}
	if c.Workspace.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("workspace.default_limits.memory_mb must be >= 16")
	}
	if c.Workspace.DefaultLimits.Timeout > c.Execution.MaxTimeout {
		return fmt.Errorf("workspace.default_limits.timeout (%s) must be <= execution.max_timeout (%s)",
			c.Workspace.DefaultLimits.Timeout, c.Execution.MaxTimeout)
	}
	if c.Workspace.BaseDir != "" && !filepath.IsAbs(c.Workspace.BaseDir) {
		return fmt.Errorf("workspace.base_dir: %q must be an absolute path", c.Workspace.BaseDir)
	}
	for _, root := range c.Workspace.AllowedSources {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("workspace.allowed_source_roots: %q must be an absolute path", root)
		}
	}
	switch c.Isolation.Backend {
	case "", "auto", "containerd", "docker", "none":
	default:
		return fmt.Errorf("isolation.backend must be auto, containerd, docker or none, got %q", c.Isolation.Backend)
	}
	if _, err := policy.ParseLevel(c.Security.DefaultLevel); err != nil {
		return fmt.Errorf("security.default_level: %w", err)
	}
	if c.Execution.HistoryLimit < 1 {
		return fmt.Errorf("execution.history_limit must be >= 1")
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

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PolicyOverrides converts the security section into additions for every
// policy preset.
func (c *Config) PolicyOverrides() policy.Overrides {
	s := c.Security
	return policy.Overrides{
		BlockedPaths:      s.BlockedPaths,
		BlockedCommands:   s.BlockedCommands,
		DangerousPatterns: s.DangerousPatterns,
		ProtectedFiles:    s.ProtectedFiles,
		AllowedDomains:    s.AllowedDomains,
		BlockedDomains:    s.BlockedDomains,
		AllowNetwork:      s.AllowNetwork,
		MaxFileSizeBytes:  s.MaxFileSizeBytes,
	}
}

// SourceAllowed reports whether a workspace may be seeded from path.
func (c *Config) SourceAllowed(path string) bool {
	if path == "" {
		return true
	}
	clean := filepath.Clean(path)
	for _, root := range c.Workspace.AllowedSources {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (c *Config) AdmissionOptions() admission.Config {
	a := c.Admission
	return admission.Config{
		MaxConnections: a.MaxConnections,
		MaxPerSource:   a.MaxPerSource,
		IdleTimeout:    a.IdleTimeout,
		ReapInterval:   a.ReapInterval,
		Limiter: admission.LimiterConfig{
			MaxRequests: a.MaxRequests,
			Window:      a.Window,
			BurstLimit:  a.BurstLimit,
			BurstWindow: a.BurstWindow,
		},
	}
}

func (c *Config) WorkspaceOptions() workspace.Options {
	w := c.Workspace
	return workspace.Options{
		BaseDir:          w.BaseDir,
		MaxWorkspaces:    w.MaxWorkspaces,
		IdleTimeout:      w.IdleTimeout,
		ReapInterval:     w.ReapInterval,
		ProvisionTimeout: w.ProvisionTimeout,
		DefaultImage:     w.DefaultImage,
		DefaultLimits: sandbox.ResourceLimits{
			Timeout:    w.DefaultLimits.Timeout,
			MemoryMB:   w.DefaultLimits.MemoryMB,
			CPUs:       w.DefaultLimits.CPUs,
			Processes:  w.DefaultLimits.Processes,
			FileSizeMB: w.DefaultLimits.FileSizeMB,
		},
	}
}

func (c *Config) IsolationOptions() isolation.Options {
	return isolation.Options{
		Backend:          c.Isolation.Backend,
		ContainerdSocket: c.Isolation.ContainerdSocket,
		Namespace:        c.Isolation.Namespace,
	}
}
