package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Admission.MaxConnections != 50 {
		t.Errorf("Admission.MaxConnections = %d, want 50", cfg.Admission.MaxConnections)
	}
	if cfg.Admission.MaxPerSource != 10 {
		t.Errorf("Admission.MaxPerSource = %d, want 10", cfg.Admission.MaxPerSource)
	}
	if cfg.Workspace.MaxWorkspaces != 10 {
		t.Errorf("Workspace.MaxWorkspaces = %d, want 10", cfg.Workspace.MaxWorkspaces)
	}
	if cfg.Workspace.DefaultLimits.Timeout != 30*time.Second {
		t.Errorf("DefaultLimits.Timeout = %s, want 30s", cfg.Workspace.DefaultLimits.Timeout)
	}
	if cfg.Workspace.DefaultLimits.MemoryMB != 512 {
		t.Errorf("DefaultLimits.MemoryMB = %d, want 512", cfg.Workspace.DefaultLimits.MemoryMB)
	}
	if cfg.Execution.HistoryLimit != 1000 {
		t.Errorf("Execution.HistoryLimit = %d, want 1000", cfg.Execution.HistoryLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"max_connections 0", func(c *Config) { c.Admission.MaxConnections = 0 }, true},
		{"per source above total", func(c *Config) { c.Admission.MaxPerSource = 51 }, true},
		{"max_requests 0", func(c *Config) { c.Admission.MaxRequests = 0 }, true},
		{"negative burst", func(c *Config) { c.Admission.BurstLimit = -1 }, true},
		{"burst window above window", func(c *Config) {
			c.Admission.BurstLimit = 5
			c.Admission.BurstWindow = 2 * time.Minute
		}, true},
		{"burst window ignored when burst off", func(c *Config) {
			c.Admission.BurstWindow = 2 * time.Minute
		}, false},
		{"burst 5 per second", func(c *Config) { c.Admission.BurstLimit = 5 }, false},
		{"max_workspaces 0", func(c *Config) { c.Workspace.MaxWorkspaces = 0 }, true},
		{"memory_mb < 16", func(c *Config) { c.Workspace.DefaultLimits.MemoryMB = 8 }, true},
		{"default timeout above max", func(c *Config) {
			c.Workspace.DefaultLimits.Timeout = 10 * time.Minute
		}, true},
		{"relative base dir", func(c *Config) { c.Workspace.BaseDir = "ws" }, true},
		{"relative source root", func(c *Config) {
			c.Workspace.AllowedSources = []string{"relative/path"}
		}, true},
		{"absolute source root", func(c *Config) {
			c.Workspace.AllowedSources = []string{"/srv/projects"}
		}, false},
		{"unknown backend", func(c *Config) { c.Isolation.Backend = "firecracker" }, true},
		{"backend none", func(c *Config) { c.Isolation.Backend = "none" }, false},
		{"unknown level", func(c *Config) { c.Security.DefaultLevel = "paranoid" }, true},
		{"strict level", func(c *Config) { c.Security.DefaultLevel = "strict" }, false},
		{"history_limit 0", func(c *Config) { c.Execution.HistoryLimit = 0 }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
admission:
  max_connections: 20
  max_per_source: 2
  max_requests: 3
  window: 10s
  burst_limit: 2
workspace:
  max_workspaces: 4
  default_limits:
    timeout: 15s
    memory_mb: 256
isolation:
  backend: none
security:
  default_level: high
  allow_network: true
  blocked_commands: ["terraform"]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Admission.MaxRequests != 3 || cfg.Admission.Window != 10*time.Second {
		t.Errorf("limiter = %d/%s, want 3/10s", cfg.Admission.MaxRequests, cfg.Admission.Window)
	}
	if cfg.Admission.BurstWindow != time.Second {
		t.Errorf("BurstWindow = %s, want the 1s default", cfg.Admission.BurstWindow)
	}
	if cfg.Workspace.DefaultLimits.Timeout != 15*time.Second {
		t.Errorf("DefaultLimits.Timeout = %s, want 15s", cfg.Workspace.DefaultLimits.Timeout)
	}
	if cfg.Workspace.DefaultLimits.Processes != 10 {
		t.Errorf("DefaultLimits.Processes = %d, want the default 10", cfg.Workspace.DefaultLimits.Processes)
	}
	if cfg.Isolation.Backend != "none" {
		t.Errorf("Isolation.Backend = %q, want none", cfg.Isolation.Backend)
	}

	ov := cfg.PolicyOverrides()
	if ov.AllowNetwork == nil || !*ov.AllowNetwork {
		t.Errorf("AllowNetwork = %v, want true", ov.AllowNetwork)
	}
	if len(ov.BlockedCommands) != 1 || ov.BlockedCommands[0] != "terraform" {
		t.Errorf("BlockedCommands = %v, want [terraform]", ov.BlockedCommands)
	}
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("admission:\n  max_connections: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestSourceAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace.AllowedSources = []string{"/srv/projects"}

	tests := []struct {
		path string
		want bool
	}{
		{"", true},
		{"/srv/projects", true},
		{"/srv/projects/app", true},
		{"/srv/projects/../secrets", false},
		{"/srv/projects-old", false},
		{"/etc", false},
	}
	for _, tt := range tests {
		if got := cfg.SourceAllowed(tt.path); got != tt.want {
			t.Errorf("SourceAllowed(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission.BurstLimit = 5
	cfg.Workspace.BaseDir = "/srv/workspaces"
	cfg.Isolation.Backend = "docker"

	adm := cfg.AdmissionOptions()
	if adm.MaxConnections != 50 || adm.MaxPerSource != 10 {
		t.Errorf("admission caps = %d/%d, want 50/10", adm.MaxConnections, adm.MaxPerSource)
	}
	if adm.Limiter.MaxRequests != 100 || adm.Limiter.Window != time.Minute || adm.Limiter.BurstLimit != 5 {
		t.Errorf("limiter = %+v", adm.Limiter)
	}

	ws := cfg.WorkspaceOptions()
	if ws.BaseDir != "/srv/workspaces" || ws.MaxWorkspaces != 10 {
		t.Errorf("workspace options = %+v", ws)
	}
	if ws.DefaultLimits.Timeout != 30*time.Second || ws.DefaultLimits.MemoryMB != 512 {
		t.Errorf("DefaultLimits = %+v", ws.DefaultLimits)
	}

	if iso := cfg.IsolationOptions(); iso.Backend != "docker" || iso.Namespace != "sandbox" {
		t.Errorf("isolation options = %+v", iso)
	}
}
