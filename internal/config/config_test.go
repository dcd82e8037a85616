package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.ListenAddress == "" {
		t.Error("default listen_address should not be empty")
	}
	if cfg.Gateway.NodeTCPPort != 20000 {
		t.Errorf("default node_tcp_port = %d, want %d", cfg.Gateway.NodeTCPPort, 20000)
	}
	if cfg.Gateway.ChunkSize != 1024 {
		t.Errorf("default chunk_size = %d, want %d", cfg.Gateway.ChunkSize, 1024)
	}
	if cfg.Gateway.MaxBytesPerPeriod != 15000 {
		t.Errorf("default max_bytes_per_period = %d, want %d", cfg.Gateway.MaxBytesPerPeriod, 15000)
	}
	if cfg.Gateway.MaxWSPerNode != 2 {
		t.Errorf("default max_ws_per_node = %d, want %d", cfg.Gateway.MaxWSPerNode, 2)
	}
	if cfg.Gateway.MaxWSPerUser != 10 {
		t.Errorf("default max_ws_per_user = %d, want %d", cfg.Gateway.MaxWSPerUser, 10)
	}
	if cfg.Gateway.DrainTimeout != 30*time.Second {
		t.Errorf("default drain_timeout = %v, want %v", cfg.Gateway.DrainTimeout, 30*time.Second)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:8081" {
		t.Errorf("default health.listen_address = %q, want %q", cfg.Health.ListenAddress, "127.0.0.1:8081")
	}
	if cfg.API.UseLocalAPI {
		t.Error("default use_local_api should be false")
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
gateway:
  listen_address: "0.0.0.0:9000"
  node_tcp_port: 21000
  max_ws_per_node: 3
  drain_timeout: "5s"
api:
  use_local_api: true
  local_token: "test-token"
  local_nodes: ["m3-1.grenoble"]
security:
  admission_rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
health:
  enabled: true
  listen_address: "127.0.0.1:8081"
  endpoint: "/health"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Gateway.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("listen_address = %q, want %q", cfg.Gateway.ListenAddress, "0.0.0.0:9000")
	}
	if cfg.Gateway.NodeTCPPort != 21000 {
		t.Errorf("node_tcp_port = %d, want %d", cfg.Gateway.NodeTCPPort, 21000)
	}
	if cfg.Gateway.DrainTimeout != 5*time.Second {
		t.Errorf("drain_timeout = %v, want %v", cfg.Gateway.DrainTimeout, 5*time.Second)
	}
	if !cfg.API.UseLocalAPI {
		t.Error("use_local_api should be true")
	}
	if cfg.API.LocalToken != "test-token" {
		t.Errorf("local_token = %q, want %q", cfg.API.LocalToken, "test-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.AdmissionRateLimit.Enabled {
		t.Error("admission_rate_limit.enabled should be false")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.API.Host != "www.iot-lab.info" {
		t.Errorf("api.host = %q, want default", cfg.API.Host)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WSSERIALGW_API_HOST", "testbed.example.org")
	t.Setenv("WSSERIALGW_API_LOCAL_TOKEN", "env-token")
	t.Setenv("WSSERIALGW_LOGGING_LEVEL", "debug")
	t.Setenv("WSSERIALGW_API_USE_LOCAL_API", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.API.Host != "testbed.example.org" {
		t.Errorf("api.host = %q, want env override", cfg.API.Host)
	}
	if cfg.API.LocalToken != "env-token" {
		t.Errorf("local_token = %q, want %q", cfg.API.LocalToken, "env-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.API.UseLocalAPI {
		t.Error("use_local_api should be true from env override")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty listen_address",
			modify:  func(c *Config) { c.Gateway.ListenAddress = "" },
			wantErr: "gateway.listen_address is required",
		},
		{
			name:    "invalid listen_address",
			modify:  func(c *Config) { c.Gateway.ListenAddress = "not-a-host-port" },
			wantErr: "gateway.listen_address is invalid",
		},
		{
			name:    "zero node_tcp_port",
			modify:  func(c *Config) { c.Gateway.NodeTCPPort = 0 },
			wantErr: "gateway.node_tcp_port must be between",
		},
		{
			name:    "zero max_bytes_per_period",
			modify:  func(c *Config) { c.Gateway.MaxBytesPerPeriod = 0 },
			wantErr: "gateway.max_bytes_per_period must be positive",
		},
		{
			name:    "missing api host without local api",
			modify:  func(c *Config) { c.API.Host = "" },
			wantErr: "api.host is required",
		},
		{
			name: "local api bypasses host requirement",
			modify: func(c *Config) {
				c.API.Host = ""
				c.API.UseLocalAPI = true
			},
			wantErr: "",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "csv" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "invalid allowed network CIDR",
			modify:  func(c *Config) { c.Security.AllowedNetworks = []string{"not-a-cidr"} },
			wantErr: "invalid CIDR",
		},
		{
			name:    "conflicting listen addresses",
			modify:  func(c *Config) { c.Health.ListenAddress = c.Gateway.ListenAddress },
			wantErr: "must be different",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	newCfg := DefaultConfig()

	warnings := IsReloadSafe(old, newCfg)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	newCfg.Gateway.ListenAddress = "100.200.200.200:9090"
	warnings = IsReloadSafe(old, newCfg)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	newCfg.Health.ListenAddress = "127.0.0.1:9091"
	warnings = IsReloadSafe(old, newCfg)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	newCfg := DefaultConfig()
	newCfg.API.LocalToken = "new-token"
	newCfg.Logging.Level = "debug"
	newCfg.Gateway.MaxWSPerUser = 20

	updated := old.ApplyReloadableFields(newCfg)

	if updated.API.LocalToken != "new-token" {
		t.Errorf("local_token not reloaded")
	}
	if updated.Logging.Level != "debug" {
		t.Errorf("log level not reloaded")
	}
	if updated.Gateway.MaxWSPerUser != 20 {
		t.Errorf("max_ws_per_user not reloaded")
	}
	if updated.Gateway.ListenAddress != old.Gateway.ListenAddress {
		t.Errorf("listen_address should not have changed")
	}
}

func TestApplyReloadableFieldsAdminToken(t *testing.T) {
	old := DefaultConfig()
	newCfg := DefaultConfig()
	newCfg.Security.AdminToken = "new-admin-token"

	updated := old.ApplyReloadableFields(newCfg)
	if updated.Security.AdminToken != "new-admin-token" {
		t.Errorf("admin_token not reloaded")
	}
}

func TestEnvOverrideAdminToken(t *testing.T) {
	t.Setenv("WSSERIALGW_SECURITY_ADMIN_TOKEN", "env-admin-token")
	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	if cfg.Security.AdminToken != "env-admin-token" {
		t.Errorf("Security.AdminToken = %q, want %q", cfg.Security.AdminToken, "env-admin-token")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstr(s, substr)
}

func searchSubstr(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
