package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for wsserialgw.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	API        APIConfig        `yaml:"api"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GatewayConfig contains the core multiplexer settings.
type GatewayConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	NodeTCPPort       int           `yaml:"node_tcp_port"`
	ChunkSize         int           `yaml:"chunk_size"`
	RateCheckPeriod   time.Duration `yaml:"rate_check_period"`
	MaxBytesPerPeriod int64         `yaml:"max_bytes_per_period"`
	MaxWSPerNode      int           `yaml:"max_ws_per_node"`
	MaxWSPerUser      int           `yaml:"max_ws_per_user"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
}

// APIConfig contains settings for talking to the testbed's REST API, or
// for running a self-contained local stand-in instead.
type APIConfig struct {
	Protocol    string   `yaml:"protocol"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	User        string   `yaml:"user"`
	Password    string   `yaml:"password"`
	HTTPProxy   string   `yaml:"http_proxy"`
	UseLocalAPI bool     `yaml:"use_local_api"`
	LocalToken  string   `yaml:"local_token"`
	LocalNodes  []string `yaml:"local_nodes"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AllowedNetworks    []string              `yaml:"allowed_networks"`
	AdmissionRateLimit AdmissionRateLimitCfg `yaml:"admission_rate_limit"`
	AdminToken         string                `yaml:"admin_token"`
}

// AdmissionRateLimitCfg throttles WebSocket handshake attempts per IP.
type AdmissionRateLimitCfg struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with spec.md §6's literal defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddress:     "0.0.0.0:8000",
			NodeTCPPort:       20000,
			ChunkSize:         1024,
			RateCheckPeriod:   time.Second,
			MaxBytesPerPeriod: 15000,
			MaxWSPerNode:      2,
			MaxWSPerUser:      10,
			DrainTimeout:      30 * time.Second,
		},
		API: APIConfig{
			Protocol:    "https",
			Host:        "www.iot-lab.info",
			Port:        443,
			UseLocalAPI: false,
			LocalNodes:  []string{"localhost.local"},
		},
		Security: SecurityConfig{
			AdmissionRateLimit: AdmissionRateLimitCfg{
				Enabled:              false,
				ConnectionsPerMinute: 60,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'wsserialgw setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s (try running with sudo)", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Gateway.ListenAddress == "" {
		return fmt.Errorf("gateway.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Gateway.ListenAddress); err != nil {
		return fmt.Errorf("gateway.listen_address is invalid: %w", err)
	}
	if c.Gateway.NodeTCPPort <= 0 || c.Gateway.NodeTCPPort > 65535 {
		return fmt.Errorf("gateway.node_tcp_port must be between 1 and 65535")
	}
	if c.Gateway.ChunkSize <= 0 {
		return fmt.Errorf("gateway.chunk_size must be positive")
	}
	if c.Gateway.RateCheckPeriod <= 0 {
		return fmt.Errorf("gateway.rate_check_period must be positive")
	}
	if c.Gateway.MaxBytesPerPeriod <= 0 {
		return fmt.Errorf("gateway.max_bytes_per_period must be positive")
	}
	if c.Gateway.MaxWSPerNode <= 0 {
		return fmt.Errorf("gateway.max_ws_per_node must be positive")
	}
	if c.Gateway.MaxWSPerUser <= 0 {
		return fmt.Errorf("gateway.max_ws_per_user must be positive")
	}
	if c.Gateway.DrainTimeout <= 0 {
		return fmt.Errorf("gateway.drain_timeout must be positive")
	}
	if c.Gateway.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.drain_timeout must not exceed 5m")
	}

	if !c.API.UseLocalAPI {
		if c.API.Protocol != "http" && c.API.Protocol != "https" {
			return fmt.Errorf("api.protocol must be http or https")
		}
		if c.API.Host == "" {
			return fmt.Errorf("api.host is required unless api.use_local_api is true")
		}
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("api.port must be between 1 and 65535")
		}
	}

	if len(c.Security.AllowedNetworks) > 0 {
		for _, cidr := range c.Security.AllowedNetworks {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("security.allowed_networks contains invalid CIDR %q: %w", cidr, err)
			}
		}
	}
	if c.Security.AdmissionRateLimit.Enabled && c.Security.AdmissionRateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.admission_rate_limit.connections_per_minute must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Health.ListenAddress); err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		if c.Gateway.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("gateway.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies WSSERIALGW_ prefixed environment variables.
// Convention: WSSERIALGW_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"WSSERIALGW_GATEWAY_LISTEN_ADDRESS": func(v string) { cfg.Gateway.ListenAddress = v },
		"WSSERIALGW_GATEWAY_NODE_TCP_PORT":  func(v string) { cfg.Gateway.NodeTCPPort = parseInt(v, cfg.Gateway.NodeTCPPort) },
		"WSSERIALGW_GATEWAY_DRAIN_TIMEOUT":  func(v string) { cfg.Gateway.DrainTimeout = parseDuration(v, cfg.Gateway.DrainTimeout) },
		"WSSERIALGW_API_PROTOCOL":           func(v string) { cfg.API.Protocol = v },
		"WSSERIALGW_API_HOST":               func(v string) { cfg.API.Host = v },
		"WSSERIALGW_API_PORT":               func(v string) { cfg.API.Port = parseInt(v, cfg.API.Port) },
		"WSSERIALGW_API_USER":               func(v string) { cfg.API.User = v },
		"WSSERIALGW_API_PASSWORD":           func(v string) { cfg.API.Password = v },
		"WSSERIALGW_API_HTTP_PROXY":         func(v string) { cfg.API.HTTPProxy = v },
		"WSSERIALGW_API_USE_LOCAL_API":      func(v string) { cfg.API.UseLocalAPI = parseBool(v, cfg.API.UseLocalAPI) },
		"WSSERIALGW_API_LOCAL_TOKEN":        func(v string) { cfg.API.LocalToken = v },
		"WSSERIALGW_SECURITY_ADMISSION_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.AdmissionRateLimit.Enabled = parseBool(v, cfg.Security.AdmissionRateLimit.Enabled)
		},
		"WSSERIALGW_SECURITY_ADMISSION_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.AdmissionRateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.AdmissionRateLimit.ConnectionsPerMinute)
		},
		"WSSERIALGW_SECURITY_ADMIN_TOKEN": func(v string) { cfg.Security.AdminToken = v },
		"WSSERIALGW_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"WSSERIALGW_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"WSSERIALGW_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"WSSERIALGW_HEALTH_ENABLED":        func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"WSSERIALGW_HEALTH_LISTEN_ADDRESS": func(v string) { cfg.Health.ListenAddress = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: gateway.listen_address, gateway.node_tcp_port,
// health.listen_address.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.AllowedNetworks = newCfg.Security.AllowedNetworks
	updated.Security.AdmissionRateLimit = newCfg.Security.AdmissionRateLimit
	updated.Security.AdminToken = newCfg.Security.AdminToken
	updated.Logging.Level = newCfg.Logging.Level
	updated.API.User = newCfg.API.User
	updated.API.Password = newCfg.API.Password
	updated.API.LocalToken = newCfg.API.LocalToken
	updated.Gateway.MaxWSPerNode = newCfg.Gateway.MaxWSPerNode
	updated.Gateway.MaxWSPerUser = newCfg.Gateway.MaxWSPerUser
	return &updated
}

// IsReloadSafe returns a restart-required warning for each of
// gateway.listen_address, gateway.node_tcp_port, health.listen_address and
// api.use_local_api that differs between old and new. Changes to other
// fields that ApplyReloadableFields does not copy produce no warning.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Gateway.ListenAddress != new.Gateway.ListenAddress {
		warnings = append(warnings, "gateway.listen_address requires restart")
	}
	if old.Gateway.NodeTCPPort != new.Gateway.NodeTCPPort {
		warnings = append(warnings, "gateway.node_tcp_port requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.API, new.API) && old.API.UseLocalAPI != new.API.UseLocalAPI {
		warnings = append(warnings, "api.use_local_api requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
