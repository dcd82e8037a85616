package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iotlab-community/wsserialgw/internal/config"
)

const (
	defaultConfigPath  = "/etc/wsserialgw/config.yaml"
	defaultListenAddr  = "0.0.0.0:8000"
	defaultHealthPort  = "8081"
	defaultAPIProtocol = "https"
	defaultAPIHost     = "www.iot-lab.info"
	defaultAPIPort     = "443"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string                  // Override default config path
	CheckAPI   func(io.Writer, string) // Override REST API reachability check (for testing)
}

// RunWizard runs the interactive setup wizard, writing a validated YAML
// config to disk. It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo wsserialgw setup\n\n")
	}

	fmt.Fprintln(out, "wsserialgw Setup")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)

	// Step 1: local API or real testbed REST API
	useLocalAPI := false
	localToken := ""
	localNodes := []string{"localhost.local"}

	useLocal := prompt(scanner, out,
		"Run against a local, in-process node API instead of a real testbed? [y/N]: ", "n")
	if strings.HasPrefix(strings.ToLower(useLocal), "y") {
		useLocalAPI = true
		localToken = prompt(scanner, out, "Preset auth token for the local API (leave empty for none): ", "")
		nodesCSV := prompt(scanner, out,
			"Comma-separated node hostnames the local API should expose [localhost.local]: ",
			"localhost.local")
		localNodes = splitAndTrim(nodesCSV)
	}

	var apiProtocol, apiHost, apiPort, apiUser, apiPassword, httpProxy string
	if !useLocalAPI {
		apiProtocol = prompt(scanner, out,
			fmt.Sprintf("Testbed REST API protocol [%s]: ", defaultAPIProtocol), defaultAPIProtocol)
		apiHost = prompt(scanner, out,
			fmt.Sprintf("Testbed REST API host [%s]: ", defaultAPIHost), defaultAPIHost)
		apiPort = promptPort(scanner, out,
			fmt.Sprintf("Testbed REST API port [%s]: ", defaultAPIPort), defaultAPIPort)
		apiUser = prompt(scanner, out, "Testbed API username (leave empty if using a token instead): ", "")
		apiPassword = prompt(scanner, out, "Testbed API password: ", "")
		httpProxy = prompt(scanner, out, "HTTP proxy for the testbed API (leave empty for none): ", "")

		apiBase := fmt.Sprintf("%s://%s:%s", apiProtocol, apiHost, apiPort)
		check := checkAPI
		if opts.CheckAPI != nil {
			check = opts.CheckAPI
		}
		check(out, apiBase)
	}

	// Step 2: gateway listen address
	listenAddress := prompt(scanner, out,
		fmt.Sprintf("Gateway listen address [%s]: ", defaultListenAddr), defaultListenAddr)
	if listenHost, listenPort, err := net.SplitHostPort(listenAddress); err == nil {
		if reason := checkPortAvailable(listenHost, listenPort); reason != "" {
			fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", listenPort, listenHost, reason)
		}
	} else {
		fmt.Fprintf(out, "  WARNING: %q is not a valid host:port address\n\n", listenAddress)
	}

	// Step 3: health port
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort), defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 4: check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 5: write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	cfg := wizardConfig{
		listenAddress: listenAddress,
		healthAddress: healthAddress,
		useLocalAPI:   useLocalAPI,
		localToken:    localToken,
		localNodes:    localNodes,
		apiProtocol:   apiProtocol,
		apiHost:       apiHost,
		apiPort:       apiPort,
		apiUser:       apiUser,
		apiPassword:   apiPassword,
		httpProxy:     httpProxy,
	}
	configContent := generateConfig(cfg)

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 6: validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 7: offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start wsserialgw service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start wsserialgw")
			}
		}
	}

	// Step 8: print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:  %s\n", configPath)
	fmt.Fprintf(out, "  Gateway: ws://%s\n", listenAddress)
	fmt.Fprintf(out, "  Health:  http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u wsserialgw -f")
	fmt.Fprintln(out, "  Validate:       wsserialgw validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// splitAndTrim splits a comma-separated list and trims whitespace,
// dropping empty entries.
func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkAPI performs a quick HTTP check against the testbed REST API base URL.
func checkAPI(out io.Writer, apiBase string) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(apiBase)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: API at %s is not reachable: %v\n", apiBase, err)
		fmt.Fprintln(out, "  (This is OK if you intend to configure it later)")
		fmt.Fprintln(out)
		return
	}
	resp.Body.Close()
	fmt.Fprintf(out, "  API at %s is reachable.\n\n", apiBase)
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the wsserialgw service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	if err := exec.Command("systemctl", "restart", "wsserialgw").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "wsserialgw").Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "wsserialgw").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// wizardConfig bundles the answers generateConfig renders into YAML.
type wizardConfig struct {
	listenAddress string
	healthAddress string
	useLocalAPI   bool
	localToken    string
	localNodes    []string
	apiProtocol   string
	apiHost       string
	apiPort       string
	apiUser       string
	apiPassword   string
	httpProxy     string
}

// generateConfig creates a commented YAML config string.
func generateConfig(c wizardConfig) string {
	var apiBlock string
	if c.useLocalAPI {
		nodesYAML := make([]string, len(c.localNodes))
		for i, n := range c.localNodes {
			nodesYAML[i] = fmt.Sprintf("    - %q", n)
		}
		apiBlock = fmt.Sprintf(`  use_local_api: true
  local_token: "%s"
  local_nodes:
%s`, yamlEscapeString(c.localToken), strings.Join(nodesYAML, "\n"))
	} else {
		apiBlock = fmt.Sprintf(`  use_local_api: false
  protocol: "%s"
  host: "%s"
  port: %s
  user: "%s"
  password: "%s"
  http_proxy: "%s"`,
			yamlEscapeString(c.apiProtocol), yamlEscapeString(c.apiHost), c.apiPort,
			yamlEscapeString(c.apiUser), yamlEscapeString(c.apiPassword), yamlEscapeString(c.httpProxy))
	}

	return fmt.Sprintf(`# wsserialgw configuration
# Generated by: wsserialgw setup

gateway:
  # REQUIRED: WebSocket listen address
  listen_address: "%s"

  node_tcp_port: 20000
  chunk_size: 1024
  rate_check_period: "1s"
  max_bytes_per_period: 15000
  max_ws_per_node: 2
  max_ws_per_user: 10
  drain_timeout: "30s"

api:
%s

security:
  allowed_networks: []
  admission_rate_limit:
    enabled: false
    connections_per_minute: 60

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"
  detailed: true

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`, yamlEscapeString(c.listenAddress), apiBlock, yamlEscapeString(c.healthAddress))
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		u, err := user.Lookup("wsserialgw")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user wsserialgw: %v\n", err)
		} else {
			g, err := user.LookupGroup("wsserialgw")
			if err != nil {
				fmt.Fprintf(out, "  WARNING: Could not look up group wsserialgw: %v\n", err)
			} else {
				uid, err := strconv.Atoi(u.Uid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user wsserialgw: %v\n", u.Uid, err)
					return nil
				}
				gid, err := strconv.Atoi(g.Gid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group wsserialgw: %v\n", g.Gid, err)
					return nil
				}
				if err := os.Chown(path, uid, gid); err != nil {
					fmt.Fprintf(out, "  WARNING: Could not set ownership to wsserialgw:wsserialgw: %v\n", err)
				}
			}
		}
	}

	return nil
}
