package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iotlab-community/wsserialgw/internal/admission"
	"github.com/iotlab-community/wsserialgw/internal/config"
	"github.com/iotlab-community/wsserialgw/internal/gateway"
	"github.com/iotlab-community/wsserialgw/internal/health"
	"github.com/iotlab-community/wsserialgw/internal/logging"
	"github.com/iotlab-community/wsserialgw/internal/logring"
	"github.com/iotlab-community/wsserialgw/internal/metrics"
	"github.com/iotlab-community/wsserialgw/internal/nodeapi"
	"github.com/iotlab-community/wsserialgw/internal/nodetcp"
	"github.com/iotlab-community/wsserialgw/internal/security"
	"github.com/iotlab-community/wsserialgw/internal/setup"
	"github.com/iotlab-community/wsserialgw/internal/webui"

	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wsserialgw",
		Short: "WebSocket-to-TCP serial gateway for testbed nodes",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wsserialgw %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Gateway.ListenAddress)
			fmt.Printf("  Node TCP port: %d\n", cfg.Gateway.NodeTCPPort)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			if cfg.API.UseLocalAPI {
				fmt.Printf("  API: local (%d preset nodes)\n", len(cfg.API.LocalNodes))
			} else {
				fmt.Printf("  API: %s://%s:%d\n", cfg.API.Protocol, cfg.API.Host, cfg.API.Port)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/wsserialgw/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.File,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	if lj != nil {
		defer lj.Close()
	}

	startTime := time.Now()

	slog.Info("starting wsserialgw",
		"version", Version,
		"listen", cfg.Gateway.ListenAddress,
		"node_tcp_port", cfg.Gateway.NodeTCPPort,
		"health", cfg.Health.ListenAddress,
	)

	// cfgMu guards cfg against concurrent reads (admin API status/config
	// GET, health checks) and writes (SIGHUP reload, admin API config PUT).
	var cfgMu sync.RWMutex
	getConfig := func() *config.Config {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return cfg
	}
	setConfig := func(c *config.Config) {
		cfgMu.Lock()
		cfg = c
		cfgMu.Unlock()
	}

	// shutdownCtx governs the lifetime of attached sessions' WebSocket
	// reads; cancelling it force-closes everything still open after the
	// drain timeout.
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	var gwMetrics gateway.Metrics
	var admissionMetrics admission.Metrics
	if m != nil {
		gwMetrics = m
		admissionMetrics = m
	}

	gw := gateway.New(gateway.Limits{
		MaxWSPerNode: cfg.Gateway.MaxWSPerNode,
		MaxWSPerUser: cfg.Gateway.MaxWSPerUser,
	}, nodetcp.Config{
		Port:              cfg.Gateway.NodeTCPPort,
		ChunkSize:         cfg.Gateway.ChunkSize,
		CheckPeriod:       cfg.Gateway.RateCheckPeriod,
		MaxBytesPerPeriod: cfg.Gateway.MaxBytesPerPeriod,
	}, gwMetrics)

	authAPI, localAPI, err := buildAuthAPI(cfg)
	if err != nil {
		return err
	}

	var allowedNets []*net.IPNet
	if len(cfg.Security.AllowedNetworks) > 0 {
		allowedNets, err = security.ParseCIDRList(cfg.Security.AllowedNetworks)
		if err != nil {
			return fmt.Errorf("security.allowed_networks: %w", err)
		}
	}

	var rl *security.RateLimiter
	if cfg.Security.AdmissionRateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.AdmissionRateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.AdmissionRateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("admission rate limiting enabled",
			"connections_per_minute", cfg.Security.AdmissionRateLimit.ConnectionsPerMinute,
		)
	}

	admissionHandler := &admission.Handler{
		API:              authAPI,
		Gateway:          gw,
		Metrics:          admissionMetrics,
		AllowedNetworks:  allowedNets,
		RateLimiter:      rl,
		HandshakeTimeout: 10 * time.Second,
		ShutdownCtx:      shutdownCtx,
	}

	// Reload config closure — shared by the SIGHUP handler and the admin API.
	reloadConfig := func() error {
		newCfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}

		warnings := config.IsReloadSafe(getConfig(), newCfg)
		for _, w := range warnings {
			slog.Warn("config reload warning", "warning", w)
		}

		updated := getConfig().ApplyReloadableFields(newCfg)
		setConfig(updated)

		if updated.Security.AdmissionRateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(updated.Security.AdmissionRateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, updated.Security.AdmissionRateLimit.ConnectionsPerMinute)
		}

		newHandler, _ := logging.SetupHandler(
			updated.Logging.Level,
			updated.Logging.Format,
			updated.Logging.File,
			updated.Logging.MaxSizeMB,
			updated.Logging.MaxBackups,
			updated.Logging.MaxAgeDays,
			updated.Logging.Compress,
		)
		slog.SetDefault(slog.New(logring.NewTeeHandler(newHandler, ring)))

		slog.Info("config reloaded successfully")
		return nil
	}

	// Bind both listeners synchronously so port conflicts surface before
	// sd_notify READY is sent.
	gwListener, err := net.Listen("tcp", cfg.Gateway.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind gateway listener on %s: %w", cfg.Gateway.ListenAddress, err)
	}
	gwServer := &http.Server{
		Handler:           admissionHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(gw, probeURL(cfg), Version, cfg.Health.Detailed)
		if m != nil {
			healthHandler.SetMetrics(m)
		}
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		if localAPI != nil {
			healthMux.Handle("/api/experiments/", nodeapi.NewLocalAPIHandler(localAPI))
		}

		adminUI := webui.New(webui.Dependencies{
			Gateway:    gw,
			Metrics:    m,
			RingBuffer: ring,
			Version:    Version,
			BuildTime:  BuildTime,
			GitCommit:  GitCommit,
			StartTime:  startTime,
			ReloadFunc: reloadConfig,
			GetConfig:  getConfig,
			SetConfig:  setConfig,
		})
		healthMux.Handle("/api/v1/", adminUI.APIHandler())

		healthListener, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			gwListener.Close()
			return fmt.Errorf("failed to bind health listener on %s: %w", cfg.Health.ListenAddress, err)
		}

		healthServer = &http.Server{
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("gateway listening", "address", cfg.Gateway.ListenAddress)
		if err := gwServer.Serve(gwListener); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if !sent {
		slog.Warn("sd_notify READY not sent (NOTIFY_SOCKET not set — not running under systemd?)")
	} else {
		slog.Info("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				} else {
					slog.Debug("watchdog notify skipped (NOTIFY_SOCKET not set)")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				slog.Error("config reload failed", "error", err)
			}

		case syscall.SIGTERM, syscall.SIGINT:
			drainTimeout := getConfig().Gateway.DrainTimeout
			slog.Info("received shutdown signal, draining sessions",
				"signal", sig.String(),
				"drain_timeout", drainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			gwServer.Close() // stop accepting new connections immediately
			gw.Stop()        // send close frames to all attached sessions

			drainDeadline := time.After(drainTimeout)
			drainTick := time.NewTicker(100 * time.Millisecond)
		drainLoop:
			for {
				select {
				case <-drainDeadline:
					remaining := gw.ActiveSessionCount()
					if remaining > 0 {
						slog.Warn("drain timeout reached, force-closing remaining sessions", "remaining", remaining)
					}
					break drainLoop
				case <-drainTick.C:
					if gw.ActiveSessionCount() == 0 {
						slog.Info("all sessions drained")
						break drainLoop
					}
				}
			}
			drainTick.Stop()

			shutdownCancel() // force-close anything still reading

			if healthServer != nil {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				healthServer.Shutdown(shutCtx)
				shutCancel()
			}

			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

// buildAuthAPI constructs the AuthApi implementation named by cfg.API,
// returning the LocalAuthApi too (non-nil only in local mode) so the
// caller can mount its HTTP surface on the health listener.
func buildAuthAPI(cfg *config.Config) (nodeapi.AuthApi, *nodeapi.LocalAuthApi, error) {
	if cfg.API.UseLocalAPI {
		local := nodeapi.NewLocalAuthApi(cfg.API.LocalToken, cfg.API.LocalNodes)
		return local, local, nil
	}
	api, err := nodeapi.NewHTTPAuthApi(cfg.API.Protocol, cfg.API.Host, cfg.API.Port, cfg.API.User, cfg.API.Password, cfg.API.HTTPProxy)
	if err != nil {
		return nil, nil, fmt.Errorf("building auth API client: %w", err)
	}
	return api, nil, nil
}

// probeURL returns the base URL the health handler probes for API
// reachability, or "" when running against the local stand-in (always
// reachable).
func probeURL(cfg *config.Config) string {
	if cfg.API.UseLocalAPI {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d", cfg.API.Protocol, cfg.API.Host, cfg.API.Port)
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=wsserialgw - WebSocket-to-TCP serial gateway
Documentation=https://github.com/iotlab-community/wsserialgw
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=wsserialgw
Group=wsserialgw
ExecStartPre=/usr/local/bin/wsserialgw validate --config /etc/wsserialgw/config.yaml
ExecStart=/usr/local/bin/wsserialgw start --config /etc/wsserialgw/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=always
RestartPreventExitStatus=0
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
PrivateDevices=true
ProtectKernelTunables=true
ProtectKernelModules=true
ProtectControlGroups=true
ProtectClock=true
RestrictNamespaces=true
RestrictRealtime=true
RestrictSUIDSGID=true
LockPersonality=true
SystemCallArchitectures=native
ReadOnlyPaths=/etc/wsserialgw
LogsDirectory=wsserialgw
StateDirectory=wsserialgw
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=wsserialgw

[Install]
WantedBy=multi-user.target
`)
}
