// Package webui serves the admin JSON API used to inspect and reload a
// running gateway: status, per-node/per-user attachment snapshots,
// config, and a tail of the in-memory log ring buffer.
package webui

import (
	"net/http"
	"time"

	"github.com/iotlab-community/wsserialgw/internal/config"
	"github.com/iotlab-community/wsserialgw/internal/gateway"
	"github.com/iotlab-community/wsserialgw/internal/logring"
	"github.com/iotlab-community/wsserialgw/internal/metrics"
	"github.com/iotlab-community/wsserialgw/internal/security"
)

// Dependencies holds all injected dependencies for the admin API.
type Dependencies struct {
	Gateway    *gateway.Gateway
	Metrics    *metrics.Metrics // optional, nil if metrics disabled
	RingBuffer *logring.RingBuffer
	Version    string
	BuildTime  string
	GitCommit  string
	StartTime  time.Time
	ReloadFunc func() error
	GetConfig  func() *config.Config
	SetConfig  func(*config.Config) // stores a validated, reloadable-fields-only update as the live config
}

// WebUI provides HTTP handlers for the admin API.
type WebUI struct {
	deps Dependencies
}

// New creates a new WebUI instance.
func New(deps Dependencies) *WebUI {
	return &WebUI{deps: deps}
}

// APIHandler returns an http.Handler for /api/v1/ endpoints.
func (ui *WebUI) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", ui.handleStatus)
	mux.HandleFunc("/api/v1/nodes", ui.handleNodes)
	mux.HandleFunc("/api/v1/users", ui.handleUsers)
	mux.HandleFunc("/api/v1/config", ui.handleConfig)
	mux.HandleFunc("/api/v1/logs", ui.handleLogs)
	mux.HandleFunc("/api/v1/reload", ui.handleReload)
	return securityHeaders(ui.requireAdminToken(mux))
}

// requireAdminToken guards the admin API behind the bearer token
// configured at security.admin_token. An empty token leaves the admin
// API open, matching its default unauthenticated stance for
// single-operator or already-network-isolated deployments.
func (ui *WebUI) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ui.deps.GetConfig == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := ui.deps.GetConfig().Security.AdminToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if !security.TokenMatch(provided, token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
