package webui

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"
)

// statusResponse is the JSON body for GET /api/v1/status.
type statusResponse struct {
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	ActiveNodes    int     `json:"active_nodes"`
	SessionsServed int64   `json:"sessions_served"`
	BytesForwarded int64   `json:"bytes_forwarded"`
	MemoryMB       float64 `json:"memory_mb"`
	Goroutines     int     `json:"goroutines"`
	Version        string  `json:"version"`
	BuildTime      string  `json:"build_time"`
	GitCommit      string  `json:"git_commit"`
}

func (ui *WebUI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(ui.deps.StartTime)
	snap := ui.deps.Gateway.Snapshot()

	var sessionsServed, bytesForwarded int64
	if ui.deps.Metrics != nil {
		sessionsServed = ui.deps.Metrics.SessionsServed()
		bytesForwarded = ui.deps.Metrics.BytesForwardedTotal()
	}

	resp := statusResponse{
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		ActiveSessions: ui.deps.Gateway.ActiveSessionCount(),
		ActiveNodes:    len(snap.Nodes),
		SessionsServed: sessionsServed,
		BytesForwarded: bytesForwarded,
		MemoryMB:       float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:     runtime.NumGoroutine(),
		Version:        ui.deps.Version,
		BuildTime:      ui.deps.BuildTime,
		GitCommit:      ui.deps.GitCommit,
	}

	writeJSON(w, http.StatusOK, resp)
}

// nodeEntry describes one attached node for GET /api/v1/nodes.
type nodeEntry struct {
	Node           string `json:"node"`
	TCPState       string `json:"tcp_state"`
	SessionCount   int    `json:"session_count"`
	BytesReceived  int64  `json:"bytes_received"`
	BytesSent      int64  `json:"bytes_sent"`
	ConnectedSince string `json:"connected_since,omitempty"`
}

func (ui *WebUI) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := ui.deps.Gateway.Snapshot()
	entries := make([]nodeEntry, 0, len(snap.Nodes))
	for n, ns := range snap.Nodes {
		e := nodeEntry{
			Node:          n,
			TCPState:      ns.TCPState,
			SessionCount:  ns.SessionCount,
			BytesReceived: ns.BytesReceived,
			BytesSent:     ns.BytesSent,
		}
		if !ns.ConnectedSince.IsZero() {
			e.ConnectedSince = ns.ConnectedSince.UTC().Format(time.RFC3339)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Node < entries[j].Node })

	writeJSON(w, http.StatusOK, entries)
}

// userEntry describes one user's active session count for GET /api/v1/users.
type userEntry struct {
	User         string `json:"user"`
	SessionCount int    `json:"session_count"`
}

func (ui *WebUI) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := ui.deps.Gateway.Snapshot()
	entries := make([]userEntry, 0, len(snap.Users))
	for u, count := range snap.Users {
		entries = append(entries, userEntry{User: u, SessionCount: count})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SessionCount > entries[j].SessionCount })

	writeJSON(w, http.StatusOK, entries)
}

// configResponse is the JSON body for GET /api/v1/config.
type configResponse struct {
	Reloadable configReloadable `json:"reloadable"`
	ReadOnly   configReadOnly   `json:"read_only"`
}

type configReloadable struct {
	LogLevel             string   `json:"log_level"`
	AllowedNetworks      []string `json:"allowed_networks"`
	AdmissionRateLimit   bool     `json:"admission_rate_limit_enabled"`
	ConnectionsPerMinute int      `json:"connections_per_minute"`
	MaxWSPerNode         int      `json:"max_ws_per_node"`
	MaxWSPerUser         int      `json:"max_ws_per_user"`
	APIUserSet           bool     `json:"api_user_set"`
	APITokenSet          bool     `json:"api_token_set"`
}

type configReadOnly struct {
	ListenAddress string `json:"listen_address"`
	NodeTCPPort   int    `json:"node_tcp_port"`
	HealthAddress string `json:"health_address"`
	UseLocalAPI   bool   `json:"use_local_api"`
	APIHost       string `json:"api_host"`
}

func (ui *WebUI) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ui.handleConfigGet(w, r)
	case http.MethodPut:
		ui.handleConfigPut(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (ui *WebUI) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := ui.deps.GetConfig()

	resp := configResponse{
		Reloadable: configReloadable{
			LogLevel:             cfg.Logging.Level,
			AllowedNetworks:      cfg.Security.AllowedNetworks,
			AdmissionRateLimit:   cfg.Security.AdmissionRateLimit.Enabled,
			ConnectionsPerMinute: cfg.Security.AdmissionRateLimit.ConnectionsPerMinute,
			MaxWSPerNode:         cfg.Gateway.MaxWSPerNode,
			MaxWSPerUser:         cfg.Gateway.MaxWSPerUser,
			APIUserSet:           cfg.API.User != "",
			APITokenSet:          cfg.API.LocalToken != "",
		},
		ReadOnly: configReadOnly{
			ListenAddress: cfg.Gateway.ListenAddress,
			NodeTCPPort:   cfg.Gateway.NodeTCPPort,
			HealthAddress: cfg.Health.ListenAddress,
			UseLocalAPI:   cfg.API.UseLocalAPI,
			APIHost:       cfg.API.Host,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}

// configUpdateRequest is the JSON body for PUT /api/v1/config. It
// accepts a subset of the fields config.ApplyReloadableFields copies.
// handleConfigPut validates the patched config and stores it through
// SetConfig; it does not rebuild the log handler, the admission rate
// limiter, the network allowlist or the gateway's limits, which keep
// the values they were built with.
type configUpdateRequest struct {
	LogLevel             *string  `json:"log_level,omitempty"`
	AllowedNetworks      []string `json:"allowed_networks,omitempty"`
	AdmissionRateLimit   *bool    `json:"admission_rate_limit_enabled,omitempty"`
	ConnectionsPerMinute *int     `json:"connections_per_minute,omitempty"`
	MaxWSPerNode         *int     `json:"max_ws_per_node,omitempty"`
	MaxWSPerUser         *int     `json:"max_ws_per_user,omitempty"`
}

func (ui *WebUI) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	cfg := ui.deps.GetConfig()
	updated := *cfg

	if req.LogLevel != nil {
		switch *req.LogLevel {
		case "debug", "info", "warn", "error":
			updated.Logging.Level = *req.LogLevel
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "log_level must be debug, info, warn, or error"})
			return
		}
	}
	if req.AllowedNetworks != nil {
		for _, cidr := range req.AllowedNetworks {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "allowed_networks contains invalid CIDR " + cidr})
				return
			}
		}
		updated.Security.AllowedNetworks = req.AllowedNetworks
	}
	if req.AdmissionRateLimit != nil {
		updated.Security.AdmissionRateLimit.Enabled = *req.AdmissionRateLimit
	}
	if req.ConnectionsPerMinute != nil {
		if *req.ConnectionsPerMinute <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connections_per_minute must be positive"})
			return
		}
		updated.Security.AdmissionRateLimit.ConnectionsPerMinute = *req.ConnectionsPerMinute
	}
	if req.MaxWSPerNode != nil {
		if *req.MaxWSPerNode <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_ws_per_node must be positive"})
			return
		}
		updated.Gateway.MaxWSPerNode = *req.MaxWSPerNode
	}
	if req.MaxWSPerUser != nil {
		if *req.MaxWSPerUser <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_ws_per_user must be positive"})
			return
		}
		updated.Gateway.MaxWSPerUser = *req.MaxWSPerUser
	}

	if err := updated.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if ui.deps.SetConfig != nil {
		ui.deps.SetConfig(&updated)
	}
	slog.Info("config updated via admin API",
		"log_level", updated.Logging.Level,
		"max_ws_per_node", updated.Gateway.MaxWSPerNode,
		"max_ws_per_user", updated.Gateway.MaxWSPerUser,
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// logEntryResponse mirrors logring.LogEntry for JSON serialization.
type logEntryResponse struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (ui *WebUI) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		switch v {
		case "debug":
			minLevel = slog.LevelDebug
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			since = t
		}
	}

	entries := ui.deps.RingBuffer.Entries(limit, minLevel, since)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (ui *WebUI) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !requireJSON(w, r) {
		return
	}

	if ui.deps.ReloadFunc == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload not available"})
		return
	}

	if err := ui.deps.ReloadFunc(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requireJSON checks that the Content-Type header is application/json.
// Returns false (and writes an error response) if the check fails.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}

