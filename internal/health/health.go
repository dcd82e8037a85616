// Package health serves the /health JSON endpoint reporting gateway
// liveness, current session/node counts, and AuthApi reachability.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/iotlab-community/wsserialgw/internal/gateway"
	"github.com/iotlab-community/wsserialgw/internal/metrics"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	ActiveSessions int      `json:"active_sessions"`
	ActiveNodes    int      `json:"active_nodes"`
	APIReachable   bool     `json:"api_reachable"`
	Version        string   `json:"version"`
	Timestamp      string   `json:"timestamp"`
	Details        *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	Goroutines int     `json:"goroutines"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	gw        *gateway.Gateway
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	probeURL  string
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler. probeURL, if non-empty,
// is a plain http(s)://host:port URL used for the reachability probe
// against the configured AuthApi; it is empty when running against a
// local, in-process AuthApi, which is always considered reachable.
func NewHandler(gw *gateway.Gateway, probeURL, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		gw:        gw,
		probeURL:  probeURL,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests. It runs on a dedicated
// listener (default 127.0.0.1:8081), separate from the public gateway
// listener, so monitoring tools can reach it without needing admission
// through the proxy's own network allowlist.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiOK := h.checkAPI()
	if h.metrics != nil {
		if apiOK {
			h.metrics.APIReachable.Set(1)
		} else {
			h.metrics.APIReachable.Set(0)
		}
	}

	status := "ok"
	httpCode := http.StatusOK
	if !apiOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:         status,
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		ActiveSessions: h.gw.ActiveSessionCount(),
		ActiveNodes:    h.gw.ActiveNodeCount(),
		APIReachable:   apiOK,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			Goroutines: runtime.NumGoroutine(),
			MemoryMB:   float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

// noRedirectClient refuses to follow HTTP redirects to prevent SSRF
// amplification via a misconfigured api.host.
var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// checkAPI verifies the configured testbed REST API is reachable. A
// plain GET against the API's base host:port is used instead of a real
// FetchToken/FetchNodes call, so health polling never shows up as
// spurious admission traffic in the upstream API's own logs. A local,
// in-process AuthApi (probeURL == "") is always reachable.
func (h *Handler) checkAPI() bool {
	if h.probeURL == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.probeURL, nil)
	if err != nil {
		slog.Debug("api health check request creation failed", "error", err)
		return false
	}

	resp, err := noRedirectClient.Do(req)
	if err != nil {
		slog.Debug("api unreachable", "url", h.probeURL, "error", err)
		return false
	}
	resp.Body.Close()
	return true // any response (even 4xx/3xx) means the API host is alive
}
