// Package metrics registers and exposes the gateway's Prometheus metrics,
// and adapts them to the Metrics interfaces consumed by internal/gateway
// and internal/admission.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for wsserialgw.
type Metrics struct {
	SessionsTotal            prometheus.Counter
	ActiveSessions           prometheus.Gauge
	ActiveNodes              prometheus.Gauge
	NodeConnectsTotal        prometheus.Counter
	NodeConnectFailuresTotal *prometheus.CounterVec
	RateCapTripsTotal        prometheus.Counter
	AdmissionRejectionsTotal *prometheus.CounterVec
	BytesTotal               *prometheus.CounterVec
	APIReachable             prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsserialgw_sessions_total",
			Help: "Total WebSocket sessions admitted",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wsserialgw_active_sessions",
			Help: "Current attached WebSocket sessions",
		}),
		ActiveNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wsserialgw_active_nodes",
			Help: "Current nodes with at least one attached session",
		}),
		NodeConnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsserialgw_node_connects_total",
			Help: "Total successful node TCP connections opened",
		}),
		NodeConnectFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsserialgw_node_connect_failures_total",
			Help: "Total node TCP connections that closed or failed to open, by reason",
		}, []string{"reason"}),
		RateCapTripsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsserialgw_rate_cap_trips_total",
			Help: "Total times a node's inbound byte-rate cap was tripped",
		}),
		AdmissionRejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsserialgw_admission_rejections_total",
			Help: "Total WebSocket upgrade attempts rejected, by reason",
		}, []string{"reason"}),
		BytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsserialgw_bytes_total",
			Help: "Total bytes forwarded, by direction",
		}, []string{"direction"}),
		APIReachable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wsserialgw_api_reachable",
			Help: "Whether the configured testbed API was reachable on the last health check (1=up, 0=down)",
		}),
	}
}

// SessionOpened implements gateway.Metrics.
func (m *Metrics) SessionOpened() {
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed implements gateway.Metrics.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// NodeConnected implements gateway.Metrics.
func (m *Metrics) NodeConnected() {
	m.NodeConnectsTotal.Inc()
	m.ActiveNodes.Inc()
}

// NodeConnectFailed implements gateway.Metrics. wasConnected distinguishes
// a node that was connected and then dropped (decrements ActiveNodes) from
// one whose initial dial never succeeded (ActiveNodes was never incremented
// for it, so it must not be decremented here).
func (m *Metrics) NodeConnectFailed(reason string, wasConnected bool) {
	m.NodeConnectFailuresTotal.WithLabelValues(reason).Inc()
	if wasConnected {
		m.ActiveNodes.Dec()
	}
}

// RateCapTripped implements gateway.Metrics.
func (m *Metrics) RateCapTripped() {
	m.RateCapTripsTotal.Inc()
}

// BytesForwarded implements gateway.Metrics.
func (m *Metrics) BytesForwarded(direction string, n int) {
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// AdmissionRejected implements admission.Metrics.
func (m *Metrics) AdmissionRejected(reason string) {
	m.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// SessionsServed returns the lifetime count of sessions admitted, for the
// admin API's status endpoint.
func (m *Metrics) SessionsServed() int64 {
	return int64(counterValue(m.SessionsTotal))
}

// BytesForwardedTotal returns the lifetime count of bytes forwarded in
// either direction, for the admin API's status endpoint.
func (m *Metrics) BytesForwardedTotal() int64 {
	var total float64
	for _, dir := range []string{"tcp_to_ws", "ws_to_tcp"} {
		c, err := m.BytesTotal.GetMetricWithLabelValues(dir)
		if err != nil {
			continue
		}
		total += counterValue(c)
	}
	return int64(total)
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
