// Package metrics exposes tunneld's Prometheus instrumentation. It takes
// small closures for registry.Hooks/tunnel.Hooks/socketpool.Hooks so that
// the core packages never import prometheus directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// outcome labels for tunneld_requests_total / tunneld_upgrade_total.
const (
	OutcomeOK         = "ok"
	OutcomePoolClosed = "pool_closed"
	OutcomeNoTunnel   = "no_tunnel"
	OutcomeBadHost    = "bad_host"
)

// Metrics owns every Prometheus collector tunneld exposes at /metrics. A
// fresh instance carries its own prometheus.Registry so tests can build
// several without colliding on promauto's default global registry.
type Metrics struct {
	Registry *prometheus.Registry

	tunnels           prometheus.Gauge
	connectedSockets  *prometheus.GaugeVec
	poolEvictionTotal prometheus.Counter
	requestsTotal     *prometheus.CounterVec
	upgradeTotal      *prometheus.CounterVec
}

// New constructs and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		tunnels: f.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_tunnels",
			Help: "Number of tunnels currently registered.",
		}),
		connectedSockets: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunneld_connected_sockets",
			Help: "Number of pool sockets currently connected, per tunnel id.",
		}, []string{"tunnel_id"}),
		poolEvictionTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_pool_evictions_total",
			Help: "Number of idle pool sockets evicted for exceeding the soft cap.",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_requests_total",
			Help: "Public HTTP requests dispatched, by outcome.",
		}, []string{"outcome"}),
		upgradeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_upgrade_total",
			Help: "Public HTTP Upgrade requests dispatched, by outcome.",
		}, []string{"outcome"}),
	}
}

// OnTunnelCreated and OnTunnelRemoved track the live tunnel gauge; shaped
// to compose directly into a registry.Hooks literal.
func (m *Metrics) OnTunnelCreated(string) {
	m.tunnels.Inc()
}

func (m *Metrics) OnTunnelRemoved(id string) {
	m.tunnels.Dec()
	m.connectedSockets.DeleteLabelValues(id)
}

// OnPoolEvicted composes into registry.Hooks.OnPoolEvicted.
func (m *Metrics) OnPoolEvicted(string) {
	m.poolEvictionTotal.Inc()
}

// SetConnectedSockets records the current connected-socket count for id;
// internal/server drives this from registry.Hooks.OnPoolAccepted and
// OnPoolEvicted with the tunnel's Stats().ConnectedSockets.
func (m *Metrics) SetConnectedSockets(id string, n int) {
	m.connectedSockets.WithLabelValues(id).Set(float64(n))
}

// OnRequest/OnUpgrade compose into dispatcher.Hooks.
func (m *Metrics) OnRequest(outcome string) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OnUpgrade(outcome string) {
	m.upgradeTotal.WithLabelValues(outcome).Inc()
}
