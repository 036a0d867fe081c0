package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics exposed by tunneld.
type Metrics struct {
	PoolConnectedSockets      *prometheus.GaugeVec
	RegistryTunnels           prometheus.Gauge
	TunnelStateTransitions    *prometheus.CounterVec
	HTTPRequestsTotal         prometheus.Counter
	UpgradeStreamsTotal       prometheus.Counter
	ErrorsTotal               *prometheus.CounterVec
	ControlPlaneRequestsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics for tunneld.
func New() *Metrics {
	return &Metrics{
		PoolConnectedSockets: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tunneld_pool_connected_sockets",
			Help: "Sockets currently held by a tunnel's pool, by tunnel id",
		}, []string{"tunnel_id"}),
		RegistryTunnels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_registry_tunnels",
			Help: "Live tunnels currently registered",
		}),
		TunnelStateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_tunnel_state_transitions_total",
			Help: "Tunnel lifecycle state transitions",
		}, []string{"to"}),
		HTTPRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_http_requests_total",
			Help: "Public HTTP requests dispatched to a tunnel",
		}),
		UpgradeStreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_upgrade_streams_total",
			Help: "Upgrade (WebSocket) streams dispatched to a tunnel",
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_errors_total",
			Help: "Internal errors, by category",
		}, []string{"category"}),
		ControlPlaneRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_controlplane_requests_total",
			Help: "Control-plane HTTP requests, by route and status class",
		}, []string{"route", "status"}),
	}
}
