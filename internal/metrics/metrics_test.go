package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()

	if m.PoolConnectedSockets == nil {
		t.Error("PoolConnectedSockets is nil")
	}
	if m.RegistryTunnels == nil {
		t.Error("RegistryTunnels is nil")
	}
	if m.TunnelStateTransitions == nil {
		t.Error("TunnelStateTransitions is nil")
	}
	if m.HTTPRequestsTotal == nil {
		t.Error("HTTPRequestsTotal is nil")
	}
	if m.UpgradeStreamsTotal == nil {
		t.Error("UpgradeStreamsTotal is nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal is nil")
	}
	if m.ControlPlaneRequestsTotal == nil {
		t.Error("ControlPlaneRequestsTotal is nil")
	}

	// Verify metrics can be used without panic.
	m.PoolConnectedSockets.WithLabelValues("abcd").Set(3)
	m.RegistryTunnels.Set(1)
	m.TunnelStateTransitions.WithLabelValues("online").Inc()
	m.HTTPRequestsTotal.Inc()
	m.UpgradeStreamsTotal.Inc()
	m.ErrorsTotal.WithLabelValues("pool_closed").Inc()
	m.ControlPlaneRequestsTotal.WithLabelValues("/api/status", "2xx").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"tunneld_pool_connected_sockets",
		"tunneld_registry_tunnels",
		"tunneld_tunnel_state_transitions_total",
		"tunneld_http_requests_total",
		"tunneld_upgrade_streams_total",
		"tunneld_errors_total",
		"tunneld_controlplane_requests_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
