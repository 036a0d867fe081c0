package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status    string   `json:"status"`
	Uptime    string   `json:"uptime"`
	Tunnels   int      `json:"tunnels"`
	Version   string   `json:"version"`
	Timestamp string   `json:"timestamp"`
	Details   *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	MemoryMB float64 `json:"memory_mb"`
	NumGC    uint32  `json:"num_gc"`
}

// Registry is the subset of *tunnel.Registry the health handler needs.
type Registry interface {
	Stats() tunnel.RegistryStats
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	registry  Registry
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(registry Registry, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		registry:  registry,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests.
// The daemon mounts this handler at /health on the control-plane listener,
// so monitoring tools can check process health without going through the
// public routing path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()

	if h.metrics != nil {
		h.metrics.RegistryTunnels.Set(float64(stats.Tunnels))
	}

	resp := Response{
		Status:    "ok",
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Tunnels:   stats.Tunnels,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			MemoryMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:    memStats.NumGC,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
