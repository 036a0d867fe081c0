package dispatcher

import (
	"net/http"
	"strings"

	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// Registry is the subset of *tunnel.Registry the dispatcher needs, kept as
// an interface so tests can stand in a fake.
type Registry interface {
	Get(id string) (*tunnel.Tunnel, bool)
}

// Handler is the public-facing HTTP handler: extract the Host header,
// compute a tunnel id, look it up, and delegate to the tunnel's
// HandleRequest/HandleUpgrade. Any host that doesn't resolve to a tunnel
// id falls through to Fallback, the control-plane handler.
type Handler struct {
	Registry  Registry
	Extractor SubdomainExtractor
	Fallback  http.Handler
	Metrics   *metrics.Metrics // optional, nil if metrics disabled
}

// NewHandler constructs a dispatcher Handler.
func NewHandler(registry Registry, extractor SubdomainExtractor, fallback http.Handler, m *metrics.Metrics) *Handler {
	return &Handler{
		Registry:  registry,
		Extractor: extractor,
		Fallback:  fallback,
		Metrics:   m,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	if host == "" {
		http.Error(w, "Host header is required", http.StatusBadRequest)
		return
	}

	id, ok := h.Extractor(host)
	if !ok {
		h.Fallback.ServeHTTP(w, r)
		return
	}

	tun, ok := h.Registry.Get(id)
	if !ok {
		http.Error(w, "405", http.StatusMethodNotAllowed)
		return
	}

	if isWebSocketUpgrade(r) {
		if h.Metrics != nil {
			h.Metrics.UpgradeStreamsTotal.Inc()
		}
		tun.HandleUpgrade(w, r)
		return
	}

	if h.Metrics != nil {
		h.Metrics.HTTPRequestsTotal.Inc()
	}
	tun.HandleRequest(w, r)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
