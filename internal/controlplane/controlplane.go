// Package controlplane implements the fixed HTTP route table that manages
// tunnel lifecycle: status, per-tunnel status, deletion, and creation
// (random or client-proposed id), plus the landing-page redirect.
package controlplane

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"strings"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"time"

	"github.com/tunneld/tunneld/internal/logring"
	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/security"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// idPattern constrains client-proposed tunnel ids to DNS-label-safe
// lowercase alphanumerics and hyphens.
var idPattern = regexp.MustCompile(`^(?:[a-z0-9][a-z0-9-]{4,63}[a-z0-9]|[a-z0-9]{4,63})$`)

// Registry is the subset of *tunnel.Registry the control plane needs.
type Registry interface {
	Get(id string) (*tunnel.Tunnel, bool)
	Has(id string) bool
	Create(id string, maxClientSockets int) (tunnel.CreateResult, error)
	Remove(id string)
	Stats() tunnel.RegistryStats
}

// Handler serves the control-plane route table: tunnel status, deletion,
// creation, and the landing-page redirect.
type Handler struct {
	Registry         Registry
	MaxClientSockets int
	Secure           bool
	LandingURL       string
	RateLimiter      *security.RateLimiter // optional, nil disables creation rate limiting
	Metrics          *metrics.Metrics      // optional, nil if metrics disabled
	LogRing          *logring.RingBuffer   // optional, nil disables /api/logs

	mux *http.ServeMux
}

// NewHandler builds the control-plane ServeMux.
func NewHandler(registry Registry, maxClientSockets int, secure bool, landingURL string, rl *security.RateLimiter, m *metrics.Metrics, ring *logring.RingBuffer) *Handler {
	h := &Handler{
		Registry:         registry,
		MaxClientSockets: maxClientSockets,
		Secure:           secure,
		LandingURL:       landingURL,
		RateLimiter:      rl,
		Metrics:          m,
		LogRing:          ring,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/tunnels/{id}/status", h.handleTunnelStatus)
	mux.HandleFunc("DELETE /api/tunnels/{id}", h.handleDelete)
	if ring != nil {
		mux.HandleFunc("GET /api/logs", h.handleLogs)
	}
	mux.HandleFunc("GET /{id}", h.handleRoot)
	mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux = mux

	return h
}

// handleLogs serves the most recent entries from the admin log ring buffer,
// optionally filtered by ?level= and bounded by ?limit= (default 100).
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := parseLevel(r.URL.Query().Get("level"))

	entries := h.LogRing.Entries(limit, minLevel, time.Time{})
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	h.recordStatus("/api/logs", http.StatusOK)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) recordStatus(route string, code int) {
	if h.Metrics == nil {
		return
	}
	class := "2xx"
	switch {
	case code >= 500:
		class = "5xx"
	case code >= 400:
		class = "4xx"
	case code >= 300:
		class = "3xx"
	}
	h.Metrics.ControlPlaneRequestsTotal.WithLabelValues(route, class).Inc()
}

type statusResponse struct {
	Tunnels int     `json:"tunnels"`
	MemMB   float64 `json:"mem"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, statusResponse{
		Tunnels: h.Registry.Stats().Tunnels,
		MemMB:   float64(mem.Alloc) / 1024 / 1024,
	})
	h.recordStatus("/api/status", http.StatusOK)
}

type tunnelStatusResponse struct {
	ConnectedSockets int `json:"connected_sockets"`
}

func (h *Handler) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tun, ok := h.Registry.Get(id)
	if !ok {
		http.Error(w, "405", http.StatusMethodNotAllowed)
		h.recordStatus("/api/tunnels/:id/status", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, tunnelStatusResponse{
		ConnectedSockets: tun.Stats().ConnectedSockets,
	})
	h.recordStatus("/api/tunnels/:id/status", http.StatusOK)
}

type deleteResponse struct {
	DeletedClientID string `json:"deletedClientId"`
}

// handleDelete returns 405 for an unknown id, matching
// handleTunnelStatus's convention for "id has no live tunnel" rather than
// the 404 some localtunnel-server deployments return.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.Registry.Has(id) {
		http.Error(w, "405", http.StatusMethodNotAllowed)
		h.recordStatus("/api/tunnels/:id", http.StatusMethodNotAllowed)
		return
	}

	h.Registry.Remove(id)
	writeJSON(w, http.StatusOK, deleteResponse{DeletedClientID: id})
	h.recordStatus("/api/tunnels/:id", http.StatusOK)
}

// handleRoot serves all three remaining GET routes: "/" with ?new
// (random id creation), "/" with no query (landing redirect), and
// "/<id>" (client-proposed id creation).
func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if id == "" {
		if _, hasNew := r.URL.Query()["new"]; hasNew {
			h.createTunnel(w, r, randomID())
			return
		}
		http.Redirect(w, r, h.LandingURL, http.StatusFound)
		h.recordStatus("/", http.StatusFound)
		return
	}

	if !idPattern.MatchString(id) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"message": "Invalid subdomain. Subdomains must be lowercase and between 4 and 63 alphanumeric characters.",
		})
		h.recordStatus("/<id>", http.StatusForbidden)
		return
	}

	h.createTunnel(w, r, id)
}

type createResponse struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

func (h *Handler) createTunnel(w http.ResponseWriter, r *http.Request, id string) {
	if h.RateLimiter != nil {
		clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			clientIP = r.RemoteAddr
		}
		if !h.RateLimiter.Allow(clientIP) {
			slog.Warn("controlplane: tunnel creation rate limit exceeded", "client_ip", clientIP)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			h.recordStatus("/<id>", http.StatusTooManyRequests)
			return
		}
	}

	res, err := h.Registry.Create(id, h.MaxClientSockets)
	if err != nil {
		slog.Error("controlplane: tunnel creation failed", "id", id, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		h.recordStatus("/<id>", http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if h.Secure {
		scheme = "https"
	}

	writeJSON(w, http.StatusOK, createResponse{
		ID:           res.ID,
		Port:         res.Port,
		MaxConnCount: res.MaxConnCount,
		URL:          scheme + "://" + res.ID + "." + r.Host,
	})
	h.recordStatus("/<id>", http.StatusOK)
}

// randomID generates a server-assigned tunnel id: 10 lowercase hex
// characters.
func randomID() string {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing indicates a broken host entropy source;
		// fall back to a time-derived id rather than panic the request.
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:10]
	}
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
