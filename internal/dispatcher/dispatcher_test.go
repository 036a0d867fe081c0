package dispatcher

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tunneld/tunneld/internal/tunnel"
)

type fakeRegistry struct {
	tunnels map[string]*tunnel.Tunnel
}

func (f *fakeRegistry) Get(id string) (*tunnel.Tunnel, bool) {
	t, ok := f.tunnels[id]
	return t, ok
}

func TestDispatcherMissingHostReturns400(t *testing.T) {
	h := NewHandler(&fakeRegistry{tunnels: map[string]*tunnel.Tunnel{}}, NewSubdomainExtractor(""), http.NotFoundHandler(), nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = ""
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDispatcherFallsThroughToControlPlane(t *testing.T) {
	called := false
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h := NewHandler(&fakeRegistry{tunnels: map[string]*tunnel.Tunnel{}}, NewSubdomainExtractor(""), fallback, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("fallback handler was not invoked for a bare registrable domain")
	}
}

func TestDispatcherUnknownTunnelReturns405(t *testing.T) {
	h := NewHandler(&fakeRegistry{tunnels: map[string]*tunnel.Tunnel{}}, NewSubdomainExtractor(""), http.NotFoundHandler(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://ghost.example.com/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestDispatcherRoutesToKnownTunnel(t *testing.T) {
	pool := tunnel.NewSocketPool(5, 10)
	pool.Start()
	tun := tunnel.New("known", pool)
	defer tun.Close()

	h := NewHandler(&fakeRegistry{tunnels: map[string]*tunnel.Tunnel{"known": tun}}, NewSubdomainExtractor(""), http.NotFoundHandler(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://known.example.com/", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	// No upstream socket available, HandleRequest returns 502 rather than
	// the dispatcher's own 405 — confirms the request was routed through.
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (routed but no upstream)", rec.Code)
	}
}
