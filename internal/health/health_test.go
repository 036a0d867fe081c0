package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tunneld/tunneld/internal/tunnel"
)

type fakeRegistry struct {
	stats tunnel.RegistryStats
}

func (f *fakeRegistry) Stats() tunnel.RegistryStats {
	return f.stats
}

func TestHealthHandlerBasic(t *testing.T) {
	h := NewHandler(&fakeRegistry{stats: tunnel.RegistryStats{Tunnels: 3}}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Tunnels != 3 {
		t.Errorf("tunnels = %d, want 3", resp.Tunnels)
	}
	if resp.Details != nil {
		t.Error("details should be nil when detailed is false")
	}
}

func TestHealthHandlerDetailed(t *testing.T) {
	h := NewHandler(&fakeRegistry{stats: tunnel.RegistryStats{Tunnels: 1}}, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.Details == nil {
		t.Fatal("details should not be nil when detailed is true")
	}
	if resp.Details.MemoryMB <= 0 {
		t.Error("memory_mb should be positive")
	}
}

func TestHealthHandlerNoTunnels(t *testing.T) {
	h := NewHandler(&fakeRegistry{}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Tunnels != 0 {
		t.Errorf("tunnels = %d, want 0", resp.Tunnels)
	}
}
