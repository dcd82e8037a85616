package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iotlab-community/wsserialgw/internal/gateway"
	"github.com/iotlab-community/wsserialgw/internal/nodetcp"
)

func newTestGateway() *gateway.Gateway {
	return gateway.New(gateway.DefaultLimits(), nodetcp.DefaultConfig(), nil)
}

func TestHealthHandler_Healthy(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	h := NewHandler(newTestGateway(), api.URL, "test-version", true)

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
	if !resp.APIReachable {
		t.Error("api_reachable should be true")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.ActiveSessions != 0 {
		t.Errorf("active_sessions = %d, want 0", resp.ActiveSessions)
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_APIDown(t *testing.T) {
	h := NewHandler(newTestGateway(), "http://127.0.0.1:1", "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.APIReachable {
		t.Error("api_reachable should be false")
	}
	if resp.Details != nil {
		t.Error("details should be nil when detailed=false")
	}
}

func TestHealthHandler_LocalAPIAlwaysReachable(t *testing.T) {
	h := NewHandler(newTestGateway(), "", "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.APIReachable {
		t.Error("empty probeURL (local API) should always report reachable")
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
}

func TestHealthHandler_API4xx(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer api.Close()

	h := NewHandler(newTestGateway(), api.URL, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if !resp.APIReachable {
		t.Error("api returning 4xx should still be reachable")
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
}
