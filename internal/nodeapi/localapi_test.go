package nodeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewLocalAuthApiDefaultsNodes(t *testing.T) {
	a := NewLocalAuthApi("tok", nil)
	if len(a.Nodes) != 1 || a.Nodes[0] != "localhost.local" {
		t.Errorf("Nodes = %v, want [localhost.local]", a.Nodes)
	}
}

func TestNewLocalAuthApiKeepsProvidedNodes(t *testing.T) {
	a := NewLocalAuthApi("tok", []string{"m3-1.grenoble"})
	if len(a.Nodes) != 1 || a.Nodes[0] != "m3-1.grenoble" {
		t.Errorf("Nodes = %v, want [m3-1.grenoble]", a.Nodes)
	}
}

func TestLocalAuthApiFetchTokenAndNodes(t *testing.T) {
	a := NewLocalAuthApi("secret", []string{"m3-1.grenoble", "m3-2.grenoble"})

	tok, err := a.FetchToken(context.Background(), "1")
	if err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	if tok != "secret" {
		t.Errorf("token = %q, want %q", tok, "secret")
	}

	nodes, err := a.FetchNodes(context.Background(), "1")
	if err != nil {
		t.Fatalf("FetchNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("nodes = %v, want 2 entries", nodes)
	}
}

func TestLocalAPIHandlerServesToken(t *testing.T) {
	api := NewLocalAuthApi("secret-tok", []string{"m3-1.grenoble"})
	h := NewLocalAPIHandler(api)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/experiments/42/token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Token != "secret-tok" {
		t.Errorf("token = %q, want %q", payload.Token, "secret-tok")
	}
}

func TestLocalAPIHandlerServesNodes(t *testing.T) {
	api := NewLocalAuthApi("tok", []string{"m3-1.grenoble", "m3-2.grenoble"})
	h := NewLocalAPIHandler(api)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/experiments/42/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var payload struct {
		Nodes []string `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Nodes) != 2 {
		t.Errorf("nodes = %v, want 2 entries", payload.Nodes)
	}
}

func TestLocalAPIHandlerRejectsMissingToken(t *testing.T) {
	api := NewLocalAuthApi("", []string{"m3-1.grenoble"})
	h := NewLocalAPIHandler(api)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/experiments/42/token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestLocalAPIHandlerRejectsInvalidResource(t *testing.T) {
	api := NewLocalAuthApi("tok", []string{"m3-1.grenoble"})
	h := NewLocalAPIHandler(api)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/experiments/42/bogus")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestLocalAPIHandlerRejectsNonNumericExperiment(t *testing.T) {
	api := NewLocalAuthApi("tok", []string{"m3-1.grenoble"})
	h := NewLocalAPIHandler(api)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/experiments/not-a-number/token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestLocalAPIHandlerRejectsUnknownPrefix(t *testing.T) {
	api := NewLocalAuthApi("tok", []string{"m3-1.grenoble"})
	h := NewLocalAPIHandler(api)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/not/the/api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
