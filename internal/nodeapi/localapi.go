package nodeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
)

// LocalAuthApi is an in-process AuthApi backed by a fixed token and a
// fixed node list, for self-contained operation without an external
// REST API.
type LocalAuthApi struct {
	Token string
	Nodes []string
}

// NewLocalAuthApi builds a LocalAuthApi. If nodes is empty, it defaults
// to ["localhost.local"] to match the reference implementation's
// built-in stub.
func NewLocalAuthApi(token string, nodes []string) *LocalAuthApi {
	if len(nodes) == 0 {
		nodes = []string{"localhost.local"}
	}
	return &LocalAuthApi{Token: token, Nodes: nodes}
}

func (a *LocalAuthApi) FetchToken(ctx context.Context, experiment string) (string, error) {
	return a.Token, nil
}

func (a *LocalAuthApi) FetchNodes(ctx context.Context, experiment string) ([]string, error) {
	return a.Nodes, nil
}

var experimentIDPattern = regexp.MustCompile(`^[0-9]+$`)

// LocalAPIHandler serves a LocalAuthApi's token and node list over HTTP,
// in the same shape as the testbed REST API, so that HTTP clients can
// query it (LocalAuthApi's own FetchToken/FetchNodes answer in-process
// and do not go through it). The gateway mounts it when
// api.use_local_api is set.
// Routes: GET /api/experiments/<experiment>/token and
// GET /api/experiments/<experiment>/ (empty resource).
type LocalAPIHandler struct {
	api *LocalAuthApi
}

// NewLocalAPIHandler wraps a LocalAuthApi as an http.Handler.
func NewLocalAPIHandler(api *LocalAuthApi) *LocalAPIHandler {
	return &LocalAPIHandler{api: api}
}

func (h *LocalAPIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/experiments/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	experiment := parts[0]
	resource := ""
	if len(parts) == 2 {
		resource = parts[1]
	}

	if !experimentIDPattern.MatchString(experiment) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	switch resource {
	case "token":
		if h.api.Token == "" {
			http.Error(w, "No internal token set", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": h.api.Token})
	case "":
		json.NewEncoder(w).Encode(map[string][]string{"nodes": h.api.Nodes})
	default:
		http.Error(w, "Invalid resource '"+resource+"'", http.StatusNotFound)
	}
}
