// Package nodeapi talks to the testbed's REST API for experiment
// authentication: the expected token and the node list for an
// experiment. It also provides an in-process stand-in implementation
// for self-contained operation.
package nodeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ApiError wraps a failure talking to the REST API. StatusHint carries
// the caller's best guess at which HTTP status an admission failure
// caused by this error should surface as.
type ApiError struct {
	Op         string
	StatusHint int
	Err        error
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("nodeapi: %s: %v", e.Op, e.Err)
}

func (e *ApiError) Unwrap() error { return e.Err }

// AuthApi fetches the expected token and node list for an experiment.
// Implementations must be safe for concurrent use.
type AuthApi interface {
	FetchToken(ctx context.Context, experiment string) (string, error)
	FetchNodes(ctx context.Context, experiment string) ([]string, error)
}

// HTTPAuthApi is the production AuthApi implementation: it calls out to
// a REST API at <protocol>://<host>:<port>/api/experiments/<experiment>/...
type HTTPAuthApi struct {
	Protocol string
	Host     string
	Port     int
	Username string
	Password string

	client *http.Client
}

// NewHTTPAuthApi builds an HTTPAuthApi. proxyURL, if non-empty, is used
// to route all requests through an HTTP proxy; it is configured on a
// private transport held by this instance, never on the process-global
// http.DefaultTransport, so multiple gateways (or tests) in one process
// never clobber each other's proxy settings.
func NewHTTPAuthApi(protocol, host string, port int, username, password, proxyURL string) (*HTTPAuthApi, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("nodeapi: invalid http_proxy %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &HTTPAuthApi{
		Protocol: protocol,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		client:   &http.Client{Transport: transport},
	}, nil
}

func (a *HTTPAuthApi) baseURL() string {
	return fmt.Sprintf("%s://%s:%d/api/experiments", a.Protocol, a.Host, a.Port)
}

func (a *HTTPAuthApi) get(ctx context.Context, experiment, resource string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/%s/%s", a.baseURL(), experiment, resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &ApiError{Op: "build request", StatusHint: http.StatusInternalServerError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Username != "" && a.Password != "" {
		req.SetBasicAuth(a.Username, a.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &ApiError{Op: "request " + resource, StatusHint: http.StatusUnauthorized, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ApiError{Op: "read response", StatusHint: http.StatusUnauthorized, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &ApiError{
			Op:         resource,
			StatusHint: http.StatusUnauthorized,
			Err:        fmt.Errorf("api returned status %d", resp.StatusCode),
		}
	}
	return body, nil
}

// FetchToken fetches the expected token for an experiment.
func (a *HTTPAuthApi) FetchToken(ctx context.Context, experiment string) (string, error) {
	body, err := a.get(ctx, experiment, "token")
	if err != nil {
		return "", err
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &ApiError{Op: "decode token", StatusHint: http.StatusUnauthorized, Err: err}
	}
	return payload.Token, nil
}

// FetchNodes fetches the "<node>.<site>" list for an experiment.
func (a *HTTPAuthApi) FetchNodes(ctx context.Context, experiment string) ([]string, error) {
	body, err := a.get(ctx, experiment, "")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Nodes []string `json:"nodes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ApiError{Op: "decode nodes", StatusHint: http.StatusUnauthorized, Err: err}
	}
	return payload.Nodes, nil
}
