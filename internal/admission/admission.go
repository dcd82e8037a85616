// Package admission validates incoming WebSocket upgrade requests —
// path shape, subprotocol contract, token, and node membership — before
// handing an authenticated Session to the Gateway.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/iotlab-community/wsserialgw/internal/gateway"
	"github.com/iotlab-community/wsserialgw/internal/nodeapi"
	"github.com/iotlab-community/wsserialgw/internal/security"
	"github.com/iotlab-community/wsserialgw/internal/session"
)

var (
	siteRe = regexp.MustCompile(`^[a-z0-9_-]+$`)
	expRe  = regexp.MustCompile(`^[0-9]+$`)
	nodeRe = regexp.MustCompile(`^[a-z0-9]+-?[a-z0-9]*-?[0-9]*$`)
)

// Metrics is the subset of observability hooks Admission calls into.
type Metrics interface {
	AdmissionRejected(reason string)
}

// Handler is the HTTP handler that validates and accepts WebSocket
// upgrades, then attaches the resulting Session to a Gateway.
type Handler struct {
	API     nodeapi.AuthApi
	Gateway *gateway.Gateway
	Metrics Metrics

	// AllowedNetworks, if non-empty, restricts admission to client IPs
	// within one of these CIDR ranges.
	AllowedNetworks []*net.IPNet

	// RateLimiter, if non-nil, throttles handshake attempts per client IP.
	RateLimiter *security.RateLimiter

	// HandshakeTimeout bounds the token/node REST round-trip. Zero
	// disables the timeout (the spec makes this optional).
	HandshakeTimeout time.Duration

	// ShutdownCtx is the parent context for attached sessions' lifetime.
	ShutdownCtx context.Context
}

type parsedPath struct {
	site       string
	experiment string
	node       string
	mode       session.Mode
}

// parsePath extracts (site, experiment, node, mode) from the trailing
// 3 (text) or 4 (binary) path segments, per spec.md §4.4 step 1.
// Earlier segments are ignored.
func parsePath(path string) (parsedPath, error) {
	segs := strings.Split(strings.Trim(path, "/"), "/")

	var site, experiment, node string
	var mode session.Mode

	if len(segs) >= 2 && segs[len(segs)-1] == "raw" && segs[len(segs)-2] == "serial" {
		if len(segs) < 5 {
			return parsedPath{}, errors.New("path too short for binary mode")
		}
		rest := segs[:len(segs)-2]
		site, experiment, node = rest[len(rest)-3], rest[len(rest)-2], rest[len(rest)-1]
		mode = session.Binary
	} else if len(segs) >= 1 && segs[len(segs)-1] == "serial" {
		if len(segs) < 4 {
			return parsedPath{}, errors.New("path too short for text mode")
		}
		rest := segs[:len(segs)-1]
		site, experiment, node = rest[len(rest)-3], rest[len(rest)-2], rest[len(rest)-1]
		mode = session.Text
	} else {
		return parsedPath{}, errors.New("path does not end in serial or serial/raw")
	}

	if site == "" || !siteRe.MatchString(site) {
		return parsedPath{}, fmt.Errorf("invalid site %q", site)
	}
	if experiment == "" || !expRe.MatchString(experiment) {
		return parsedPath{}, fmt.Errorf("invalid experiment %q", experiment)
	}
	if node == "" || !nodeRe.MatchString(node) {
		return parsedPath{}, fmt.Errorf("invalid node %q", node)
	}

	return parsedPath{site: site, experiment: experiment, node: node, mode: mode}, nil
}

func (h *Handler) networkAllowed(r *http.Request) bool {
	if len(h.AllowedNetworks) == 0 {
		return true
	}
	return security.IsAllowedNetwork(r.RemoteAddr, h.AllowedNetworks)
}

func (h *Handler) reject(w http.ResponseWriter, reason, status, body string) {
	if h.Metrics != nil {
		h.Metrics.AdmissionRejected(reason)
	}
	http.Error(w, body, statusCode(status))
}

func statusCode(s string) int {
	switch s {
	case "401":
		return http.StatusUnauthorized
	case "404":
		return http.StatusNotFound
	case "429":
		return http.StatusTooManyRequests
	case "403":
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// ServeHTTP implements the admission flow of spec.md §4.4 steps 1–6.
// It is mounted directly as the gateway listener's handler, with no
// router in front of it, so it parses the path itself and answers a
// malformed path with 404.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := security.ExtractClientIP(r.RemoteAddr)

	if !h.networkAllowed(r) {
		slog.Warn("rejected connection from disallowed network", "client_ip", ip)
		h.reject(w, "network_disallowed", "403", "Forbidden")
		return
	}

	if h.RateLimiter != nil && !h.RateLimiter.Allow(ip) {
		slog.Warn("admission rate limit exceeded", "client_ip", ip)
		h.reject(w, "rate_limited", "429", "Too Many Requests")
		return
	}

	pp, err := parsePath(r.URL.Path)
	if err != nil {
		slog.Debug("rejected connection: bad path", "path", r.URL.Path, "error", err)
		http.NotFound(w, r)
		return
	}

	subprotocols := splitSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))
	if len(subprotocols) != 3 || strings.TrimSpace(subprotocols[1]) != "token" {
		slog.Warn("rejected websocket connection: invalid subprotocols", "client_ip", ip)
		h.reject(w, "invalid_subprotocols", "401", "Invalid subprotocols")
		return
	}
	user := strings.TrimSpace(subprotocols[0])
	reqToken := strings.TrimSpace(subprotocols[2])

	ctx := r.Context()
	var cancel context.CancelFunc
	if h.HandshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.HandshakeTimeout)
		defer cancel()
	}

	apiToken, err := h.API.FetchToken(ctx, pp.experiment)
	if err != nil {
		slog.Warn("token fetch failed", "experiment", pp.experiment, "error", err)
		h.reject(w, "api_error", "401", "Invalid token '"+reqToken+"'")
		return
	}
	if !security.TokenMatch(reqToken, apiToken) {
		slog.Warn("rejected websocket connection: invalid token", "client_ip", ip, "user", user)
		h.reject(w, "invalid_token", "401", "Invalid token '"+reqToken+"'")
		return
	}

	nodes, err := h.API.FetchNodes(ctx, pp.experiment)
	if err != nil {
		slog.Warn("node list fetch failed", "experiment", pp.experiment, "error", err)
		h.reject(w, "api_error", "401", "Invalid node")
		return
	}
	if !nodeInList(nodes, pp.node, pp.site) {
		slog.Warn("rejected websocket connection: invalid node", "node", pp.node, "site", pp.site, "experiment", pp.experiment)
		h.reject(w, "invalid_node", "401", "Invalid node")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{"token"},
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	s := session.New(conn, user, pp.site, pp.experiment, pp.node, pp.mode)
	slog.Info("websocket connection admitted", "user", user, "site", pp.site, "experiment", pp.experiment, "node", pp.node, "mode", pp.mode.String())

	h.Gateway.Attach(h.ShutdownCtx, s)
	go h.readPump(s)
}

// readPump drives a single session's WebSocket read loop until it
// closes, forwarding each message to the Gateway and detaching the
// session on exit.
func (h *Handler) readPump(s *session.Session) {
	defer h.Gateway.Detach(s)

	for {
		msgType, data, err := s.Conn().Read(h.ShutdownCtx)
		if err != nil {
			slog.Info("websocket connection closed", "node", s.Node, "session", s.ID, "error", err)
			return
		}

		var payload []byte
		switch {
		case s.Mode == session.Text && msgType == websocket.MessageText:
			payload = data
		case s.Mode == session.Binary:
			payload = data
		default:
			// Binary frame on a text-mode session: ignored. Binary-mode
			// sessions forward text and binary frames alike.
			continue
		}
		h.Gateway.HandleWSMessage(s, payload, msgType == websocket.MessageBinary)
	}
}

func splitSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	return strings.Split(header, ",")
}

func nodeInList(nodes []string, node, site string) bool {
	for _, entry := range nodes {
		idx := strings.Index(entry, ".")
		if idx < 0 {
			continue
		}
		nodePart, sitePart := entry[:idx], entry[idx+1:]
		if nodePart == node && sitePart == site {
			return true
		}
	}
	return false
}
