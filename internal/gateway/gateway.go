// Package gateway implements the connection multiplexer: a registry of
// nodes to (NodeTcp, sessions), per-user counters, admission control,
// fan-out, and deterministic teardown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/iotlab-community/wsserialgw/internal/nodetcp"
	"github.com/iotlab-community/wsserialgw/internal/session"
)

// Limits bundles the fan-out caps from spec.md §4.5.
type Limits struct {
	MaxWSPerNode int
	MaxWSPerUser int
}

// DefaultLimits returns the spec's literal MAX_WS_PER_NODE=2,
// MAX_WS_PER_USER=10.
func DefaultLimits() Limits {
	return Limits{MaxWSPerNode: 2, MaxWSPerUser: 10}
}

// Metrics is the subset of observability hooks the Gateway calls into.
// The Metrics value itself is optional: a nil Metrics disables every call.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	NodeConnected()
	NodeConnectFailed(reason string, wasConnected bool)
	RateCapTripped()
	BytesForwarded(direction string, n int)
}

// Gateway is the multiplexer described in spec.md §4.5. Its three
// logical maps (sessions, tcp, userCount) are guarded by a single
// mutex: Go has no single-threaded event loop, so the cooperative
// scheduling the source relies on is replaced here with explicit
// locking around every mutation, matching the teacher's
// chatsync.ClientRegistry approach (lock, snapshot, unlock-then-write).
type Gateway struct {
	limits  Limits
	tcpCfg  nodetcp.Config
	metrics Metrics

	mu        sync.Mutex
	sessions  map[string][]*session.Session // node -> attach-ordered sessions
	tcp       map[string]*nodetcp.NodeTcp    // node -> connection
	userCount map[string]int                // user -> active session count
}

// New creates an empty Gateway.
func New(limits Limits, tcpCfg nodetcp.Config, metrics Metrics) *Gateway {
	return &Gateway{
		limits:    limits,
		tcpCfg:    tcpCfg,
		metrics:   metrics,
		sessions:  make(map[string][]*session.Session),
		tcp:       make(map[string]*nodetcp.NodeTcp),
		userCount: make(map[string]int),
	}
}

// Attach admits a newly-authenticated session. It enforces the
// per-node and per-user caps (node check first) before adding the
// session, and starts the node's TCP connection only once the session
// is actually added — the canonical ordering from spec.md §9 Open
// Question 1, rather than the source's start-then-maybe-reject order.
func (g *Gateway) Attach(ctx context.Context, s *session.Session) {
	n, u := s.Node, s.User

	g.mu.Lock()
	if len(g.sessions[n]) == g.limits.MaxWSPerNode {
		g.mu.Unlock()
		reason := fmt.Sprintf("Cannot open more than %d connections to node %s.", g.limits.MaxWSPerNode, n)
		s.Close(websocket.StatusNormalClosure, reason)
		return
	}
	if g.userCount[u] == g.limits.MaxWSPerUser {
		g.mu.Unlock()
		reason := fmt.Sprintf("Max number of connections (%d) reached for user %s on site %s.", g.limits.MaxWSPerUser, u, s.Site)
		s.Close(websocket.StatusNormalClosure, reason)
		return
	}

	firstForNode := len(g.sessions[n]) == 0
	g.userCount[u]++
	g.sessions[n] = append(g.sessions[n], s)

	var tc *nodetcp.NodeTcp
	if firstForNode {
		tc = nodetcp.New(n, g.tcpCfg)
		g.tcp[n] = tc
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SessionOpened()
	}

	if tc != nil {
		go tc.Start(ctx, g.handleTCPConnect, g.handleTCPData, g.handleTCPClose, g.handleRateCap)
	}
}

// Detach removes a session from its node's registry and decrements its
// user's counter. If it was the node's last session, the node's TCP
// connection is stopped (in whatever state it is in) and removed from
// the registry.
// Detach is idempotent: detaching a session not present is a no-op.
func (g *Gateway) Detach(s *session.Session) {
	n, u := s.Node, s.User

	g.mu.Lock()
	sessions := g.sessions[n]
	idx := -1
	for i, cur := range sessions {
		if cur == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		g.mu.Unlock()
		return
	}
	sessions = append(sessions[:idx], sessions[idx+1:]...)
	if len(sessions) == 0 {
		delete(g.sessions, n)
	} else {
		g.sessions[n] = sessions
	}

	if g.userCount[u] > 0 {
		g.userCount[u]--
	}
	if g.userCount[u] == 0 {
		delete(g.userCount, u)
	}

	var tc *nodetcp.NodeTcp
	if len(sessions) == 0 {
		tc = g.tcp[n]
		delete(g.tcp, n)
	}
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SessionClosed()
	}

	if tc != nil {
		// Stop unconditionally, even if the dial is still in flight:
		// NodeTcp itself tracks the stop request and tears down the
		// connection the moment it settles, so there's no Ready-only
		// gate here to leak a goroutine/socket behind.
		tc.Stop()
	}
}

// handleTCPConnect records a successful node TCP connection.
func (g *Gateway) handleTCPConnect(n string) {
	if g.metrics != nil {
		g.metrics.NodeConnected()
	}
}

// handleRateCap records a node's inbound byte-rate cap tripping, ahead of
// the connection teardown that follows via handleTCPClose.
func (g *Gateway) handleRateCap(n string) {
	if g.metrics != nil {
		g.metrics.RateCapTripped()
	}
}

// handleTCPData fans bytes received from a node to every attached
// session, in attach order. Text-mode sessions that can't decode the
// chunk as UTF-8 silently drop it; binary-mode sessions always receive
// the raw bytes.
func (g *Gateway) handleTCPData(n string, data []byte) {
	g.mu.Lock()
	sessions := append([]*session.Session(nil), g.sessions[n]...)
	g.mu.Unlock()

	ctx := context.Background()
	for _, s := range sessions {
		if s.Mode == session.Text {
			if !utf8.Valid(data) {
				continue
			}
			if err := s.Send(ctx, data, false); err != nil {
				slog.Debug("session send failed", "node", n, "session", s.ID, "error", err)
				continue
			}
		} else {
			if err := s.Send(ctx, data, true); err != nil {
				slog.Debug("session send failed", "node", n, "session", s.ID, "error", err)
				continue
			}
		}
		if g.metrics != nil {
			g.metrics.BytesForwarded("tcp_to_ws", len(data))
		}
	}
}

// handleTCPClose closes every session attached to a node with the
// given reason, then removes the node's TCP entry. Session detachment
// bookkeeping happens when each WS's close observer calls Detach.
func (g *Gateway) handleTCPClose(n string, reason string) {
	g.mu.Lock()
	sessions := append([]*session.Session(nil), g.sessions[n]...)
	wasConnected := false
	if tc, ok := g.tcp[n]; ok {
		wasConnected = !tc.ConnectedSince().IsZero()
	}
	delete(g.tcp, n)
	g.mu.Unlock()

	if g.metrics != nil && reason != "" {
		g.metrics.NodeConnectFailed(reason, wasConnected)
	}

	for _, s := range sessions {
		s.Close(websocket.StatusNormalClosure, reason)
	}
}

// HandleWSMessage forwards a message received from a session's
// WebSocket to the node's TCP connection, or — if no TCP connection is
// open yet — informs the session that the message was dropped.
// A binary frame arriving on a text-mode session is ignored (no
// forwarding, no error): text-mode sessions only ever send/receive
// UTF-8.
func (g *Gateway) HandleWSMessage(s *session.Session, payload []byte, binary bool) {
	if s.Mode == session.Text && binary {
		return
	}

	g.mu.Lock()
	tc := g.tcp[s.Node]
	g.mu.Unlock()

	if tc != nil && tc.State() == nodetcp.Ready {
		tc.Send(payload)
		if g.metrics != nil {
			g.metrics.BytesForwarded("ws_to_tcp", len(payload))
		}
		return
	}

	msg := fmt.Sprintf("No TCP connection opened, cannot send message '%s'.\n", string(payload))
	s.Send(context.Background(), []byte(msg), false)
}

// Stop closes every attached session with the shutdown close code and
// reason. Detach bookkeeping runs as each WS's close observer fires.
func (g *Gateway) Stop() {
	g.mu.Lock()
	var all []*session.Session
	for _, sessions := range g.sessions {
		all = append(all, sessions...)
	}
	g.mu.Unlock()

	for _, s := range all {
		s.Close(websocket.StatusGoingAway, "server is restarting")
	}
}

// Snapshot describes the gateway's registry state for the admin API
// and health checks.
type Snapshot struct {
	Nodes map[string]NodeSnapshot
	Users map[string]int
}

// NodeSnapshot describes one node's current attachment state.
type NodeSnapshot struct {
	SessionCount   int
	TCPState       string
	BytesReceived  int64
	BytesSent      int64
	ConnectedSince time.Time // zero if the TCP connection never became ready
}

// Snapshot returns a point-in-time copy of the gateway's registries.
func (g *Gateway) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		Nodes: make(map[string]NodeSnapshot, len(g.sessions)),
		Users: make(map[string]int, len(g.userCount)),
	}
	for n, sessions := range g.sessions {
		ns := NodeSnapshot{SessionCount: len(sessions)}
		if tc, ok := g.tcp[n]; ok {
			ns.TCPState = tc.State().String()
			ns.BytesReceived = tc.BytesReceived()
			ns.BytesSent = tc.BytesSent()
			ns.ConnectedSince = tc.ConnectedSince()
		}
		snap.Nodes[n] = ns
	}
	for u, c := range g.userCount {
		snap.Users[u] = c
	}
	return snap
}

// ActiveSessionCount returns the total number of attached sessions
// across all nodes.
func (g *Gateway) ActiveSessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, sessions := range g.sessions {
		total += len(sessions)
	}
	return total
}

// ActiveNodeCount returns the number of nodes with at least one
// attached session.
func (g *Gateway) ActiveNodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
