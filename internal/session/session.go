// Package session defines the passive carrier for one live WebSocket
// attached to a node.
package session

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Mode determines whether a Session passes raw bytes (Binary) or
// UTF-8-decoded strings (Text) across the WebSocket side.
type Mode int

const (
	Text Mode = iota
	Binary
)

func (m Mode) String() string {
	if m == Binary {
		return "binary"
	}
	return "text"
}

var nextID atomic.Uint64

// Session carries the attributes of one admitted WebSocket connection
// and its send side. It does not know about any other Session or about
// the Gateway's internals — it only exposes Send/Close.
type Session struct {
	ID         uint64
	User       string
	Site       string
	Experiment string
	Node       string
	Mode       Mode

	conn *websocket.Conn
}

// New constructs a Session over an already-accepted WebSocket connection.
func New(conn *websocket.Conn, user, site, experiment, node string, mode Mode) *Session {
	return &Session{
		ID:         nextID.Add(1),
		User:       user,
		Site:       site,
		Experiment: experiment,
		Node:       node,
		Mode:       mode,
		conn:       conn,
	}
}

// Send delivers a payload to the WebSocket peer. binary selects whether
// the frame is sent as a WS text or binary message.
func (s *Session) Send(ctx context.Context, payload []byte, binary bool) error {
	msgType := websocket.MessageText
	if binary {
		msgType = websocket.MessageBinary
	}
	return s.conn.Write(ctx, msgType, payload)
}

// Close initiates a server-side close of the underlying WebSocket.
func (s *Session) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// Conn exposes the underlying connection for the read pump that drives
// HandleWSMessage; it is not used by Gateway fan-out logic.
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}
