// Package nodetcp manages the single TCP connection the gateway keeps
// open to each testbed node, fanning out received bytes via a callback
// and enforcing a per-node inbound byte-rate cap.
package nodetcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a NodeTcp connection.
type State int

const (
	Connecting State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	default:
		return "closed"
	}
}

// Config bundles the tunable constants from spec.md §6, defaulted to
// the spec's literal values by DefaultConfig.
type Config struct {
	Port              int
	ChunkSize         int
	CheckPeriod       time.Duration
	MaxBytesPerPeriod int64
}

// DefaultConfig returns the spec's literal constants:
// NODE_TCP_PORT=20000, CHUNK_SIZE=1024, CHECK_PERIOD=1s,
// MAX_BYTES_PER_PERIOD=15000.
func DefaultConfig() Config {
	return Config{
		Port:              20000,
		ChunkSize:         1024,
		CheckPeriod:       time.Second,
		MaxBytesPerPeriod: 15000,
	}
}

// OnConnect is invoked once the TCP connection to the node is ready.
type OnConnect func(node string)

// OnData is invoked with each chunk read from the node, in arrival order.
type OnData func(node string, data []byte)

// OnClose is invoked exactly once when the connection terminates, with
// a human-readable reason.
type OnClose func(node string, reason string)

// OnRateCap is invoked when the inbound byte-rate cap trips, just before
// the connection is torn down and OnClose fires.
type OnRateCap func(node string)

// NodeTcp owns one TCP connection to a node.
type NodeTcp struct {
	Node string
	cfg  Config

	mu            sync.Mutex
	state         State
	conn          net.Conn
	stopRequested bool // set by Stop() while the dial is still in flight

	onConnect OnConnect
	onData    OnData
	onClose   OnClose
	onRateCap OnRateCap
	closeMu   sync.Once

	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	connectedSince atomic.Int64 // unix nanos, 0 if never connected

	dialer func(network, address string) (net.Conn, error)
}

// New creates a NodeTcp for node, not yet connected.
func New(node string, cfg Config) *NodeTcp {
	return &NodeTcp{
		Node:   node,
		cfg:    cfg,
		state:  Connecting,
		dialer: net.Dial,
	}
}

// State returns the current connection state.
func (t *NodeTcp) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BytesReceived returns the lifetime count of bytes read from the node.
func (t *NodeTcp) BytesReceived() int64 { return t.bytesReceived.Load() }

// BytesSent returns the lifetime count of bytes written to the node.
func (t *NodeTcp) BytesSent() int64 { return t.bytesSent.Load() }

// ConnectedSince returns the time the TCP connection became ready, or
// the zero Time if it never did.
func (t *NodeTcp) ConnectedSince() time.Time {
	ns := t.connectedSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start opens the TCP connection to (node, cfg.Port). On failure it
// invokes onClose with a descriptive reason and returns without
// starting a reader. On success it spawns an independent reader
// goroutine. Start does not block past the dial: it returns once the
// connection attempt settles.
func (t *NodeTcp) Start(ctx context.Context, onConnect OnConnect, onData OnData, onClose OnClose, onRateCap OnRateCap) {
	t.onConnect = onConnect
	t.onData = onData
	t.onClose = onClose
	t.onRateCap = onRateCap

	addr := fmt.Sprintf("%s:%d", t.Node, t.cfg.Port)
	slog.Debug("opening tcp connection to node", "node", t.Node, "addr", addr)

	conn, err := t.dialer("tcp", addr)
	if err != nil {
		slog.Warn("cannot open tcp connection to node", "node", t.Node, "error", err)
		t.mu.Lock()
		t.state = Closed
		t.mu.Unlock()
		t.fireClose(fmt.Sprintf("Cannot connect to node %s", t.Node))
		return
	}

	t.mu.Lock()
	if t.stopRequested {
		// Detach arrived while the dial was in flight: nothing ever
		// observed this connection as Ready, so tear it down here
		// instead of handing it a readLoop goroutine nobody can stop.
		t.state = Closed
		t.mu.Unlock()
		conn.Close()
		slog.Debug("tcp connection stopped before it became ready", "node", t.Node, "addr", addr)
		t.fireClose(fmt.Sprintf("Connection to %s is closed", t.Node))
		return
	}
	t.conn = conn
	t.state = Ready
	t.mu.Unlock()
	t.connectedSince.Store(time.Now().UnixNano())
	slog.Debug("tcp connection ready", "node", t.Node, "addr", addr)
	if t.onConnect != nil {
		t.onConnect(t.Node)
	}

	go t.readLoop()
}

// Send writes data to the TCP side iff the connection is ready;
// otherwise the write is silently dropped — the caller (Gateway) is
// responsible for informing the WS client.
func (t *NodeTcp) Send(data []byte) {
	t.mu.Lock()
	ready := t.state == Ready
	conn := t.conn
	t.mu.Unlock()
	if !ready || conn == nil {
		return
	}
	n, err := conn.Write(data)
	if err != nil {
		slog.Debug("tcp write failed", "node", t.Node, "error", err)
		return
	}
	t.bytesSent.Add(int64(n))
}

// Stop tears down the connection regardless of its current lifecycle
// state. If it's Ready, the socket is closed immediately. If the dial
// is still in flight (Connecting), Stop only marks stopRequested: Start
// notices the flag right after the dial settles and closes the
// just-opened socket there instead of proceeding to Ready, so a detach
// racing the connect never leaks the socket or its reader goroutine.
func (t *NodeTcp) Stop() {
	t.mu.Lock()
	t.stopRequested = true
	if t.state != Ready {
		t.mu.Unlock()
		return
	}
	t.state = Closed
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *NodeTcp) fireClose(reason string) {
	t.closeMu.Do(func() {
		if t.onClose != nil {
			t.onClose(t.Node, reason)
		}
	})
}

// readLoop repeatedly reads up to cfg.ChunkSize bytes and dispatches
// them via onData, enforcing the fixed-window byte-rate cap: every
// CheckPeriod, if more than MaxBytesPerPeriod bytes arrived, the
// connection is torn down with a "sending too fast" reason. The
// counter and window are reset every period regardless of whether the
// cap was exceeded.
func (t *NodeTcp) readLoop() {
	slog.Debug("listening to tcp connection", "node", t.Node)
	buf := make([]byte, t.cfg.ChunkSize)
	var received int64
	windowStart := time.Now()

	for {
		n, err := t.readSome(buf)
		if err != nil {
			t.mu.Lock()
			t.state = Closed
			t.mu.Unlock()
			t.fireClose(fmt.Sprintf("Connection to %s is closed", t.Node))
			slog.Info("tcp connection closed", "node", t.Node)
			return
		}

		received += int64(n)
		t.bytesReceived.Add(int64(n))

		if time.Since(windowStart) > t.cfg.CheckPeriod {
			if received > t.cfg.MaxBytesPerPeriod {
				slog.Warn("node is sending too fast", "node", t.Node,
					"received", received, "period", t.cfg.CheckPeriod.String())
				if t.onRateCap != nil {
					t.onRateCap(t.Node)
				}
				t.mu.Lock()
				t.state = Closed
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
				t.fireClose(fmt.Sprintf("Node %s is sending too fast", t.Node))
				return
			}
			received = 0
			windowStart = time.Now()
		}

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.onData(t.Node, chunk)
		}
	}
}

// readSome performs one partial read of up to len(buf) bytes.
func (t *NodeTcp) readSome(buf []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("nodetcp: no connection")
	}
	return conn.Read(buf)
}
