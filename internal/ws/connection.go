package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Peer is the view of a connection handed to the application layer.
type Peer interface {
	// ID is the session id assigned at accept time.
	ID() string
	// RemoteIP is the client address without port.
	RemoteIP() string
	// Send writes one text frame.
	Send(data []byte) error
	// Close sends a close frame with code and reason, then tears the
	// connection down. Safe to call more than once.
	Close(code int, reason string) error
	// MarkAlive records proof of liveness for the heartbeat sweep.
	MarkAlive()
}

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	id         string
	Conn       net.Conn  // underlying TCP connection
	CreatedAt  time.Time // when the connection was established
	remoteIP   string
	reader     io.Reader // frame source; may buffer on top of Conn
	alive      atomic.Bool
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	server     *Server
}

func newConnection(id string, conn net.Conn, server *Server) *Connection {
	c := &Connection{
		id:        id,
		Conn:      conn,
		CreatedAt: time.Now(),
		remoteIP:  hostOnly(conn.RemoteAddr()),
		reader:    newFrameReader(conn),
		server:    server,
	}
	c.alive.Store(true)
	return c
}

func hostOnly(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ID implements Peer.
func (c *Connection) ID() string { return c.id }

// RemoteIP implements Peer.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// MarkAlive implements Peer.
func (c *Connection) MarkAlive() { c.alive.Store(true) }

// IsAlive reports whether the connection showed activity since the last sweep.
func (c *Connection) IsAlive() bool { return c.alive.Load() }

// Send implements Peer. The write mutex ensures that concurrent goroutines
// do not interleave frame bytes.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close implements Peer.
func (c *Connection) Close(code int, reason string) error {
	c.writeMu.Lock()
	c.setWriteDeadline()
	err := ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)))
	c.writeMu.Unlock()

	if c.server != nil {
		c.server.RemoveConnection(c)
	} else {
		_ = c.Conn.Close()
	}
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.server != nil && c.server.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	}
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// session id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID and closes the underlying
// network connection. Returns true if the connection was found and removed,
// false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
