package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one live WebSocket channel belonging to exactly one user
// identity. It is owned by the Registry for its lifetime: created on a
// successful handshake, destroyed on disconnect or send failure. A write
// mutex serializes outbound frames so concurrent goroutines cannot
// interleave frame bytes.
type Connection struct {
	ID       string // connection ID (UUID)
	UserID   int64  // verified user identity
	Username string

	Conn      net.Conn
	CreatedAt time.Time

	// lastActive is the unix-nano time of the last successful read,
	// written by the read loop and read by the heartbeat monitor.
	lastActive atomic.Int64

	writeMu sync.Mutex
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last recorded activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame on this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteMessageDeadline sends a text frame with a bounded write deadline so
// one slow client cannot stall fan-out to others. The deadline is cleared
// afterwards so it does not affect future writes.
func (c *Connection) WriteMessageDeadline(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writePong answers a client ping.
func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is the thread-safe mapping from user identity to that user's
// set of live connections. A user may hold several connections at once
// (multi-device); the entry for a user is removed entirely once their
// last connection goes, so registry memory is bounded by the set of
// currently-connected users. The mutex is held only for map mutations,
// never across a network send.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64][]*Connection
	byID   map[string]*Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64][]*Connection),
		byID:   make(map[string]*Connection),
	}
}

// Register adds a connection to its user's connection set, creating the
// set if absent.
func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	r.byUser[c.UserID] = append(r.byUser[c.UserID], c)
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// Unregister removes one connection and deletes the user's entry entirely
// once their set becomes empty. It closes the underlying network
// connection. Returns false if the connection was already gone, which
// lets racing cleanup paths (read error vs. heartbeat timeout vs. send
// failure) settle on a single winner.
func (r *Registry) Unregister(c *Connection) bool {
	r.mu.Lock()
	_, ok := r.byID[c.ID]
	if ok {
		delete(r.byID, c.ID)

		conns := r.byUser[c.UserID]
		for i, other := range conns {
			if other.ID == c.ID {
				conns = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(conns) == 0 {
			delete(r.byUser, c.UserID)
		} else {
			r.byUser[c.UserID] = conns
		}
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// ConnectionsFor returns a snapshot of the user's live connections, or
// nil if the user has no entry. The slice is safe to iterate without
// holding the lock.
func (r *Registry) ConnectionsFor(userID int64) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	snapshot := make([]*Connection, len(conns))
	copy(snapshot, conns)
	return snapshot
}

// HasUser reports whether the user currently has any live connection.
func (r *Registry) HasUser(userID int64) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}

// CountConnections returns the number of live connections.
func (r *Registry) CountConnections() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// CountUsers returns the number of distinct connected users.
func (r *Registry) CountUsers() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
