// Package registry holds the authoritative map of live peer sessions.
// All mutation goes through one mutex; nothing blocks on network I/O
// while holding it.
package registry

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/whisperlink/whisperlink/internal/transport"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	ErrDuplicate = errors.New("registry: peer already has a live connection")
	ErrClosed    = errors.New("registry: connection is not active")
)

// Connection is one logical session with a peer. It owns exactly one
// transport handle, closed at most once regardless of how many paths
// observe termination.
type Connection struct {
	PeerID       string
	PeerUsername string
	Address      string

	// PeerPublicKey is set once after the handshake, before the
	// connection is registered.
	PeerPublicKey string

	mu            sync.Mutex
	status        Status
	establishedAt time.Time

	conn      transport.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func NewConnection(peerID, username, address string, conn transport.Conn) *Connection {
	return &Connection{
		PeerID:       peerID,
		PeerUsername: username,
		Address:      address,
		status:       StatusConnecting,
		conn:         conn,
	}
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkConnected records the handshake completing. Only valid from
// connecting; a connection that already disconnected stays that way.
func (c *Connection) MarkConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnecting {
		c.status = StatusConnected
		c.establishedAt = time.Now()
	}
}

func (c *Connection) EstablishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.establishedAt
}

func (c *Connection) Transport() transport.Conn {
	return c.conn
}

func (c *Connection) Kind() transport.Kind {
	return c.conn.Kind()
}

// Send runs write with exclusive access to the transport's write side,
// so frames from concurrent senders cannot interleave. It refuses once
// the connection is no longer connected.
func (c *Connection) Send(write func(w io.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Status() != StatusConnected {
		return ErrClosed
	}
	return write(c.conn)
}

// CloseTransport shuts the owned handle. Safe to call repeatedly and
// from any goroutine; the first caller wins.
func (c *Connection) CloseTransport() {
	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// Snapshot is a copy of a connection's state, safe to hold without the
// registry lock.
type Snapshot struct {
	PeerID        string
	PeerUsername  string
	Kind          transport.Kind
	Address       string
	Status        Status
	EstablishedAt time.Time
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register installs a connection for its peer. At most one live entry
// per peer id: a second registration is refused and the caller keeps
// ownership (and cleanup duty) of its transport.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.PeerID]; exists {
		return ErrDuplicate
	}
	r.conns[c.PeerID] = c
	return nil
}

func (r *Registry) Get(peerID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[peerID]
	return c, ok
}

// Remove tears down the peer's session: marks it disconnected, closes
// the transport, and drops the entry. Unknown peers and repeated calls
// are no-ops.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	c, ok := r.conns[peerID]
	if ok {
		delete(r.conns, peerID)
	}
	r.mu.Unlock()

	if ok {
		c.CloseTransport()
	}
}

// ListActive returns a snapshot of connected sessions. The copy keeps
// callers from iterating live state while other goroutines mutate it.
func (r *Registry) ListActive() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Status() != StatusConnected {
			continue
		}
		out = append(out, Snapshot{
			PeerID:        c.PeerID,
			PeerUsername:  c.PeerUsername,
			Kind:          c.Kind(),
			Address:       c.Address,
			Status:        c.Status(),
			EstablishedAt: c.EstablishedAt(),
		})
	}
	return out
}

// Clear tears down every session. Used on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.CloseTransport()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
