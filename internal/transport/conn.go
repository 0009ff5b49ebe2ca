// Package transport provides the byte-stream transports a session can
// run over: a direct TCP socket or a WebSocket opened through a tunnel.
// Both satisfy Conn, so the handshake and envelope codec never know
// which one they are on.
package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Kind string

const (
	KindDirect Kind = "direct-socket"
	KindTunnel Kind = "tunnel-websocket"
)

// Conn is one live transport handle. A connection owns exactly one.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
	RemoteAddr() string
	SetDeadline(t time.Time) error
	Kind() Kind
}

type tcpConn struct {
	net.Conn
}

// NewDirectConn wraps an established TCP connection.
func NewDirectConn(c net.Conn) Conn {
	return &tcpConn{Conn: c}
}

func (c *tcpConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *tcpConn) Kind() Kind         { return KindDirect }

// wsConn adapts the message-oriented WebSocket API to a byte stream.
// The relay on the far side forwards message payloads to a TCP socket
// byte-for-byte, so concatenating payloads here restores the stream.
type wsConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	current io.Reader

	// gorilla/websocket allows at most one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewTunnelConn wraps an established WebSocket session.
func NewTunnelConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.current == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.current = r
		}

		n, err := c.current.Read(p)
		if err == io.EOF {
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) Kind() Kind { return KindTunnel }
