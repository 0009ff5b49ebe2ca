package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DialTimeout bounds a direct TCP connect.
	DialTimeout = 10 * time.Second

	// TunnelOpenTimeout bounds a single WebSocket open through a
	// tunnel; TunnelDialBudget bounds the whole attempt sequence.
	TunnelOpenTimeout = 20 * time.Second
	TunnelDialBudget  = 30 * time.Second
)

// Dial opens a direct TCP connection to host:port.
func Dial(addr string) (Conn, error) {
	c, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewDirectConn(c), nil
}

// tunnelPaths lists the URL variants tried in order. Some tunnel
// providers only upgrade on a subpath, so the bare URL is tried first
// and a /ws suffix second.
func tunnelPaths(raw string) []string {
	trimmed := strings.TrimRight(raw, "/")
	return []string{trimmed, trimmed + "/ws"}
}

// wsURL rewrites an http(s) tunnel URL to its WebSocket equivalent.
func wsURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse tunnel url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("transport: unsupported tunnel scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// DialTunnel opens a WebSocket session to a peer's published tunnel
// URL. Certificate verification is relaxed because tunnel providers
// commonly terminate TLS with their own chain.
func DialTunnel(tunnelURL string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: TunnelOpenTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
	}

	deadline := time.Now().Add(TunnelDialBudget)

	var lastErr error
	for _, candidate := range tunnelPaths(tunnelURL) {
		if time.Now().After(deadline) {
			break
		}

		target, err := wsURL(candidate)
		if err != nil {
			return nil, err
		}

		ws, _, err := dialer.Dial(target, nil)
		if err != nil {
			lastErr = fmt.Errorf("transport: dial tunnel %s: %w", target, err)
			continue
		}
		return NewTunnelConn(ws), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("transport: dial tunnel %s: no attempts made", tunnelURL)
	}
	return nil, lastErr
}
