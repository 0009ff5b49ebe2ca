// Package tunnel makes the local listener reachable from outside the
// operator's network: a relay turns inbound WebSocket sessions into
// loopback TCP connections, and a provisioner runs the external tunnel
// process that publishes the relay at a public URL.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/whisperlink/whisperlink/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay terminates WebSocket upgrades on a local port and forwards
// bytes 1:1 to a loopback TCP connection, so the handshake and
// envelope protocol pass through unmodified. Plain HTTP requests get a
// 200 so the tunnel provider's health checks succeed.
type Relay struct {
	targetPort int
	log        *logrus.Logger

	srv *http.Server
	ln  net.Listener

	mu      sync.Mutex
	running bool
}

func NewRelay(targetPort int, log *logrus.Logger) *Relay {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Relay{targetPort: targetPort, log: log}
}

// Start binds the relay port (0 for OS-assigned) and serves in the
// background.
func (r *Relay) Start(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("tunnel: relay already running")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("tunnel: bind relay port %d: %w", port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handle)

	srv := &http.Server{Handler: mux}
	r.ln = ln
	r.srv = srv
	r.running = true

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.log.Debugf("relay server exited: %v", err)
		}
	}()

	r.log.Infof("relay listening on %s -> 127.0.0.1:%d", ln.Addr(), r.targetPort)
	return nil
}

func (r *Relay) Port() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return 0
	}
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop closes the relay. Safe to call when not running.
func (r *Relay) Stop() {
	r.mu.Lock()
	srv := r.srv
	r.srv = nil
	r.ln = nil
	r.running = false
	r.mu.Unlock()

	if srv != nil {
		_ = srv.Close()
	}
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		// Liveness response for the provider's health checks.
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "whisperlink relay up\n")
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warnf("relay upgrade failed: %v", err)
		return
	}

	tcp, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", r.targetPort), 5*time.Second)
	if err != nil {
		r.log.Warnf("relay could not reach local listener: %v", err)
		_ = ws.Close()
		return
	}

	r.log.Debugf("relay session %s -> %s", ws.RemoteAddr(), tcp.RemoteAddr())
	r.bridge(ws, tcp)
}

// bridge copies until either side closes, then closes the other.
func (r *Relay) bridge(ws *websocket.Conn, tcp net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				_ = tcp.Close()
				return
			}
			if _, err := tcp.Write(data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				deadline := time.Now().Add(time.Second)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
		}
	}()

	wg.Wait()
	_ = ws.Close()
	_ = tcp.Close()
	r.log.Debug("relay session closed")
}
