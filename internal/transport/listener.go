package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whisperlink/whisperlink/internal/logger"
)

// Listener accepts direct TCP connections and hands each one to the
// session handler on its own goroutine. Closing the listener unblocks
// the accept loop, which then exits.
type Listener struct {
	ln      net.Listener
	log     *logrus.Logger
	handler func(Conn)

	closeOnce sync.Once
	closeErr  error
}

// Listen binds 0.0.0.0:port (port 0 lets the OS assign one) and starts
// the accept loop. handler is invoked on a fresh goroutine per
// accepted connection.
func Listen(port int, handler func(Conn), log *logrus.Logger) (*Listener, error) {
	if log == nil {
		log = logger.NewLogger()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("transport: bind port %d: %w", port, err)
	}

	l := &Listener{
		ln:      ln,
		log:     log,
		handler: handler,
	}
	go l.acceptLoop()

	return l, nil
}

// Port reports the bound port, which matters when 0 was requested.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

func (l *Listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			// Closing the listening socket is the shutdown signal.
			l.log.Debugf("accept loop exiting: %v", err)
			return
		}

		l.log.Debugf("accepted connection from %s", c.RemoteAddr())
		go l.handler(NewDirectConn(c))
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}
