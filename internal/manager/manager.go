// Package manager is the facade over the connection layer. It owns the
// listener, the optional tunnel bridge, and the registry, and it is the
// only place that composes handshake, crypto and transport into live
// peer sessions. Every session runs one reader goroutine that blocks on
// its transport; there are no shared event loops.
package manager

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/whisperlink/whisperlink/internal/crypto"
	"github.com/whisperlink/whisperlink/internal/handshake"
	"github.com/whisperlink/whisperlink/internal/logger"
	"github.com/whisperlink/whisperlink/internal/protocol"
	"github.com/whisperlink/whisperlink/internal/registry"
	"github.com/whisperlink/whisperlink/internal/schema"
	"github.com/whisperlink/whisperlink/internal/store"
	"github.com/whisperlink/whisperlink/internal/transport"
	"github.com/whisperlink/whisperlink/internal/tunnel"
	"github.com/whisperlink/whisperlink/internal/user"
)

var (
	ErrUnknownPeer      = errors.New("manager: peer is not a contact")
	ErrNotConnected     = errors.New("manager: no active connection to peer")
	ErrAlreadyListening = errors.New("manager: already listening")
	ErrKeyMismatch      = errors.New("manager: peer key does not match stored contact")
)

// MessageEvent is one decrypted incoming message.
type MessageEvent struct {
	PeerID       string
	PeerUsername string
	Kind         protocol.Kind
	Text         string
	Timestamp    string
}

type MessageHandler func(MessageEvent)

type Options struct {
	Contacts *store.ContactStore
	Users    *user.Manager

	// Tunnel configures external tunnel provisioning; the zero value
	// uses the defaults.
	Tunnel tunnel.Config

	Logger *logrus.Logger
}

type Manager struct {
	contacts  *store.ContactStore
	users     *user.Manager
	reg       *registry.Registry
	log       *logrus.Logger
	tunnelCfg tunnel.Config

	mu       sync.Mutex
	listener *transport.Listener
	bridge   *tunnel.Bridge

	handlerMu sync.RWMutex
	onMessage MessageHandler
}

func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	return &Manager{
		contacts:  opts.Contacts,
		users:     opts.Users,
		reg:       registry.New(),
		log:       log,
		tunnelCfg: opts.Tunnel,
	}
}

// OnMessage installs the handler invoked for each decrypted incoming
// message. Handlers run on the session's reader goroutine, so they
// must not block.
func (m *Manager) OnMessage(h MessageHandler) {
	m.handlerMu.Lock()
	m.onMessage = h
	m.handlerMu.Unlock()
}

func (m *Manager) dispatch(ev MessageEvent) {
	m.handlerMu.RLock()
	h := m.onMessage
	m.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// StartListening binds the given port and, when useTunnel is set, also
// brings up the relay and the external tunnel. It returns the address
// peers should dial: host:port for direct, the public URL for tunnel.
// When the tunnel fails nothing is left listening.
func (m *Manager) StartListening(port int, useTunnel bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.listener != nil {
		return "", ErrAlreadyListening
	}

	ln, err := transport.Listen(port, m.handleInbound, m.log)
	if err != nil {
		return "", err
	}

	if !useTunnel {
		m.listener = ln
		m.log.Infof("listening on %s", ln.Addr())
		return ln.Addr(), nil
	}

	bridge := tunnel.NewBridge(ln.Port(), tunnel.BridgeOptions{
		Provision: m.tunnelCfg,
		Logger:    m.log,
	})
	url, err := bridge.Open()
	if err != nil {
		_ = ln.Close()
		return "", fmt.Errorf("manager: tunnel setup: %w", err)
	}

	m.listener = ln
	m.bridge = bridge
	m.log.Infof("listening on %s via tunnel %s", ln.Addr(), url)
	return url, nil
}

// StopListening stops accepting new connections and tears down the
// tunnel if one is up. Established sessions keep running. Safe to call
// when not listening.
func (m *Manager) StopListening() {
	m.mu.Lock()
	ln, bridge := m.listener, m.bridge
	m.listener, m.bridge = nil, nil
	m.mu.Unlock()

	if bridge != nil {
		bridge.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
}

// Shutdown stops listening and closes every peer session.
func (m *Manager) Shutdown() {
	m.StopListening()
	m.reg.Clear()
}

// Listening reports whether the listener is up.
func (m *Manager) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener != nil
}

// PublicURL returns the tunnel URL, or "" when no tunnel is up.
func (m *Manager) PublicURL() string {
	m.mu.Lock()
	bridge := m.bridge
	m.mu.Unlock()

	if bridge == nil {
		return ""
	}
	return bridge.PublicURL()
}

// ConnectToPeer dials a stored contact, runs the handshake, and
// registers the session. The contact's connection type picks the
// transport. On any failure the socket is closed and the registry is
// untouched.
func (m *Manager) ConnectToPeer(peerID string) error {
	session, err := m.users.Current()
	if err != nil {
		return err
	}

	if c, ok := m.reg.Get(peerID); ok && c.Status() != registry.StatusDisconnected {
		return registry.ErrDuplicate
	}

	contact, err := m.contacts.Get(peerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownPeer
		}
		return err
	}

	var conn transport.Conn
	if contact.ConnectionType == "tunnel" {
		conn, err = transport.DialTunnel(contact.TunnelURL)
	} else {
		conn, err = transport.Dial(contact.Address)
	}
	if err != nil {
		return err
	}

	id := handshake.Identity{
		UserID:    session.UserID,
		Username:  session.Username,
		PublicKey: session.PublicKey,
	}
	peer, err := handshake.Initiate(conn, id, handshake.TimeoutFor(conn.Kind()))
	if err != nil {
		_ = conn.Close()
		return err
	}

	if peer.UserID != contact.PeerID {
		_ = conn.Close()
		return fmt.Errorf("manager: dialed %s but peer identified as %s", contact.PeerID, peer.UserID)
	}
	if contact.PublicKey != "" && peer.PublicKey != contact.PublicKey {
		_ = conn.Close()
		return ErrKeyMismatch
	}

	c := registry.NewConnection(peer.UserID, peer.Username, conn.RemoteAddr(), conn)
	c.PeerPublicKey = peer.PublicKey
	if err := m.reg.Register(c); err != nil {
		_ = conn.Close()
		return err
	}
	c.MarkConnected()
	_ = m.contacts.UpdateLastSeen(peer.UserID)

	m.log.Infof("connected to %s (%s) via %s", peer.Username, peer.UserID, conn.Kind())
	go m.readLoop(c, session)
	return nil
}

// handleInbound runs on the listener's per-connection goroutine. A
// failed or rejected handshake closes the socket without touching the
// registry.
func (m *Manager) handleInbound(conn transport.Conn) {
	session, err := m.users.Current()
	if err != nil {
		m.log.Warnf("rejecting %s: no user logged in", conn.RemoteAddr())
		_ = handshake.Reject(conn, handshake.TimeoutFor(conn.Kind()))
		_ = conn.Close()
		return
	}

	id := handshake.Identity{
		UserID:    session.UserID,
		Username:  session.Username,
		PublicKey: session.PublicKey,
	}
	peer, err := handshake.Respond(conn, id, handshake.TimeoutFor(conn.Kind()))
	if err != nil {
		m.log.Warnf("handshake with %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	// Trust on first use: unknown peers become contacts; a known peer
	// must present the key we stored for it.
	known, err := m.contacts.Get(peer.UserID)
	switch {
	case err == nil:
		if known.PublicKey != peer.PublicKey {
			m.log.Warnf("peer %s presented a different key than stored, dropping", peer.UserID)
			_ = conn.Close()
			return
		}
	case errors.Is(err, store.ErrNotFound):
		_ = m.contacts.Add(schema.Contact{
			PeerID:         peer.UserID,
			Username:       peer.Username,
			PublicKey:      peer.PublicKey,
			ConnectionType: "direct",
			Address:        conn.RemoteAddr(),
		})
		m.log.Infof("added new contact %s (%s)", peer.Username, peer.UserID)
	default:
		m.log.Errorf("contact lookup for %s failed: %v", peer.UserID, err)
		_ = conn.Close()
		return
	}

	c := registry.NewConnection(peer.UserID, peer.Username, conn.RemoteAddr(), conn)
	c.PeerPublicKey = peer.PublicKey
	if err := m.reg.Register(c); err != nil {
		m.log.Warnf("refusing second connection from %s: %v", peer.UserID, err)
		_ = conn.Close()
		return
	}
	c.MarkConnected()
	_ = m.contacts.UpdateLastSeen(peer.UserID)

	m.log.Infof("accepted connection from %s (%s)", peer.Username, peer.UserID)
	m.readLoop(c, session)
}

// readLoop blocks on the session's transport decoding envelopes until
// it fails, then removes the session. A message that does not decrypt
// is dropped; the session stays up.
func (m *Manager) readLoop(c *registry.Connection, session *user.Session) {
	codec := protocol.NewCodec()

	for {
		var env protocol.Envelope
		if err := codec.Decode(c.Transport(), &env); err != nil {
			m.log.Debugf("session with %s ended: %v", c.PeerID, err)
			m.reg.Remove(c.PeerID)
			return
		}

		if err := env.Validate(); err != nil {
			m.log.Warnf("dropping malformed envelope from %s: %v", c.PeerID, err)
			continue
		}

		plaintext, err := crypto.Decrypt(session.PrivateKey, c.PeerPublicKey, env.Message)
		if err != nil {
			m.log.Warnf("dropping undecryptable message from %s", c.PeerID)
			continue
		}

		m.dispatch(MessageEvent{
			PeerID:       c.PeerID,
			PeerUsername: c.PeerUsername,
			Kind:         env.Type,
			Text:         string(plaintext),
			Timestamp:    env.Timestamp,
		})
	}
}

func (m *Manager) send(peerID string, kind protocol.Kind, text string) error {
	session, err := m.users.Current()
	if err != nil {
		return err
	}

	c, ok := m.reg.Get(peerID)
	if !ok || c.Status() != registry.StatusConnected {
		return ErrNotConnected
	}

	ciphertext, err := crypto.Encrypt(session.PrivateKey, c.PeerPublicKey, []byte(text))
	if err != nil {
		return err
	}
	env := protocol.NewEnvelope(kind, ciphertext)

	err = c.Send(func(w io.Writer) error {
		return protocol.NewCodec().Encode(w, env)
	})
	if errors.Is(err, registry.ErrClosed) {
		return ErrNotConnected
	}
	return err
}

// SendMessage encrypts and sends a chat message to a connected peer.
func (m *Manager) SendMessage(peerID, text string) error {
	return m.send(peerID, protocol.KindChat, text)
}

// SendSignal sends a control payload over the same encrypted channel.
func (m *Manager) SendSignal(peerID, payload string) error {
	return m.send(peerID, protocol.KindSignal, payload)
}

// DisconnectFromPeer tears down the peer's session. Unknown peers and
// repeated calls are no-ops.
func (m *Manager) DisconnectFromPeer(peerID string) {
	m.reg.Remove(peerID)
}

// ActiveConnections snapshots the connected sessions.
func (m *Manager) ActiveConnections() []registry.Snapshot {
	return m.reg.ListActive()
}
