// Package handshake implements the identity exchange that precedes all
// application traffic: the initiator presents id, username and public
// key; the responder validates and answers accepted or rejected. It
// runs over any transport.Conn, so the direct and tunneled paths share
// one implementation.
package handshake

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/whisperlink/whisperlink/internal/protocol"
	"github.com/whisperlink/whisperlink/internal/transport"
)

const (
	// DirectTimeout bounds a handshake on a direct socket.
	DirectTimeout = 10 * time.Second

	// TunnelTimeout bounds waiting for a handshake response through a
	// tunnel, which adds a relay and a provider hop.
	TunnelTimeout = 15 * time.Second
)

var (
	ErrRejected = errors.New("handshake: peer rejected the connection")
	ErrTimeout  = errors.New("handshake: timed out")
)

// Identity is the local side of the exchange.
type Identity struct {
	UserID    string
	Username  string
	PublicKey string
}

// Peer is what a completed handshake learns about the other side.
type Peer struct {
	UserID    string
	Username  string
	PublicKey string
}

// TimeoutFor picks the default bound for the transport kind.
func TimeoutFor(kind transport.Kind) time.Duration {
	if kind == transport.KindTunnel {
		return TunnelTimeout
	}
	return DirectTimeout
}

func wrapDeadline(err error) error {
	if os.IsTimeout(err) {
		return ErrTimeout
	}
	return err
}

// Initiate sends our identity and awaits the response. On any failure
// the conn is left to the caller to close; the registry is untouched.
func Initiate(conn transport.Conn, id Identity, timeout time.Duration) (*Peer, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	codec := protocol.NewCodec()
	frame := protocol.Handshake{
		UserID:    id.UserID,
		Username:  id.Username,
		PublicKey: id.PublicKey,
	}
	if err := codec.Encode(conn, frame); err != nil {
		return nil, fmt.Errorf("handshake: send: %w", wrapDeadline(err))
	}

	var resp protocol.HandshakeResponse
	if err := codec.Decode(conn, &resp); err != nil {
		return nil, fmt.Errorf("handshake: receive response: %w", wrapDeadline(err))
	}
	if resp.Status != protocol.StatusAccepted {
		return nil, ErrRejected
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}

	return &Peer{UserID: resp.UserID, Username: resp.Username, PublicKey: resp.PublicKey}, nil
}

// Respond reads the initiator's frame, validates it, and replies
// accepted. An incomplete frame gets no reply; the caller closes the
// transport and never registers the peer.
func Respond(conn transport.Conn, id Identity, timeout time.Duration) (*Peer, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	codec := protocol.NewCodec()

	var frame protocol.Handshake
	if err := codec.Decode(conn, &frame); err != nil {
		return nil, fmt.Errorf("handshake: receive: %w", wrapDeadline(err))
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	resp := protocol.HandshakeResponse{
		UserID:    id.UserID,
		Username:  id.Username,
		PublicKey: id.PublicKey,
		Status:    protocol.StatusAccepted,
	}
	if err := codec.Encode(conn, resp); err != nil {
		return nil, fmt.Errorf("handshake: send response: %w", wrapDeadline(err))
	}

	return &Peer{UserID: frame.UserID, Username: frame.Username, PublicKey: frame.PublicKey}, nil
}

// Reject answers an initiator without admitting it, then leaves the
// conn to the caller. Used when the responder has no logged-in user.
func Reject(conn transport.Conn, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	codec := protocol.NewCodec()

	var frame protocol.Handshake
	if err := codec.Decode(conn, &frame); err != nil {
		return fmt.Errorf("handshake: receive: %w", wrapDeadline(err))
	}

	resp := protocol.HandshakeResponse{Status: protocol.StatusRejected}
	return codec.Encode(conn, resp)
}
