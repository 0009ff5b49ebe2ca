package handshake

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/whisperlink/whisperlink/internal/protocol"
	"github.com/whisperlink/whisperlink/internal/transport"
)

func pipePair(t *testing.T) (transport.Conn, transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return transport.NewDirectConn(a), transport.NewDirectConn(b)
}

var (
	alice = Identity{UserID: "id-alice", Username: "alice", PublicKey: "aa11"}
	bob   = Identity{UserID: "id-bob", Username: "bob", PublicKey: "bb22"}
)

func TestHandshakeConverges(t *testing.T) {
	initiatorConn, responderConn := pipePair(t)

	type result struct {
		peer *Peer
		err  error
	}
	responderDone := make(chan result, 1)
	go func() {
		peer, err := Respond(responderConn, bob, DirectTimeout)
		responderDone <- result{peer, err}
	}()

	peer, err := Initiate(initiatorConn, alice, DirectTimeout)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if peer.UserID != bob.UserID || peer.Username != "bob" || peer.PublicKey != "bb22" {
		t.Errorf("initiator learned wrong peer: %+v", peer)
	}

	select {
	case res := <-responderDone:
		if res.err != nil {
			t.Fatalf("Respond failed: %v", res.err)
		}
		if res.peer.UserID != alice.UserID || res.peer.PublicKey != "aa11" {
			t.Errorf("responder learned wrong peer: %+v", res.peer)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for responder")
	}
}

func TestRespondIncompleteFrame(t *testing.T) {
	initiatorConn, responderConn := pipePair(t)

	go func() {
		codec := protocol.NewCodec()
		// public_key deliberately absent.
		_ = codec.Encode(initiatorConn, protocol.Handshake{UserID: "x", Username: "y"})
	}()

	_, err := Respond(responderConn, bob, DirectTimeout)
	if !errors.Is(err, protocol.ErrIncomplete) {
		t.Errorf("expected ErrIncomplete, got %v", err)
	}
}

func TestInitiateRejected(t *testing.T) {
	initiatorConn, responderConn := pipePair(t)

	rejectDone := make(chan error, 1)
	go func() {
		rejectDone <- Reject(responderConn, DirectTimeout)
	}()

	_, err := Initiate(initiatorConn, alice, DirectTimeout)
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}

	select {
	case err := <-rejectDone:
		if err != nil {
			t.Errorf("Reject failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Reject")
	}
}

func TestInitiateTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer func() { _ = ln.Close() }()

	// Server reads the frame but never answers.
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		buf := make([]byte, 1024)
		_, _ = c.Read(buf)
		time.Sleep(2 * time.Second)
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = raw.Close() }()

	_, err = Initiate(transport.NewDirectConn(raw), alice, 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestTimeoutFor(t *testing.T) {
	if TimeoutFor(transport.KindDirect) != DirectTimeout {
		t.Error("wrong direct timeout")
	}
	if TimeoutFor(transport.KindTunnel) != TunnelTimeout {
		t.Error("wrong tunnel timeout")
	}
}
