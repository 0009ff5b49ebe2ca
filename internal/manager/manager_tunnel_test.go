package manager

import (
	"fmt"
	"net"
	"strconv"
	"testing"

	"github.com/whisperlink/whisperlink/internal/logger"
	"github.com/whisperlink/whisperlink/internal/protocol"
	"github.com/whisperlink/whisperlink/internal/schema"
	"github.com/whisperlink/whisperlink/internal/tunnel"
)

// TestExchangeOverRelay runs the full tunneled data path short of the
// external provider: bob dials a WebSocket into the relay, the relay
// bridges to alice's TCP listener, and the handshake and encrypted
// envelopes flow through unchanged.
func TestExchangeOverRelay(t *testing.T) {
	alice := newTestNode(t, "alice")
	bob := newTestNode(t, "bob")

	addr := alice.listen(t)
	_, portStr, _ := net.SplitHostPort(addr)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}

	relay := tunnel.NewRelay(port, logger.NewLogger())
	if err := relay.Start(0); err != nil {
		t.Fatalf("starting relay: %v", err)
	}
	defer relay.Stop()

	err = bob.contacts.Add(schema.Contact{
		PeerID:         alice.session.UserID,
		Username:       "alice",
		PublicKey:      alice.session.PublicKey,
		ConnectionType: "tunnel",
		TunnelURL:      fmt.Sprintf("http://127.0.0.1:%d", relay.Port()),
	})
	if err != nil {
		t.Fatalf("adding contact: %v", err)
	}

	if err := bob.manager.ConnectToPeer(alice.session.UserID); err != nil {
		t.Fatalf("ConnectToPeer over relay failed: %v", err)
	}

	if err := bob.manager.SendMessage(alice.session.UserID, "through the tunnel"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	ev := waitEvent(t, alice.events)
	if ev.Text != "through the tunnel" || ev.Kind != protocol.KindChat {
		t.Errorf("unexpected event %+v", ev)
	}

	// Replies traverse the same bridged socket.
	if err := alice.manager.SendMessage(bob.session.UserID, "ack"); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	ev = waitEvent(t, bob.events)
	if ev.Text != "ack" {
		t.Errorf("unexpected event %+v", ev)
	}
}
