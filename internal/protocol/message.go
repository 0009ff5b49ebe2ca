// Package protocol defines the JSON wire format: the handshake frames
// exchanged before any application traffic, and the envelope carrying
// encrypted payloads afterwards.
package protocol

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindChat   Kind = "chat"
	KindSignal Kind = "signal"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Handshake is the identity frame sent by the initiator.
type Handshake struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// HandshakeResponse is the responder's reply.
type HandshakeResponse struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
	Status    string `json:"status"`
}

// Envelope wraps one encrypted message. Message is the base64 box
// ciphertext; Timestamp is ISO-8601.
type Envelope struct {
	Type      Kind   `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func NewEnvelope(kind Kind, ciphertext string) Envelope {
	return Envelope{
		Type:      kind,
		Message:   ciphertext,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Validate reports the first missing required field.
func (h Handshake) Validate() error {
	switch {
	case h.UserID == "":
		return fmt.Errorf("%w: user_id", ErrIncomplete)
	case h.Username == "":
		return fmt.Errorf("%w: username", ErrIncomplete)
	case h.PublicKey == "":
		return fmt.Errorf("%w: public_key", ErrIncomplete)
	}
	return nil
}

func (r HandshakeResponse) Validate() error {
	if err := (Handshake{UserID: r.UserID, Username: r.Username, PublicKey: r.PublicKey}).Validate(); err != nil {
		return err
	}
	if r.Status == "" {
		return fmt.Errorf("%w: status", ErrIncomplete)
	}
	return nil
}

func (e Envelope) Validate() error {
	switch {
	case e.Type != KindChat && e.Type != KindSignal:
		return fmt.Errorf("%w: type %q", ErrBadEnvelope, e.Type)
	case e.Message == "":
		return fmt.Errorf("%w: message", ErrBadEnvelope)
	}
	return nil
}
