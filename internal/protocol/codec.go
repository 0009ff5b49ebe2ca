package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. A chat envelope is a few KB at
// most; anything larger means a corrupt or hostile stream.
const MaxFrameSize = 1 << 20

var (
	ErrIncomplete    = errors.New("protocol: handshake frame incomplete")
	ErrBadEnvelope   = errors.New("protocol: malformed envelope")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
)

// Codec reads and writes length-prefixed JSON frames: a uint32
// big-endian length followed by one JSON document. The prefix makes
// framing explicit over a raw byte stream, so frames survive
// coalescing and fragmentation on both the TCP and the relayed
// WebSocket path.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *Codec) Decode(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return err
	}
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return nil
}
