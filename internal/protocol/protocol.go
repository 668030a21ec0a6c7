package protocol

import (
	"errors"
	"fmt"
)

// Frame type constants. Text frames carry JSON envelopes; binary frames are
// accepted on the wire but never interpreted by the relay.
const (
	FrameText   byte = 0x00
	FrameBinary byte = 0x01

	// MaxPayload is the default per-message read limit for relay connections.
	MaxPayload int64 = 1 << 20 // 1 MB
)

// Frame is one transport message with its kind and raw payload.
type Frame struct {
	Type    byte
	Payload []byte
}

// TextFrame wraps payload as a text frame.
func TextFrame(payload []byte) *Frame {
	return &Frame{Type: FrameText, Payload: payload}
}

var (
	// ErrNotText is returned when a non-text frame is parsed as an envelope.
	ErrNotText = errors.New("not a text frame")
	// ErrMalformed wraps JSON or shape errors in an inbound envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownAction is returned for an action outside the fixed vocabulary.
	ErrUnknownAction = errors.New("unknown action")
)

// ParseFrame decodes a text frame into a typed request.
func ParseFrame(f *Frame) (Request, error) {
	if f == nil || f.Type != FrameText {
		return nil, ErrNotText
	}
	return ParseRequest(f.Payload)
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, err)
}
