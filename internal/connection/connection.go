package connection

import (
	"context"

	"github.com/codewiresh/cmdrelay/internal/protocol"
)

// FrameReader reads protocol frames from a transport.
type FrameReader interface {
	// ReadFrame blocks for the next frame. It returns (nil, nil) when the
	// peer closed the stream normally.
	ReadFrame(ctx context.Context) (*protocol.Frame, error)
}

// FrameWriter writes protocol frames to a transport.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f *protocol.Frame) error
	Ping(ctx context.Context) error
}

// Conn is one duplex message channel supplied by the transport.
type Conn interface {
	FrameReader
	FrameWriter
	Close() error
}
