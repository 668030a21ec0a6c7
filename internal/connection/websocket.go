package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/cmdrelay/internal/protocol"
)

const pingTimeout = 10 * time.Second

// WSConn adapts a WebSocket to Conn. Text messages map to text frames and
// binary messages to binary frames. Writes are serialized.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSConn wraps conn. readLimit bounds a single inbound message; zero keeps
// the library default and a negative value removes the limit.
func NewWSConn(conn *websocket.Conn, readLimit int64) *WSConn {
	if readLimit != 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WSConn{conn: conn}
}

// ReadFrame reads a single frame from the WebSocket.
// Returns (nil, nil) on a close frame from the peer.
func (c *WSConn) ReadFrame(ctx context.Context) (*protocol.Frame, error) {
	msgType, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, nil
		}
		return nil, err
	}

	switch msgType {
	case websocket.MessageText:
		return &protocol.Frame{Type: protocol.FrameText, Payload: data}, nil
	case websocket.MessageBinary:
		return &protocol.Frame{Type: protocol.FrameBinary, Payload: data}, nil
	default:
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
}

// WriteFrame writes a single frame to the WebSocket.
func (c *WSConn) WriteFrame(ctx context.Context, f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case protocol.FrameText:
		return c.conn.Write(ctx, websocket.MessageText, f.Payload)
	case protocol.FrameBinary:
		return c.conn.Write(ctx, websocket.MessageBinary, f.Payload)
	default:
		return fmt.Errorf("unknown frame type: %d", f.Type)
	}
}

// Ping sends a ping and waits for the pong. A concurrent ReadFrame must be
// running for the pong to be observed.
func (c *WSConn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.conn.Ping(ctx)
}

// Close sends a normal closure message and closes the WebSocket.
func (c *WSConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
