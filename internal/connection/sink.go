package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codewiresh/cmdrelay/internal/protocol"
)

var (
	// ErrSinkClosed is returned by Send after the sink was closed.
	ErrSinkClosed = errors.New("sink closed")
	// ErrSinkFull is returned by Send when the peer has fallen a full buffer
	// behind. The sink is closed as a side effect.
	ErrSinkFull = errors.New("sink buffer full")
)

// Sink is the outbound side of one connection: a bounded queue drained by a
// dedicated writer (Run), so a slow peer never blocks whoever is sending to it.
type Sink struct {
	id     string
	w      FrameWriter
	queue  chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// NewSink creates a sink writing to w with room for buffer queued messages.
func NewSink(w FrameWriter, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1
	}
	return &Sink{
		id:    uuid.NewString(),
		w:     w,
		queue: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

// ID uniquely identifies this sink for the lifetime of the process.
func (s *Sink) ID() string { return s.id }

// Send queues payload as a text frame. It never blocks.
func (s *Sink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- payload:
		return nil
	default:
		s.closeLocked()
		return ErrSinkFull
	}
}

// Close stops accepting messages. Run returns once it observes the close.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Done is closed when the sink is closed.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Closed reports whether the sink stopped accepting messages.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sink) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
	close(s.done)
}

// Run drains the queue into the writer and pings every pingEvery (zero
// disables pings). It returns nil once the sink is closed, ctx.Err() on
// cancellation, or the first write or ping error. The sink is closed on return.
func (s *Sink) Run(ctx context.Context, pingEvery time.Duration) error {
	defer s.Close()

	var tick <-chan time.Time
	if pingEvery > 0 {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-s.queue:
			if !ok {
				return nil
			}
			if err := s.w.WriteFrame(ctx, protocol.TextFrame(msg)); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-tick:
			if err := s.w.Ping(ctx); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}
