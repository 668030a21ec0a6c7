package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codewiresh/cmdrelay/internal/connection"
	"github.com/codewiresh/cmdrelay/internal/store"
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// SinkBuffer is the outbound queue depth. A peer that falls this far
	// behind is disconnected.
	SinkBuffer int
	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
	Audit        Auditor
	Logger       *slog.Logger
}

// Supervisor owns one live connection: it registers the identity, feeds
// inbound frames to the dispatcher in arrival order, and tears down exactly
// once when the connection ends.
type Supervisor struct {
	identity   string
	conn       connection.Conn
	sink       *connection.Sink
	presence   *Presence
	dispatcher *Dispatcher
	ping       time.Duration
	audit      Auditor
	logger     *slog.Logger

	teardownOnce sync.Once
}

// NewSupervisor prepares a supervisor for conn. Nothing is registered until
// Run is called.
func NewSupervisor(identity string, conn connection.Conn, presence *Presence, dispatcher *Dispatcher, cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		identity:   identity,
		conn:       conn,
		sink:       connection.NewSink(conn, cfg.SinkBuffer),
		presence:   presence,
		dispatcher: dispatcher,
		ping:       cfg.PingInterval,
		audit:      cfg.Audit,
		logger:     logger.With("identity", identity),
	}
}

// Sink returns the connection's outbound sink.
func (s *Supervisor) Sink() *connection.Sink { return s.sink }

// Run serves the connection until the peer closes it, the transport fails,
// the sink is closed (replacement or overflow) or ctx is cancelled. The
// returned error is nil for a clean close or cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.teardown()

	prev, prevRole := s.presence.Register(s.identity, s.sink)
	s.record(store.EventConnected, "")
	if prev != nil {
		s.logger.Info("identity reconnected, closing previous connection", "previous_role", prevRole)
		s.record(store.EventReplaced, prev.ID())
		prev.Close()
		if prevRole == RoleTarget {
			s.dispatcher.BroadcastTargets()
		}
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.sink.Run(ctx, s.ping)
	}()
	// A closed sink (replacement, overflow or writer failure) ends the
	// connection even while the reader or writer is blocked on the peer.
	go func() {
		select {
		case <-s.sink.Done():
		case <-ctx.Done():
		}
		cancel()
	}()

	var readErr error
	for {
		f, err := s.conn.ReadFrame(ctx)
		if err != nil {
			readErr = err
			break
		}
		if f == nil {
			break
		}
		s.dispatcher.Handle(f, Peer{Identity: s.identity, Sink: s.sink})
	}

	cancel()
	s.sink.Close()
	wErr := <-writeErr
	_ = s.conn.Close()

	if err := firstFailure(readErr, wErr); err != nil {
		s.logger.Info("connection closed", "err", err)
		return err
	}
	s.logger.Info("connection closed")
	return nil
}

// firstFailure returns the first error that is not a cancellation. A
// cancelled context is how the reader and writer stop each other, so it is
// not a failure in itself.
func firstFailure(errs ...error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// teardown releases the registry entry if this connection still owns it and,
// for a target, tells controllers it is gone. Safe to call more than once.
func (s *Supervisor) teardown() {
	s.teardownOnce.Do(func() {
		s.sink.Close()
		role, ok := s.presence.Release(s.identity, s.sink.ID())
		if !ok {
			return
		}
		s.record(store.EventDisconnected, role.String())
		if role == RoleTarget {
			s.dispatcher.BroadcastTargets()
		}
	})
}

func (s *Supervisor) record(typ store.EventType, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(store.Event{
		Type:     typ,
		Identity: s.identity,
		ConnID:   s.sink.ID(),
		Detail:   detail,
	})
}
