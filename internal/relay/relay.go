package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codewiresh/cmdrelay/internal/config"
	"github.com/codewiresh/cmdrelay/internal/connection"
	"github.com/codewiresh/cmdrelay/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Relay wires a Presence registry and Dispatcher to the HTTP surface. One
// Relay serves any number of connections; tests may run several side by side.
type Relay struct {
	cfg        *config.RelayConfig
	presence   *Presence
	dispatcher *Dispatcher
	audit      Auditor
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a relay from cfg. audit may be nil.
func New(cfg *config.RelayConfig, audit Auditor, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	presence := NewPresence(logger)
	return &Relay{
		cfg:      cfg,
		presence: presence,
		dispatcher: NewDispatcher(presence, DispatcherConfig{
			Keys:        cfg.Keys(),
			StrictRoles: cfg.StrictRoles,
			Audit:       audit,
			Logger:      logger,
		}),
		audit:  audit,
		logger: logger,
	}
}

// Presence returns the relay's registry.
func (rl *Relay) Presence() *Presence { return rl.presence }

// Handler returns the relay's HTTP routes.
func (rl *Relay) Handler() http.Handler {
	var limiter *rateLimiter
	if rl.cfg.ConnectRateLimit > 0 {
		limiter = newRateLimiter(rl.cfg.ConnectRateLimit, time.Minute)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /socket/{identity}", rateLimitMiddleware(limiter, rl.cfg.TrustForwardedFor, rl.socketHandler))
	mux.HandleFunc("GET /api/v1/presence", rl.presenceHandler)
	mux.HandleFunc("GET /healthz", healthzHandler)
	return mux
}

// ServeConn supervises conn under identity until it ends.
func (rl *Relay) ServeConn(ctx context.Context, identity string, conn connection.Conn) error {
	rl.wg.Add(1)
	defer rl.wg.Done()

	sup := NewSupervisor(identity, conn, rl.presence, rl.dispatcher, SupervisorConfig{
		SinkBuffer:   rl.cfg.SinkBuffer,
		PingInterval: rl.cfg.PingInterval.Duration,
		Audit:        rl.audit,
		Logger:       rl.logger,
	})
	return sup.Run(ctx)
}

// Close disconnects every peer and waits for their supervisors to finish
// teardown, or for ctx to expire.
func (rl *Relay) Close(ctx context.Context) error {
	rl.presence.CloseAll()

	done := make(chan struct{})
	go func() {
		rl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunRelay starts the relay server. It blocks until ctx is cancelled.
func RunRelay(ctx context.Context, cfg *config.RelayConfig, dataDir string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}

	var audit Auditor
	if cfg.Audit {
		st, err := store.NewSQLiteStore(dataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()
		rec := store.NewRecorder(st, 0, slog.Default())
		defer rec.Close()
		audit = rec
	}

	rl := New(cfg, audit, slog.Default())

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	slog.Info("relay listening", "addr", ln.Addr().String(), "audit", cfg.Audit, "strict_roles", cfg.StrictRoles)
	return rl.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled or the listener fails. On
// return every peer has been disconnected or the shutdown timeout expired.
func (rl *Relay) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{Handler: rl.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpSrv.Shutdown(shutCtx)
	if err := rl.Close(shutCtx); err != nil {
		rl.logger.Warn("connections still open at shutdown", "err", err)
	}
	return serveErr
}
