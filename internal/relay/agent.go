package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewiresh/cmdrelay/internal/client"
	"github.com/codewiresh/cmdrelay/internal/config"
	"github.com/codewiresh/cmdrelay/internal/connection"
	"github.com/codewiresh/cmdrelay/internal/protocol"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Agent is a target: it connects to the relay under its identity,
// authenticates with the client key and runs the modules controllers ask for.
type Agent struct {
	cfg     *config.AgentConfig
	logger  *slog.Logger
	mu      sync.RWMutex
	modules map[string]Module
}

// NewAgent returns an agent with the echo and exec modules registered.
func NewAgent(cfg *config.AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:     cfg,
		logger:  logger.With("identity", cfg.Identity),
		modules: make(map[string]Module),
	}
	a.Register("echo", EchoModule)
	a.Register("exec", &ExecModule{Allowed: cfg.AllowedCommands, Timeout: cfg.ExecTimeout.Duration})
	return a
}

// Register adds or replaces the module called name.
func (a *Agent) Register(name string, m Module) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modules[name] = m
}

func (a *Agent) module(name string) (Module, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.modules[name]
	return m, ok
}

// RunAgent connects to the relay and serves run orders until ctx is
// cancelled, reconnecting with exponential backoff.
func RunAgent(ctx context.Context, cfg *config.AgentConfig) {
	NewAgent(cfg, slog.Default()).Run(ctx)
}

// Run is RunAgent for an already configured agent.
func (a *Agent) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		connected, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		a.logger.Warn("relay agent disconnected", "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// runOnce serves a single connection. connected reports whether the dial
// succeeded, so the caller can reset its backoff.
func (a *Agent) runOnce(ctx context.Context) (connected bool, err error) {
	conn, err := client.DialSocket(ctx, a.cfg.RelayURL, a.cfg.Identity)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Cancel in-flight modules before waiting for them.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	auth, err := protocol.NewAuthRequest(a.cfg.AppKey)
	if err != nil {
		return true, err
	}
	if err := conn.WriteFrame(ctx, protocol.TextFrame(auth)); err != nil {
		return true, fmt.Errorf("send auth: %w", err)
	}
	a.logger.Info("relay agent connected", "relay", a.cfg.RelayURL)

	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if f == nil {
			return true, errors.New("relay closed the connection")
		}
		if f.Type != protocol.FrameText {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			a.logger.Warn("dropping malformed message from relay", "err", err)
			continue
		}
		if env.Action != protocol.ActionRun {
			a.logger.Debug("ignoring message", "action", env.Action)
			continue
		}

		var data protocol.RunData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			a.logger.Warn("dropping malformed run order", "err", err)
			continue
		}
		if data.Error != "" {
			a.logger.Warn("relay reported error", "error", data.Error)
			continue
		}

		order := protocol.RunOrder{ID: data.ID, Module: data.Module, Params: data.Params}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reply(ctx, conn, a.execute(ctx, order))
		}()
	}
}

// execute runs order through its module and builds the run_response data.
func (a *Agent) execute(ctx context.Context, order protocol.RunOrder) protocol.RunResult {
	res := protocol.RunResult{Target: a.cfg.Identity, Request: order}

	m, ok := a.module(order.Module)
	if !ok {
		res.Error = fmt.Sprintf("unknown module %q", order.Module)
		return res
	}

	params := order.Params
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	start := time.Now()
	out, err := m.Run(ctx, params)
	if err != nil {
		a.logger.Info("module failed", "module", order.Module, "err", err, "elapsed", time.Since(start))
		res.Error = err.Error()
		return res
	}
	raw, err := json.Marshal(out)
	if err != nil {
		res.Error = fmt.Sprintf("encoding output: %v", err)
		return res
	}
	res.Output = raw
	a.logger.Info("module ran", "module", order.Module, "elapsed", time.Since(start))
	return res
}

func (a *Agent) reply(ctx context.Context, conn connection.FrameWriter, res protocol.RunResult) {
	data, err := json.Marshal(res)
	if err != nil {
		a.logger.Error("encoding run_response", "err", err)
		return
	}
	payload, err := protocol.NewRunResponse(data)
	if err != nil {
		a.logger.Error("encoding run_response", "err", err)
		return
	}
	if err := conn.WriteFrame(ctx, protocol.TextFrame(payload)); err != nil {
		a.logger.Warn("sending run_response", "err", err)
	}
}
