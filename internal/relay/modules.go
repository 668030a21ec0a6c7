package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"slices"
	"time"

	"github.com/creack/pty"
)

// maxExecOutput caps captured stdout and stderr per stream.
const maxExecOutput = 256 << 10

// Module is an action an agent can run on behalf of a controller. The
// returned value is marshalled as the run_response output.
type Module interface {
	Run(ctx context.Context, params json.RawMessage) (any, error)
}

// ModuleFunc adapts a function to Module.
type ModuleFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f ModuleFunc) Run(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// ErrCommandNotAllowed is returned by ExecModule for commands outside its
// allow-list.
var ErrCommandNotAllowed = errors.New("command not allowed")

// EchoModule returns its params unchanged.
var EchoModule = ModuleFunc(func(_ context.Context, params json.RawMessage) (any, error) {
	return params, nil
})

// ExecParams are the params of the exec module.
type ExecParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	// TTY runs the command attached to a pseudo-terminal; stderr is merged
	// into stdout.
	TTY  bool `json:"tty,omitempty"`
	Cols int  `json:"cols,omitempty"`
	Rows int  `json:"rows,omitempty"`
}

// ExecResult is the output of the exec module.
type ExecResult struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ExecModule runs allow-listed commands. An empty allow-list refuses
// everything.
type ExecModule struct {
	Allowed []string
	Timeout time.Duration
}

func (m *ExecModule) Run(ctx context.Context, params json.RawMessage) (any, error) {
	var p ExecParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid exec params: %w", err)
	}
	if p.Command == "" {
		return nil, errors.New("invalid exec params: command is required")
	}
	if !slices.Contains(m.Allowed, p.Command) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotAllowed, p.Command)
	}

	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	if p.TTY {
		return runPTY(ctx, cmd, p)
	}

	stdout := &cappedBuffer{max: maxExecOutput}
	stderr := &cappedBuffer{max: maxExecOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	res := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	return finishExec(ctx, res, err)
}

func runPTY(ctx context.Context, cmd *exec.Cmd, p ExecParams) (any, error) {
	ptmx, err := pty.StartWithSize(cmd, ptySize(p))
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	defer ptmx.Close()

	out := &cappedBuffer{max: maxExecOutput}
	// The pty returns EIO once the child exits; that is the end of output.
	_, _ = io.Copy(out, ptmx)
	err = cmd.Wait()

	res := &ExecResult{Stdout: out.String(), Truncated: out.truncated}
	return finishExec(ctx, res, err)
}

// ptySize converts the requested terminal size to a window size. Unset or
// non-positive dimensions fall back to 80x24 and oversized ones are capped.
func ptySize(p ExecParams) *pty.Winsize {
	return &pty.Winsize{
		Cols: clampDim(p.Cols, 80),
		Rows: clampDim(p.Rows, 24),
	}
}

func clampDim(v, def int) uint16 {
	switch {
	case v <= 0:
		return uint16(def)
	case v > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

// finishExec turns a non-zero exit into an exit code. Start failures and
// timeouts are errors.
func finishExec(ctx context.Context, res *ExecResult, err error) (any, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("exec: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
