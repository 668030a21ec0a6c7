package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/codewiresh/cmdrelay/internal/connection"
	"github.com/codewiresh/cmdrelay/internal/protocol"
)

// ErrTargetNotClient is returned by Run when the relay reports that the
// target is not an authenticated target.
var ErrTargetNotClient = errors.New(protocol.ErrTargetNotClient)

// SocketURL builds the connect URL for identity from a relay base URL.
// http(s):// is converted to ws(s)://.
func SocketURL(base, identity string) string {
	u := base
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/socket/" + url.PathEscape(identity)
}

// DialSocket opens a relay connection claiming identity.
func DialSocket(ctx context.Context, relayURL, identity string) (*connection.WSConn, error) {
	ws, _, err := websocket.Dial(ctx, SocketURL(relayURL, identity), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}
	return connection.NewWSConn(ws, protocol.MaxPayload), nil
}

// Controller is an authenticated controller connection.
type Controller struct {
	conn *connection.WSConn
}

// Dial connects as identity and authenticates with the admin key. The relay
// does not acknowledge authentication; a wrong key shows up as requests that
// never get an answer.
func Dial(ctx context.Context, relayURL, identity, adminKey string) (*Controller, error) {
	conn, err := DialSocket(ctx, relayURL, identity)
	if err != nil {
		return nil, err
	}
	c := &Controller{conn: conn}
	payload, err := protocol.NewAuthRequest(adminKey)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.send(ctx, payload); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection.
func (c *Controller) Close() error {
	return c.conn.Close()
}

func (c *Controller) send(ctx context.Context, payload []byte) error {
	if err := c.conn.WriteFrame(ctx, protocol.TextFrame(payload)); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return nil
}

// Next blocks for the next envelope from the relay. Binary frames are
// skipped.
func (c *Controller) Next(ctx context.Context) (*protocol.Envelope, error) {
	for {
		f, err := c.conn.ReadFrame(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading from relay: %w", err)
		}
		if f == nil {
			return nil, errors.New("relay closed the connection")
		}
		if f.Type != protocol.FrameText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			return nil, fmt.Errorf("decoding envelope: %w", err)
		}
		return &env, nil
	}
}

// DecodeClientsUpdate returns the target list of a clients_update (or
// new_client_connected) envelope. ok is false for other actions.
func DecodeClientsUpdate(env *protocol.Envelope) (targets []string, ok bool, err error) {
	if env.Action != protocol.ActionClientsUpdate && env.Action != protocol.ActionNewClientConnected {
		return nil, false, nil
	}
	var data protocol.ClientsUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, true, fmt.Errorf("decoding %s: %w", env.Action, err)
	}
	return data.ConnectedClients, true, nil
}

// Targets asks the relay for the authenticated targets.
func (c *Controller) Targets(ctx context.Context) ([]string, error) {
	payload, err := protocol.NewGetClientsRequest()
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, payload); err != nil {
		return nil, err
	}
	for {
		env, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		targets, ok, err := DecodeClientsUpdate(env)
		if err != nil {
			return nil, err
		}
		if ok {
			return targets, nil
		}
	}
}

// Run sends module with params to target and waits for the target's result.
// Every controller sees every run_response, so the request carries a fresh
// ID and only the result echoing it is returned. Results without an ID are
// matched on target and module.
func (c *Controller) Run(ctx context.Context, target, module string, params json.RawMessage) (*protocol.RunResult, error) {
	id := uuid.NewString()
	payload, err := protocol.NewRunRequest(id, target, module, params)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, payload); err != nil {
		return nil, err
	}

	for {
		env, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch env.Action {
		case protocol.ActionRun:
			var data protocol.RunData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("decoding run: %w", err)
			}
			if data.Error == protocol.ErrTargetNotClient {
				return nil, fmt.Errorf("%w: %s", ErrTargetNotClient, target)
			}
			if data.Error != "" {
				return nil, errors.New(data.Error)
			}

		case protocol.ActionRunResponse:
			var res protocol.RunResult
			if err := json.Unmarshal(env.Data, &res); err != nil {
				continue
			}
			if resultFor(&res, id, target, module) {
				return &res, nil
			}
		}
	}
}

func resultFor(res *protocol.RunResult, id, target, module string) bool {
	if res.Request.ID != "" {
		return res.Request.ID == id
	}
	return res.Target == target && res.Request.Module == module
}
