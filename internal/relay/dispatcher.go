package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewiresh/cmdrelay/internal/auth"
	"github.com/codewiresh/cmdrelay/internal/protocol"
	"github.com/codewiresh/cmdrelay/internal/store"
)

// Auditor receives audit events. Record must not block.
type Auditor interface {
	Record(ev store.Event)
}

// Peer is the connection a message arrived on.
type Peer struct {
	Identity string
	Sink     Sink
}

func (p Peer) sinkID() string {
	if p.Sink == nil {
		return ""
	}
	return p.Sink.ID()
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Keys auth.Keys
	// StrictRoles requires a controller for run_request and a target for
	// run_response. Off, any connected peer may send either.
	StrictRoles bool
	Audit       Auditor
	Logger      *slog.Logger
}

// Dispatcher routes inbound envelopes over a Presence registry. It keeps no
// state of its own and may be called concurrently for different peers.
type Dispatcher struct {
	presence *Presence
	keys     auth.Keys
	strict   bool
	audit    Auditor
	logger   *slog.Logger
}

// NewDispatcher returns a dispatcher routing over presence.
func NewDispatcher(presence *Presence, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		presence: presence,
		keys:     cfg.Keys,
		strict:   cfg.StrictRoles,
		audit:    cfg.Audit,
		logger:   logger,
	}
}

// Handle processes one inbound frame from peer. Malformed input, unknown
// actions and authorization failures are logged and dropped; nothing here
// fails the connection.
func (d *Dispatcher) Handle(f *protocol.Frame, from Peer) {
	req, err := protocol.ParseFrame(f)
	if err != nil {
		if errors.Is(err, protocol.ErrNotText) {
			return
		}
		d.logger.Warn("dropping message", "identity", from.Identity, "err", err)
		return
	}

	switch req := req.(type) {
	case protocol.AuthRequest:
		d.handleAuth(req, from)
	case protocol.GetClientsRequest:
		d.handleGetClients(from)
	case protocol.RunRequest:
		d.handleRunRequest(req, from)
	case protocol.RunResponse:
		d.handleRunResponse(req, from)
	default:
		d.logger.Warn("dropping message", "identity", from.Identity, "action", req.Action())
	}
}

func (d *Dispatcher) handleAuth(req protocol.AuthRequest, from Peer) {
	if role := d.presence.RoleOf(from.Identity); role != RoleUnauthenticated {
		d.logger.Debug("already authenticated, ignoring auth_request", "identity", from.Identity, "role", role)
		return
	}

	switch d.keys.Match(req.AppKey) {
	case auth.GrantClient:
		if !d.presence.MarkRoleOwned(from.Identity, from.sinkID(), RoleTarget) {
			return
		}
		d.logger.Info("target authenticated", "identity", from.Identity)
		d.record(store.EventAuthGranted, from, RoleTarget.String())
		d.BroadcastTargets()

	case auth.GrantAdmin:
		if !d.presence.MarkRoleOwned(from.Identity, from.sinkID(), RoleController) {
			return
		}
		d.logger.Info("controller authenticated", "identity", from.Identity)
		d.record(store.EventAuthGranted, from, RoleController.String())

	default:
		d.logger.Warn("auth_request rejected: key mismatch", "identity", from.Identity)
		d.record(store.EventAuthRejected, from, "")
	}
}

func (d *Dispatcher) handleGetClients(from Peer) {
	if !d.presence.HasRole(from.Identity, RoleController) {
		d.logger.Warn("get_clients_request denied: not a controller", "identity", from.Identity)
		d.record(store.EventAccessDenied, from, protocol.ActionGetClientsRequest)
		return
	}
	payload, err := protocol.NewClientsUpdate(d.presence.SnapshotRole(RoleTarget))
	if err != nil {
		d.logger.Error("encoding clients_update", "err", err)
		return
	}
	d.send(from.Identity, from.Sink, payload)
}

func (d *Dispatcher) handleRunRequest(req protocol.RunRequest, from Peer) {
	if d.strict && !d.presence.HasRole(from.Identity, RoleController) {
		d.logger.Warn("run_request denied: not a controller", "identity", from.Identity)
		d.record(store.EventAccessDenied, from, protocol.ActionRunRequest)
		return
	}

	var target Sink
	if d.presence.HasRole(req.Target, RoleTarget) {
		target, _ = d.presence.LookupSink(req.Target)
	}
	if target == nil {
		d.logger.Info("run_request for unknown target", "identity", from.Identity, "target", req.Target)
		d.record(store.EventRunRejected, from, "target="+req.Target)
		payload, err := protocol.NewRunError(protocol.ErrTargetNotClient)
		if err != nil {
			d.logger.Error("encoding run error", "err", err)
			return
		}
		d.send(from.Identity, from.Sink, payload)
		return
	}

	payload, err := protocol.NewRunOrder(req.ID, req.Module, req.Params)
	if err != nil {
		d.logger.Error("encoding run order", "err", err)
		return
	}
	d.logger.Info("routing run", "from", from.Identity, "target", req.Target, "module", req.Module)
	d.record(store.EventRunRouted, from, fmt.Sprintf("target=%s module=%s", req.Target, req.Module))
	d.send(req.Target, target, payload)
}

func (d *Dispatcher) handleRunResponse(req protocol.RunResponse, from Peer) {
	if d.strict && !d.presence.HasRole(from.Identity, RoleTarget) {
		d.logger.Warn("run_response denied: not a target", "identity", from.Identity)
		d.record(store.EventAccessDenied, from, protocol.ActionRunResponse)
		return
	}
	payload, err := protocol.NewRunResponse(req.Data)
	if err != nil {
		d.logger.Warn("dropping run_response", "identity", from.Identity, "err", err)
		return
	}
	d.record(store.EventRunResponse, from, "")
	d.broadcast(RoleController, payload)
}

// BroadcastTargets sends the current target list to every controller.
func (d *Dispatcher) BroadcastTargets() {
	payload, err := protocol.NewClientsUpdate(d.presence.SnapshotRole(RoleTarget))
	if err != nil {
		d.logger.Error("encoding clients_update", "err", err)
		return
	}
	d.broadcast(RoleController, payload)
}

func (d *Dispatcher) broadcast(role Role, payload []byte) {
	for id, sink := range d.presence.Recipients(role) {
		d.send(id, sink, payload)
	}
}

// send is best effort. A failed send leaves the registry alone: the owning
// connection's supervisor removes it on teardown.
func (d *Dispatcher) send(identity string, sink Sink, payload []byte) {
	if sink == nil {
		return
	}
	if err := sink.Send(payload); err != nil {
		d.logger.Info("send failed", "identity", identity, "err", err)
	}
}

func (d *Dispatcher) record(typ store.EventType, from Peer, detail string) {
	if d.audit == nil {
		return
	}
	d.audit.Record(store.Event{
		Type:     typ,
		Identity: from.Identity,
		ConnID:   from.sinkID(),
		Detail:   detail,
	})
}
