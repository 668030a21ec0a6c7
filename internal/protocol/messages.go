package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action names, lower_snake_case on the wire.
const (
	ActionAuthRequest        = "auth_request"
	ActionGetClientsRequest  = "get_clients_request"
	ActionRunRequest         = "run_request"
	ActionRun                = "run"
	ActionClientsUpdate      = "clients_update"
	ActionNewClientConnected = "new_client_connected"
	ActionRunResponse        = "run_response"
)

// ErrTargetNotClient is the error text sent back when a run_request names an
// identity that is not an authenticated target.
const ErrTargetNotClient = "Target isn't a client"

// Envelope is the wire unit in both directions.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Request is one of the inbound envelope variants: AuthRequest,
// GetClientsRequest, RunRequest or RunResponse.
type Request interface {
	Action() string
}

// AuthRequest asks the relay to assign a role for the sending connection.
type AuthRequest struct {
	AppKey string `json:"app_key"`
}

// GetClientsRequest asks for the list of authenticated targets.
type GetClientsRequest struct{}

// RunRequest asks the relay to forward a module invocation to Target. ID is
// optional and travels with the order so the result can be matched to it.
type RunRequest struct {
	ID     string          `json:"id,omitempty"`
	Target string          `json:"target"`
	Module string          `json:"module"`
	Params json.RawMessage `json:"params"`
}

// RunResponse carries a target's execution result, relayed verbatim.
type RunResponse struct {
	Data json.RawMessage
}

func (AuthRequest) Action() string       { return ActionAuthRequest }
func (GetClientsRequest) Action() string { return ActionGetClientsRequest }
func (RunRequest) Action() string        { return ActionRunRequest }
func (RunResponse) Action() string       { return ActionRunResponse }

var jsonNull = json.RawMessage("null")

// ParseRequest decodes a raw envelope into its typed request. Errors wrap
// ErrMalformed or ErrUnknownAction.
func ParseRequest(raw []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("envelope", err)
	}

	switch env.Action {
	case ActionAuthRequest:
		var req AuthRequest
		if err := decodeStrict(env.Data, &req); err != nil {
			return nil, malformed(env.Action, err)
		}
		return req, nil

	case ActionGetClientsRequest:
		return GetClientsRequest{}, nil

	case ActionRunRequest:
		var req RunRequest
		if err := decodeStrict(env.Data, &req); err != nil {
			return nil, malformed(env.Action, err)
		}
		if len(req.Params) == 0 {
			req.Params = jsonNull
		}
		return req, nil

	case ActionRunResponse:
		data := env.Data
		if len(data) == 0 {
			data = jsonNull
		}
		return RunResponse{Data: data}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
}

// decodeStrict requires data to be a JSON object.
func decodeStrict(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("data must be an object")
	}
	return json.Unmarshal(trimmed, v)
}

// --- Outbound payloads ---

// ClientsUpdateData lists the identities of authenticated targets.
type ClientsUpdateData struct {
	ConnectedClients []string `json:"connected_clients"`
}

// RunOrder is the payload of a run envelope forwarded to a target.
type RunOrder struct {
	ID     string          `json:"id,omitempty"`
	Module string          `json:"module"`
	Params json.RawMessage `json:"params"`
}

// RunError is the payload of a run envelope sent back on a routing failure.
type RunError struct {
	Error string `json:"error"`
}

// RunData is the union a peer decodes a run envelope into.
type RunData struct {
	ID     string          `json:"id,omitempty"`
	Module string          `json:"module,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RunResult is the run_response data an agent sends back for a run order.
// Target is the answering agent's identity. Exactly one of Output and Error
// is set.
type RunResult struct {
	Target  string          `json:"target,omitempty"`
	Request RunOrder        `json:"request"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Encode builds an envelope with data marshalled as JSON.
func Encode(action string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", action, err)
	}
	return json.Marshal(Envelope{Action: action, Data: raw})
}

// NewClientsUpdate builds a clients_update envelope. A nil list encodes as [].
func NewClientsUpdate(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return Encode(ActionClientsUpdate, ClientsUpdateData{ConnectedClients: ids})
}

// NewRunOrder builds the run envelope delivered to a target. An empty id is
// omitted.
func NewRunOrder(id, module string, params json.RawMessage) ([]byte, error) {
	if len(params) == 0 {
		params = jsonNull
	}
	return Encode(ActionRun, RunOrder{ID: id, Module: module, Params: params})
}

// NewRunError builds the run envelope returned on a routing failure.
func NewRunError(msg string) ([]byte, error) {
	return Encode(ActionRun, RunError{Error: msg})
}

// NewRunResponse wraps data verbatim as a run_response envelope.
func NewRunResponse(data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = jsonNull
	}
	return json.Marshal(Envelope{Action: ActionRunResponse, Data: data})
}

// NewAuthRequest builds the auth_request envelope a peer sends after connecting.
func NewAuthRequest(appKey string) ([]byte, error) {
	return Encode(ActionAuthRequest, AuthRequest{AppKey: appKey})
}

// NewGetClientsRequest builds a get_clients_request envelope.
func NewGetClientsRequest() ([]byte, error) {
	return Encode(ActionGetClientsRequest, struct{}{})
}

// NewRunRequest builds a run_request envelope addressed to target. id may be
// empty.
func NewRunRequest(id, target, module string, params json.RawMessage) ([]byte, error) {
	if len(params) == 0 {
		params = jsonNull
	}
	return Encode(ActionRunRequest, RunRequest{ID: id, Target: target, Module: module, Params: params})
}
