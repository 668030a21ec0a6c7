package relay

import (
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/codewiresh/cmdrelay/internal/config"
	"github.com/codewiresh/cmdrelay/internal/connection"
)

// socketHandler upgrades GET /socket/{identity} and serves the connection
// until it ends. The identity is claimed by the path; roles come later from
// auth_request.
func (rl *Relay) socketHandler(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if err := config.ValidateIdentity(identity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // peers authenticate in-band with auth_request
	})
	if err != nil {
		rl.logger.Debug("websocket accept failed", "identity", identity, "err", err)
		return
	}
	defer ws.CloseNow()

	rl.logger.Info("peer connected", "identity", identity, "remote", remoteIP(r, rl.cfg.TrustForwardedFor))
	conn := connection.NewWSConn(ws, rl.cfg.MaxMessageBytes)
	_ = rl.ServeConn(r.Context(), identity, conn)
}

type presenceResponse struct {
	Connections int `json:"connections"`
	Targets     int `json:"targets"`
	Controllers int `json:"controllers"`
}

func (rl *Relay) presenceHandler(w http.ResponseWriter, r *http.Request) {
	conns, targets, controllers := rl.presence.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(presenceResponse{
		Connections: conns,
		Targets:     targets,
		Controllers: controllers,
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}
