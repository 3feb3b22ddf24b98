package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

// envelope carries the fields every inbound frame shares. Media orchestration
// requests carry an id the reply echoes back.
type envelope struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
}

func (ctl *Controller) handleFrame(cl *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("bad json")
		return
	}

	switch env.Type {
	case "signal":
		ctl.handleRelay(cl, data)
	case "mute", "videoToggle", "audioLevel":
		ctl.handleStateEcho(cl, env.Type, data)
	case "leaveRoom":
		ctl.handleLeave(cl)
	case "ping":
		ctl.sendJSON(cl.conn, struct {
			ID   string `json:"id,omitempty"`
			Type string `json:"type"`
		}{env.ID, "pong"})
	case "sfu.getRouterCapabilities":
		ctl.handleRouterCapabilities(cl, env.ID)
	case "sfu.createTransport":
		ctl.handleCreateTransport(cl, env.ID, data)
	case "sfu.connectTransport":
		ctl.handleConnectTransport(cl, env.ID, data)
	case "sfu.produce":
		ctl.handleProduce(cl, env.ID, data)
	case "sfu.consume":
		ctl.handleConsume(cl, env.ID, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown frame type")
	}
}

// handleLeave runs the identical cleanup path as a dropped connection. The
// read pump's own deferred disconnect then finds nothing left to do.
func (ctl *Controller) handleLeave(cl *client) {
	log.Info().Str("module", "signal").Str("sid", string(cl.sid)).Msg("voluntary leave")
	ctl.Orch.Disconnect(ctl.RootCtx, cl.sid)
	cl.conn.Close()
}

func (ctl *Controller) sendJSON(c core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		ctl.Metrics.FrameDropped()
	}
}

func (ctl *Controller) replyError(c core.SignalConnection, id, msg string) {
	ctl.sendJSON(c, struct {
		ID    string `json:"id,omitempty"`
		Type  string `json:"type"`
		Error string `json:"error"`
	}{id, "error", msg})
}
