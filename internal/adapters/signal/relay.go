package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// handleRelay forwards an opaque signaling payload. A sender without
// signal:send is dropped without any reply; the channel never explains
// itself, unlike the HTTP surface.
func (ctl *Controller) handleRelay(cl *client, data []byte) {
	if !auth.Has(cl.perms, auth.PermSignalSend) {
		ctl.Metrics.SignalDropped()
		log.Debug().Str("module", "signal").Str("sid", string(cl.sid)).Msg("signal dropped, no permission")
		return
	}

	var p struct {
		Target  core.SocketID   `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("bad signal payload")
		return
	}

	frame := marshalFrame(struct {
		Type         string          `json:"type"`
		FromSocketID core.SocketID   `json:"fromSocketId"`
		FromUserID   domain.UserID   `json:"fromUserId"`
		Payload      json.RawMessage `json:"payload"`
	}{"signal", cl.sid, cl.userID, p.Payload})

	if p.Target != "" {
		// Unicast never crosses a room boundary; a stale or foreign target
		// id is dropped as quietly as a missing permission.
		e, ok := ctl.Orch.Registry.Get(p.Target)
		if !ok || e.RoomID != cl.roomID {
			ctl.Metrics.SignalDropped()
			return
		}
		ctl.Orch.SendTo(p.Target, frame)
	} else {
		ctl.Orch.BroadcastExcept(cl.roomID, cl.sid, frame)
	}
	ctl.Metrics.SignalRelayed()
}

// handleStateEcho rebroadcasts small client state changes (mute, video
// toggle, self-reported audio level) to the rest of the room with the
// sender's identity attached.
func (ctl *Controller) handleStateEcho(cl *client, typ string, data []byte) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("bad state payload")
		return
	}
	delete(body, "id")
	body["type"] = typ
	body["userId"] = cl.userID
	ctl.Orch.BroadcastExcept(cl.roomID, cl.sid, marshalFrame(body))
}

func marshalFrame(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal frame")
		return nil
	}
	return b
}
