package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app/sfu"
	"github.com/huddlekit/huddle/internal/core"
)

// Media orchestration over the signaling channel. Each request carries an id
// the reply echoes; failures come back as typed error frames rather than the
// silent drops used for peer signaling.

const produceWait = 15 * time.Second

func (ctl *Controller) handleRouterCapabilities(cl *client, id string) {
	ctl.sendJSON(cl.conn, struct {
		ID           string          `json:"id,omitempty"`
		Type         string          `json:"type"`
		Capabilities json.RawMessage `json:"capabilities"`
	}{id, "sfu.routerCapabilities", ctl.Sessions.RouterCapabilities()})
}

func (ctl *Controller) handleCreateTransport(cl *client, id string, data []byte) {
	var p struct {
		Direction core.TransportDirection `json:"direction"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.replyError(cl.conn, id, "bad payload")
		return
	}
	if p.Direction != core.DirectionSend && p.Direction != core.DirectionRecv {
		ctl.replyError(cl.conn, id, "direction must be send or recv")
		return
	}

	transport, err := ctl.Sessions.CreateTransport(cl.ctx, cl.roomID, cl.userID, p.Direction)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("create transport")
		ctl.replyError(cl.conn, id, "transport creation failed")
		return
	}
	ctl.sendJSON(cl.conn, struct {
		ID        string          `json:"id,omitempty"`
		Type      string          `json:"type"`
		Transport json.RawMessage `json:"transport"`
	}{id, "sfu.transportCreated", transport.Parameters()})
}

func (ctl *Controller) handleConnectTransport(cl *client, id string, data []byte) {
	var p struct {
		TransportID string          `json:"transportId"`
		Negotiation json.RawMessage `json:"negotiation"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.replyError(cl.conn, id, "bad payload")
		return
	}

	reply, err := ctl.Sessions.ConnectTransport(cl.ctx, cl.roomID, cl.userID, p.TransportID, p.Negotiation)
	if err != nil {
		ctl.replyError(cl.conn, id, err.Error())
		return
	}
	ctl.sendJSON(cl.conn, struct {
		ID    string          `json:"id,omitempty"`
		Type  string          `json:"type"`
		Reply json.RawMessage `json:"reply"`
	}{id, "sfu.transportConnected", reply})
}

func (ctl *Controller) handleProduce(cl *client, id string, data []byte) {
	var p struct {
		Kind   core.MediaKind  `json:"kind"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.replyError(cl.conn, id, "bad payload")
		return
	}
	if p.Kind != core.KindAudio && p.Kind != core.KindVideo {
		ctl.replyError(cl.conn, id, "kind must be audio or video")
		return
	}

	// Producing waits for the client's track to land on the transport, so it
	// gets a bounded context instead of the connection's.
	ctx, cancel := context.WithTimeout(cl.ctx, produceWait)
	defer cancel()
	producerID, err := ctl.Sessions.Produce(ctx, cl.roomID, cl.userID, p.Kind, p.Params)
	if err != nil {
		ctl.replyError(cl.conn, id, err.Error())
		return
	}
	ctl.sendJSON(cl.conn, struct {
		ID         string `json:"id,omitempty"`
		Type       string `json:"type"`
		ProducerID string `json:"producerId"`
	}{id, "sfu.produced", producerID})
}

func (ctl *Controller) handleConsume(cl *client, id string, data []byte) {
	var p struct {
		ProducerID   string          `json:"producerId"`
		Capabilities json.RawMessage `json:"receiverCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.replyError(cl.conn, id, "bad payload")
		return
	}

	res, err := ctl.Sessions.Consume(cl.ctx, cl.roomID, cl.userID, p.ProducerID, p.Capabilities)
	if err != nil {
		ctl.replyError(cl.conn, id, err.Error())
		return
	}
	ctl.sendJSON(cl.conn, struct {
		ID       string             `json:"id,omitempty"`
		Type     string             `json:"type"`
		Consumer *sfu.ConsumeResult `json:"consumer"`
	}{id, "sfu.consumed", res})
}
