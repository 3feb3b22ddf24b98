package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

var ErrTransportClosed = errors.New("transport closed")

type remoteArrival struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// Transport is one PeerConnection between a participant and the relay. Send
// transports surface the client's uploaded tracks through Produce; receive
// transports carry forwarded tracks attached by Consume.
type Transport struct {
	id     string
	dir    core.TransportDirection
	pc     *webrtc.PeerConnection
	engine *Engine

	mu       sync.Mutex
	arrivals map[core.MediaKind]chan remoteArrival
	closed   bool
}

func newTransport(e *Engine, pc *webrtc.PeerConnection, dir core.TransportDirection) *Transport {
	t := &Transport{
		id:     uuid.NewString(),
		dir:    dir,
		pc:     pc,
		engine: e,
		arrivals: map[core.MediaKind]chan remoteArrival{
			core.KindAudio: make(chan remoteArrival, 1),
			core.KindVideo: make(chan remoteArrival, 1),
		},
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("transport", t.id).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("transport", t.id).Str("peer_state", s.String()).Msg("peer state")
	})

	if dir == core.DirectionSend {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			kind := core.KindVideo
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				kind = core.KindAudio
			}
			log.Info().Str("module", "rtc").Str("transport", t.id).Str("kind", string(kind)).
				Str("track_id", track.ID()).Msg("remote track arrived")
			select {
			case t.arrivals[kind] <- remoteArrival{track: track, receiver: receiver}:
			default:
				log.Warn().Str("module", "rtc").Str("transport", t.id).Str("kind", string(kind)).
					Msg("unclaimed remote track dropped")
			}
		})
	}
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Parameters() json.RawMessage {
	params := struct {
		ID         string             `json:"id"`
		Direction  string             `json:"direction"`
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{t.id, string(t.dir), t.engine.cfg.ICEServers}
	b, _ := json.Marshal(params)
	return b
}

// Connect applies the client's offer and answers once ICE gathering is done,
// so the answer carries every candidate and no trickle channel is needed.
func (t *Transport) Connect(_ context.Context, negotiation json.RawMessage) (json.RawMessage, error) {
	var neg struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(negotiation, &neg); err != nil {
		return nil, fmt.Errorf("bad negotiation payload: %w", err)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: neg.SDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	local := t.pc.LocalDescription()
	reply, err := json.Marshal(struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}{"answer", local.SDP})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Produce waits for the client's track of the kind to arrive on this send
// transport and starts relaying it.
func (t *Transport) Produce(ctx context.Context, kind core.MediaKind, _ json.RawMessage) (core.MediaProducer, error) {
	if t.dir != core.DirectionSend {
		return nil, errors.New("produce requires a send transport")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	ch := t.arrivals[kind]
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s track: %w", kind, ctx.Err())
	case arrival := <-ch:
		p := newProducer(t.engine, kind, arrival)
		t.engine.register(p)
		go p.relay()
		return p, nil
	}
}

// Consume attaches a forwarded copy of the producer's track to this receive
// transport. The caller renegotiates afterwards to pick it up.
func (t *Transport) Consume(_ context.Context, producerID string, _ json.RawMessage) (core.MediaConsumer, error) {
	if t.dir != core.DirectionRecv {
		return nil, errors.New("consume requires a receive transport")
	}
	prod := t.engine.lookup(producerID)
	if prod == nil {
		return nil, errors.New("unknown producer " + producerID)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(prod.remote.Codec().RTPCodecCapability, "fwd-"+prod.id, "huddle")
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}

	// Drain inbound RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       prod.kind,
		pc:         t.pc,
		sender:     sender,
		producer:   prod,
	}
	prod.addOut(c.id, local)
	return c, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("transport", t.id).Msg("closed")
	}
}
