package rtc

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

// producer reads RTP from one remote track and fans it out to every consumer
// track. For observed audio producers it also feeds the level observer from
// the ssrc-audio-level header extension on the way through.
type producer struct {
	id       string
	kind     core.MediaKind
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	engine   *Engine
	observed atomic.Bool

	mu     sync.Mutex
	outs   map[string]*webrtc.TrackLocalStaticRTP
	closed bool
}

func newProducer(e *Engine, kind core.MediaKind, arrival remoteArrival) *producer {
	return &producer{
		id:       uuid.NewString(),
		kind:     kind,
		remote:   arrival.track,
		receiver: arrival.receiver,
		engine:   e,
		outs:     make(map[string]*webrtc.TrackLocalStaticRTP),
	}
}

func (p *producer) ID() string           { return p.id }
func (p *producer) Kind() core.MediaKind { return p.kind }

func (p *producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	// Stopping the receiver makes the relay loop's ReadRTP return.
	_ = p.receiver.Stop()
}

func (p *producer) addOut(consumerID string, out *webrtc.TrackLocalStaticRTP) {
	p.mu.Lock()
	p.outs[consumerID] = out
	p.mu.Unlock()
}

func (p *producer) removeOut(consumerID string) {
	p.mu.Lock()
	delete(p.outs, consumerID)
	p.mu.Unlock()
}

func (p *producer) relay() {
	defer p.engine.unregister(p.id)

	extID := p.audioLevelExtID()
	for {
		pkt, _, err := p.remote.ReadRTP()
		if err != nil {
			log.Info().Str("module", "rtc").Str("producer", p.id).Err(err).Msg("relay loop ended")
			return
		}

		if extID != 0 && p.observed.Load() {
			if raw := pkt.GetExtension(extID); raw != nil {
				var lvl rtp.AudioLevelExtension
				if err := lvl.Unmarshal(raw); err == nil {
					// The extension carries -dBov as 0..127.
					p.engine.obs.record(p.id, -int(lvl.Level))
				}
			}
		}

		p.mu.Lock()
		outs := make([]*webrtc.TrackLocalStaticRTP, 0, len(p.outs))
		for _, out := range p.outs {
			outs = append(outs, out)
		}
		p.mu.Unlock()

		for _, out := range outs {
			// A failed write means that consumer's transport is going away;
			// its own teardown will unlink it.
			_ = out.WriteRTP(pkt)
		}
	}
}

func (p *producer) audioLevelExtID() uint8 {
	if p.kind != core.KindAudio {
		return 0
	}
	for _, ext := range p.receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// consumer is one forwarded track on a receive transport.
type consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	pc         *webrtc.PeerConnection
	sender     *webrtc.RTPSender
	producer   *producer
	once       sync.Once
}

func (c *consumer) ID() string           { return c.id }
func (c *consumer) ProducerID() string   { return c.producerID }
func (c *consumer) Kind() core.MediaKind { return c.kind }

func (c *consumer) Parameters() json.RawMessage {
	codec := c.producer.remote.Codec()
	b, _ := json.Marshal(struct {
		MimeType  string `json:"mimeType"`
		ClockRate uint32 `json:"clockRate"`
	}{codec.MimeType, codec.ClockRate})
	return b
}

func (c *consumer) Close() {
	c.once.Do(func() {
		c.producer.removeOut(c.id)
		if err := c.pc.RemoveTrack(c.sender); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("remove track")
		}
	})
}
