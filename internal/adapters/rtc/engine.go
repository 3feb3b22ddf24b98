// Package rtc backs the media-session layer with pion: transports are
// PeerConnections, producers are inbound remote tracks, and consumers are
// local RTP tracks fed by a per-producer fan-out loop.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

var ErrEngineClosed = errors.New("media engine closed")

type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	// SampleInterval is the cadence of volume batches from the observer.
	SampleInterval time.Duration
	// SilenceThreshold in dBov; quieter samples never make a batch.
	SilenceThreshold int
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// Engine implements core.MediaEngine on top of pion/webrtc. It owns the
// producer registry and the audio-level observer; transports are created on
// demand and owned by the caller.
type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
	obs *levelObserver

	mu        sync.RWMutex
	producers map[string]*producer
	closed    bool
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	// The ssrc-audio-level extension is what drives active-speaker election;
	// without it every room stays silent.
	ext := webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI}
	if err := media.RegisterHeaderExtension(ext, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}

	e := &Engine{
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(media)),
		cfg:       webrtc.Configuration{ICEServers: servers},
		obs:       newLevelObserver(cfg.SilenceThreshold),
		producers: make(map[string]*producer),
	}
	go e.obs.run(cfg.SampleInterval)
	return e, nil
}

func (e *Engine) RouterCapabilities() json.RawMessage {
	caps := struct {
		Codecs []map[string]any `json:"codecs"`
		Exts   []string         `json:"headerExtensions"`
	}{
		Codecs: []map[string]any{
			{"mimeType": webrtc.MimeTypeOpus, "clockRate": 48000, "channels": 2},
			{"mimeType": webrtc.MimeTypeVP8, "clockRate": 90000},
		},
		Exts: []string{audioLevelURI},
	}
	b, _ := json.Marshal(caps)
	return b
}

func (e *Engine) NewTransport(_ context.Context, dir core.TransportDirection) (core.MediaTransport, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}

	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}
	return newTransport(e, pc, dir), nil
}

func (e *Engine) CanConsume(producerID string, receiverCaps json.RawMessage) bool {
	e.mu.RLock()
	prod, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	if len(receiverCaps) == 0 {
		return true
	}
	var caps struct {
		Codecs []string `json:"codecs"`
	}
	if err := json.Unmarshal(receiverCaps, &caps); err != nil {
		return false
	}
	if caps.Codecs == nil {
		return true
	}
	mime := prod.remote.Codec().MimeType
	for _, c := range caps.Codecs {
		if strings.EqualFold(c, mime) {
			return true
		}
	}
	return false
}

func (e *Engine) ObserveAudio(producerID string) error {
	e.mu.RLock()
	prod, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return errors.New("unknown producer " + producerID)
	}
	if prod.kind != core.KindAudio {
		return errors.New("producer " + producerID + " is not audio")
	}
	prod.observed.Store(true)
	return nil
}

func (e *Engine) UnobserveAudio(producerID string) {
	e.mu.RLock()
	prod, ok := e.producers[producerID]
	e.mu.RUnlock()
	if ok {
		prod.observed.Store(false)
	}
	e.obs.forget(producerID)
}

func (e *Engine) OnVolumes(fn func([]core.VolumeSample)) { e.obs.onVolumes(fn) }
func (e *Engine) OnSilence(fn func())                    { e.obs.onSilence(fn) }

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.obs.stop()
	log.Info().Str("module", "rtc").Msg("engine closed")
}

func (e *Engine) register(p *producer) {
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.producers, id)
	e.mu.Unlock()
	e.obs.forget(id)
}

func (e *Engine) lookup(id string) *producer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.producers[id]
}
