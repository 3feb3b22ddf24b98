package core

import (
	"context"
	"encoding/json"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// VolumeSample is one producer's loudness reading from a sampling tick.
// Volume is in dBov, so closer to zero means louder.
type VolumeSample struct {
	ProducerID string
	Volume     int
}

// MediaTransport is one negotiated path between a participant and the relay.
type MediaTransport interface {
	ID() string
	// Parameters returns whatever the client needs to start negotiation.
	Parameters() json.RawMessage
	// Connect completes negotiation and returns the engine's reply (e.g. an SDP answer).
	Connect(ctx context.Context, negotiation json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, kind MediaKind, params json.RawMessage) (MediaProducer, error)
	Consume(ctx context.Context, producerID string, receiverCaps json.RawMessage) (MediaConsumer, error)
	// Close cascades to every producer and consumer opened on this transport.
	Close()
}

// MediaProducer is a participant's outbound stream on a send transport.
type MediaProducer interface {
	ID() string
	Kind() MediaKind
	Close()
}

// MediaConsumer is a forwarded copy of a remote producer.
type MediaConsumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Parameters() json.RawMessage
	Close()
}

// MediaEngine is the external engine that moves WebRTC bytes on the wire.
// Everything above it only orchestrates transports, producers and consumers.
type MediaEngine interface {
	RouterCapabilities() json.RawMessage
	NewTransport(ctx context.Context, dir TransportDirection) (MediaTransport, error)
	CanConsume(producerID string, receiverCaps json.RawMessage) bool

	// Audio-level observation driving active-speaker election.
	ObserveAudio(producerID string) error
	UnobserveAudio(producerID string)
	OnVolumes(func([]VolumeSample))
	OnSilence(func())

	Close()
}
