// Package sfu maintains the per-room media-session graph against the external
// media engine: transport pairs, producers, consumers and the active-speaker
// state, kept consistent under joins, leaves and crashes.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

var (
	// ErrTransportNotFound means the referenced id matches neither of the
	// user's two transports, or the required transport was never created.
	ErrTransportNotFound = errors.New("transport not found")

	// ErrIncompatibleMedia means the caller's receive capabilities cannot
	// consume the target producer.
	ErrIncompatibleMedia = errors.New("incompatible media capabilities")
)

// Notifier fans a frame out to a room, skipping every connection of one user.
type Notifier interface {
	Broadcast(roomID domain.RoomID, exceptUser domain.UserID, f core.Frame)
}

type ownerRef struct {
	roomID domain.RoomID
	userID domain.UserID
}

// userMedia is one user's slice of the graph: a send and a recv transport,
// at most one producer per kind, and consumers keyed by upstream producer id.
type userMedia struct {
	send      core.MediaTransport
	recv      core.MediaTransport
	producers map[core.MediaKind]core.MediaProducer
	consumers map[string]core.MediaConsumer
}

type roomMedia struct {
	users map[domain.UserID]*userMedia
}

// Manager owns every room's media graph. Engine calls are made outside the
// lock; they may block on the engine's own pacing.
type Manager struct {
	engine   core.MediaEngine
	notifier Notifier

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*roomMedia
	owners   map[string]ownerRef           // producer id -> owning user
	speakers map[domain.RoomID]domain.UserID // "" means nobody is speaking
}

func NewManager(engine core.MediaEngine, notifier Notifier) *Manager {
	m := &Manager{
		engine:   engine,
		notifier: notifier,
		rooms:    make(map[domain.RoomID]*roomMedia),
		owners:   make(map[string]ownerRef),
		speakers: make(map[domain.RoomID]domain.UserID),
	}
	engine.OnVolumes(m.handleVolumes)
	engine.OnSilence(m.handleSilence)
	return m
}

func (m *Manager) RouterCapabilities() json.RawMessage {
	return m.engine.RouterCapabilities()
}

func (m *Manager) ensureUser(roomID domain.RoomID, userID domain.UserID) *userMedia {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureUserLocked(roomID, userID)
}

func (m *Manager) ensureUserLocked(roomID domain.RoomID, userID domain.UserID) *userMedia {
	room, ok := m.rooms[roomID]
	if !ok {
		room = &roomMedia{users: make(map[domain.UserID]*userMedia)}
		m.rooms[roomID] = room
		if _, ok := m.speakers[roomID]; !ok {
			m.speakers[roomID] = ""
		}
	}
	user, ok := room.users[userID]
	if !ok {
		user = &userMedia{
			producers: make(map[core.MediaKind]core.MediaProducer),
			consumers: make(map[string]core.MediaConsumer),
		}
		room.users[userID] = user
	}
	return user
}

// CreateTransport allocates one negotiable transport for the direction. A
// second call for the same direction replaces the stored reference; callers
// are expected not to double-allocate.
func (m *Manager) CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, dir core.TransportDirection) (core.MediaTransport, error) {
	transport, err := m.engine.NewTransport(ctx, dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	user := m.ensureUserLocked(roomID, userID)
	if dir == core.DirectionSend {
		user.send = transport
	} else {
		user.recv = transport
	}
	m.mu.Unlock()

	log.Info().Str("module", "sfu").Str("room", string(roomID)).Str("user", string(userID)).
		Str("direction", string(dir)).Str("transport", transport.ID()).Msg("transport created")
	return transport, nil
}

// ConnectTransport completes negotiation for a previously created transport.
func (m *Manager) ConnectTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, transportID string, negotiation json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	transport := m.findTransportLocked(roomID, userID, transportID)
	m.mu.RUnlock()
	if transport == nil {
		return nil, ErrTransportNotFound
	}
	return transport.Connect(ctx, negotiation)
}

func (m *Manager) findTransportLocked(roomID domain.RoomID, userID domain.UserID, transportID string) core.MediaTransport {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	user, ok := room.users[userID]
	if !ok {
		return nil
	}
	if user.send != nil && user.send.ID() == transportID {
		return user.send
	}
	if user.recv != nil && user.recv.ID() == transportID {
		return user.recv
	}
	return nil
}

// Produce opens the user's producer for the kind on their send transport and
// announces it to the rest of the room so they can start consuming.
func (m *Manager) Produce(ctx context.Context, roomID domain.RoomID, userID domain.UserID, kind core.MediaKind, params json.RawMessage) (string, error) {
	m.mu.RLock()
	var send core.MediaTransport
	if room, ok := m.rooms[roomID]; ok {
		if user, ok := room.users[userID]; ok {
			send = user.send
		}
	}
	m.mu.RUnlock()
	if send == nil {
		return "", ErrTransportNotFound
	}

	producer, err := send.Produce(ctx, kind, params)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	user := m.ensureUserLocked(roomID, userID)
	// Re-producing the same kind supersedes the previous producer; its owner
	// and observer registrations must not outlive it.
	old := user.producers[kind]
	user.producers[kind] = producer
	if kind == core.KindAudio {
		if old != nil {
			delete(m.owners, old.ID())
		}
		m.owners[producer.ID()] = ownerRef{roomID: roomID, userID: userID}
	}
	m.mu.Unlock()

	if old != nil {
		if kind == core.KindAudio {
			m.engine.UnobserveAudio(old.ID())
		}
		old.Close()
	}

	if kind == core.KindAudio {
		if err := m.engine.ObserveAudio(producer.ID()); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Str("producer", producer.ID()).Msg("audio observer registration failed")
		}
	}

	m.notifier.Broadcast(roomID, userID, evNewProducer(userID, producer.ID(), kind))
	log.Info().Str("module", "sfu").Str("room", string(roomID)).Str("user", string(userID)).
		Str("producer", producer.ID()).Str("kind", string(kind)).Msg("producer opened")
	return producer.ID(), nil
}

// ConsumeResult is what the consuming client needs to attach the forwarded
// stream to its receive transport.
type ConsumeResult struct {
	ID         string          `json:"id"`
	ProducerID string          `json:"producerId"`
	Kind       core.MediaKind  `json:"kind"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Consume forwards an upstream producer onto the caller's receive transport,
// after the engine confirms the caller can actually receive it.
func (m *Manager) Consume(ctx context.Context, roomID domain.RoomID, userID domain.UserID, producerID string, receiverCaps json.RawMessage) (*ConsumeResult, error) {
	if !m.engine.CanConsume(producerID, receiverCaps) {
		return nil, ErrIncompatibleMedia
	}

	m.mu.RLock()
	var recv core.MediaTransport
	if room, ok := m.rooms[roomID]; ok {
		if user, ok := room.users[userID]; ok {
			recv = user.recv
		}
	}
	m.mu.RUnlock()
	if recv == nil {
		return nil, ErrTransportNotFound
	}

	consumer, err := recv.Consume(ctx, producerID, receiverCaps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	user := m.ensureUserLocked(roomID, userID)
	user.consumers[producerID] = consumer
	m.mu.Unlock()

	return &ConsumeResult{
		ID:         consumer.ID(),
		ProducerID: producerID,
		Kind:       consumer.Kind(),
		Parameters: consumer.Parameters(),
	}, nil
}

// CloseUser runs the full teardown cascade for one user: their consumers,
// their producers (and every consumer other users created from them), both
// transports, and the audio-observer registrations. Idempotent.
func (m *Manager) CloseUser(roomID domain.RoomID, userID domain.UserID) {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	user, ok := room.users[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(room.users, userID)

	var toClose []interface{ Close() }
	var audioProducers []string
	for _, c := range user.consumers {
		toClose = append(toClose, c)
	}
	for kind, p := range user.producers {
		if kind == core.KindAudio {
			audioProducers = append(audioProducers, p.ID())
			delete(m.owners, p.ID())
		}
		// Downstream consumers of this producer live in other users' maps.
		for _, other := range room.users {
			if c, ok := other.consumers[p.ID()]; ok {
				delete(other.consumers, p.ID())
				toClose = append(toClose, c)
			}
		}
		toClose = append(toClose, p)
	}
	if user.send != nil {
		toClose = append(toClose, user.send)
	}
	if user.recv != nil {
		toClose = append(toClose, user.recv)
	}

	roomEmpty := len(room.users) == 0
	if roomEmpty {
		delete(m.rooms, roomID)
		delete(m.speakers, roomID)
	} else if !m.anyAudioLocked(room) {
		m.speakers[roomID] = ""
	}
	m.mu.Unlock()

	for _, pid := range audioProducers {
		m.engine.UnobserveAudio(pid)
	}
	for _, c := range toClose {
		c.Close()
	}
	log.Info().Str("module", "sfu").Str("room", string(roomID)).Str("user", string(userID)).
		Bool("room_empty", roomEmpty).Msg("media state torn down")
}

func (m *Manager) anyAudioLocked(room *roomMedia) bool {
	for _, u := range room.users {
		if _, ok := u.producers[core.KindAudio]; ok {
			return true
		}
	}
	return false
}

// ResetRoom drops a room's entire media graph.
func (m *Manager) ResetRoom(roomID domain.RoomID) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	var users []domain.UserID
	if ok {
		for uid := range room.users {
			users = append(users, uid)
		}
	}
	m.mu.RUnlock()
	for _, uid := range users {
		m.CloseUser(roomID, uid)
	}
	m.mu.Lock()
	delete(m.rooms, roomID)
	delete(m.speakers, roomID)
	m.mu.Unlock()
}

// ActiveSpeaker returns the room's current loudest user, or false when the
// room is silent or unknown.
func (m *Manager) ActiveSpeaker(roomID domain.RoomID) (domain.UserID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uid, ok := m.speakers[roomID]
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}
