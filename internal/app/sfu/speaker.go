package sfu

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// handleVolumes records the loudest sampled producer's owner as its room's
// active speaker. A plain max-pick: rapid speaker changes show up on the next
// tick, and close ties break toward the first-seen sample.
func (m *Manager) handleVolumes(samples []core.VolumeSample) {
	if len(samples) == 0 {
		return
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if s.Volume > best.Volume {
			best = s
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[best.ProducerID]
	if !ok {
		return
	}
	m.speakers[owner.roomID] = owner.userID
}

// handleSilence resets every room's active speaker to none.
func (m *Manager) handleSilence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID := range m.speakers {
		m.speakers[roomID] = ""
	}
}

// RunSpeakerBroadcast pushes the current active speaker to every room on a
// fixed cadence, changed or not. The payload is tiny; simplicity wins over
// suppressing repeats. It never waits on a slow connection.
func (m *Manager) RunSpeakerBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Str("module", "sfu").Dur("interval", interval).Msg("active speaker broadcaster started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "sfu").Msg("active speaker broadcaster stopped")
			return
		case <-ticker.C:
			m.broadcastSpeakers()
		}
	}
}

func (m *Manager) broadcastSpeakers() {
	m.mu.RLock()
	current := make(map[domain.RoomID]domain.UserID, len(m.rooms))
	for roomID, room := range m.rooms {
		if len(room.users) == 0 {
			continue
		}
		current[roomID] = m.speakers[roomID]
	}
	m.mu.RUnlock()

	for roomID, userID := range current {
		m.notifier.Broadcast(roomID, "", evActiveSpeaker(userID))
	}
}

func marshalEvent(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "sfu").Msg("marshal event")
		return nil
	}
	return b
}

func evNewProducer(userID domain.UserID, producerID string, kind core.MediaKind) core.Frame {
	return marshalEvent(struct {
		Type       string         `json:"type"`
		UserID     domain.UserID  `json:"userId"`
		ProducerID string         `json:"producerId"`
		Kind       core.MediaKind `json:"kind"`
	}{"newProducer", userID, producerID, kind})
}

func evActiveSpeaker(userID domain.UserID) core.Frame {
	var uid *domain.UserID
	if userID != "" {
		uid = &userID
	}
	return marshalEvent(struct {
		Type   string         `json:"type"`
		UserID *domain.UserID `json:"userId"`
	}{"activeSpeaker", uid})
}
