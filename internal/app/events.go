package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// Server-to-client room events. Field names are wire format.

func marshalEvent(v any) core.Frame {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.events").Msg("marshal event")
		return nil
	}
	return b
}

func evParticipantJoined(userID domain.UserID, sid core.SocketID) core.Frame {
	return marshalEvent(struct {
		Type     string        `json:"type"`
		UserID   domain.UserID `json:"userId"`
		SocketID core.SocketID `json:"socketId"`
	}{"participantJoined", userID, sid})
}

func evParticipantLeft(userID domain.UserID, sid core.SocketID) core.Frame {
	return marshalEvent(struct {
		Type     string        `json:"type"`
		UserID   domain.UserID `json:"userId"`
		SocketID core.SocketID `json:"socketId"`
	}{"participantLeft", userID, sid})
}

func evRoomMode(mode domain.RoomMode) core.Frame {
	return marshalEvent(struct {
		Type string          `json:"type"`
		Mode domain.RoomMode `json:"mode"`
	}{"roomMode", mode})
}

func evRoomLocked(locked bool) core.Frame {
	return marshalEvent(struct {
		Type   string `json:"type"`
		Locked bool   `json:"locked"`
	}{"roomLocked", locked})
}

func evMuteAll() core.Frame {
	return marshalEvent(struct {
		Type string `json:"type"`
	}{"muteAll"})
}

func evRemovedByHost(reason string) core.Frame {
	return marshalEvent(struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{"removedByHost", reason})
}

func evE2EEEnabled() core.Frame {
	return marshalEvent(struct {
		Type string `json:"type"`
	}{"e2eeEnabled"})
}
