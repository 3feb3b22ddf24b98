package domain

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

type RoomID string

// RoomMode tells participants how to set up their media paths.
// A room starts in mesh and flips to relay once; it never flips back.
type RoomMode string

const (
	ModeMesh  RoomMode = "mesh"
	ModeRelay RoomMode = "relay"
)

type Room struct {
	ID        RoomID    `json:"id" bson:"_id"`
	HostID    UserID    `json:"hostId" bson:"host_id"`
	Mode      RoomMode  `json:"mode" bson:"mode"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	Locked    bool      `json:"locked" bson:"locked"`
}

// NewRoom avoids raw literals in adapters and keeps construction obvious.
func NewRoom(hostID UserID, mode RoomMode) *Room {
	if mode != ModeRelay {
		mode = ModeMesh
	}
	return &Room{
		ID:        newRoomID(),
		HostID:    hostID,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
}

func newRoomID() RoomID {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return RoomID("room_" + hex.EncodeToString(b))
}
