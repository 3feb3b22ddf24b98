// Package store is the shared room store: room metadata, membership sets and
// the socket-to-user map. Operations are atomic per key/collection only;
// composite invariants (the join/leave cascade) belong to the caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	PutRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	DeleteRoom(ctx context.Context, id domain.RoomID) error

	// Membership set. Adds and removes are idempotent.
	AddMember(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error
	RemoveMember(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error
	MemberCount(ctx context.Context, roomID domain.RoomID) (int, error)
	Members(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error)

	// Socket-to-user map, one entry per live connection.
	MapSocket(ctx context.Context, roomID domain.RoomID, sid core.SocketID, userID domain.UserID) error
	UnmapSocket(ctx context.Context, roomID domain.RoomID, sid core.SocketID) error
	SocketsForRoom(ctx context.Context, roomID domain.RoomID) (map[core.SocketID]domain.UserID, error)

	// Refresh credentials, keyed by user id.
	SetRefreshToken(ctx context.Context, userID domain.UserID, token string, ttl time.Duration) error
	CheckRefreshToken(ctx context.Context, userID domain.UserID, token string) (bool, error)

	// End-to-end-encryption key blob, opaque to us.
	SetRoomKey(ctx context.Context, roomID domain.RoomID, keyB64 string) error
	GetRoomKey(ctx context.Context, roomID domain.RoomID) (string, error)
}
