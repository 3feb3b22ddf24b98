package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

const (
	collRooms   = "rooms"
	collMembers = "members"
	collSockets = "sockets"
	collKV      = "kv"

	opTimeout = 5 * time.Second
)

func refreshKey(userID domain.UserID) string { return "rt:" + string(userID) }
func roomKeyKey(roomID domain.RoomID) string { return "room:" + string(roomID) + ":e2eeKey" }

// memberDoc is one entry of a room's membership set.
type memberDoc struct {
	RoomID domain.RoomID `bson:"room_id"`
	UserID domain.UserID `bson:"user_id"`
}

// socketDoc is one live-connection entry of the socket-to-user map.
type socketDoc struct {
	RoomID   domain.RoomID `bson:"room_id"`
	SocketID core.SocketID `bson:"socket_id"`
	UserID   domain.UserID `bson:"user_id"`
}

type kvDoc struct {
	Key       string     `bson:"_id"`
	Value     string     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// Mongo is the multi-instance backend for the shared room store.
type Mongo struct {
	rooms   *mongo.Collection
	members *mongo.Collection
	sockets *mongo.Collection
	kv      *mongo.Collection
}

// NewMongo connects and prepares the collections plus the indexes the
// membership and socket lookups depend on.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &Mongo{
		rooms:   db.Collection(collRooms),
		members: db.Collection(collMembers),
		sockets: db.Collection(collSockets),
		kv:      db.Collection(collKV),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Mongo) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create members index: %w", err)
	}
	_, err = s.sockets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "socket_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create sockets index: %w", err)
	}
	// TTL on expires_at reaps expired refresh tokens server-side. Documents
	// without the field (room keys) are never touched by the reaper.
	_, err = s.kv.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create kv ttl index: %w", err)
	}
	return nil
}

func (s *Mongo) PutRoom(ctx context.Context, room *domain.Room) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.rooms.ReplaceOne(ctx,
		bson.M{"_id": room.ID},
		room,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to put room: %w", err)
	}
	return nil
}

func (s *Mongo) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var room domain.Room
	err := s.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

func (s *Mongo) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.rooms.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if _, err := s.members.DeleteMany(ctx, bson.M{"room_id": id}); err != nil {
		return fmt.Errorf("failed to delete room members: %w", err)
	}
	if _, err := s.sockets.DeleteMany(ctx, bson.M{"room_id": id}); err != nil {
		return fmt.Errorf("failed to delete room sockets: %w", err)
	}
	if _, err := s.kv.DeleteOne(ctx, bson.M{"_id": roomKeyKey(id)}); err != nil {
		return fmt.Errorf("failed to delete room key: %w", err)
	}
	return nil
}

func (s *Mongo) AddMember(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.members.UpdateOne(ctx,
		bson.M{"room_id": roomID, "user_id": userID},
		bson.M{"$setOnInsert": memberDoc{RoomID: roomID, UserID: userID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (s *Mongo) RemoveMember(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	// DeleteOne on a missing entry is a no-op, which keeps removal idempotent.
	if _, err := s.members.DeleteOne(ctx, bson.M{"room_id": roomID, "user_id": userID}); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

func (s *Mongo) MemberCount(ctx context.Context, roomID domain.RoomID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.members.CountDocuments(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return int(n), nil
}

func (s *Mongo) Members(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := s.members.Distinct(ctx, "user_id", bson.M{"room_id": roomID})
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	out := make([]domain.UserID, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, domain.UserID(str))
		}
	}
	return out, nil
}

func (s *Mongo) MapSocket(ctx context.Context, roomID domain.RoomID, sid core.SocketID, userID domain.UserID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.sockets.UpdateOne(ctx,
		bson.M{"room_id": roomID, "socket_id": sid},
		bson.M{"$set": socketDoc{RoomID: roomID, SocketID: sid, UserID: userID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to map socket: %w", err)
	}
	return nil
}

func (s *Mongo) UnmapSocket(ctx context.Context, roomID domain.RoomID, sid core.SocketID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.sockets.DeleteOne(ctx, bson.M{"room_id": roomID, "socket_id": sid}); err != nil {
		return fmt.Errorf("failed to unmap socket: %w", err)
	}
	return nil
}

func (s *Mongo) SocketsForRoom(ctx context.Context, roomID domain.RoomID) (map[core.SocketID]domain.UserID, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.sockets.Find(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return nil, fmt.Errorf("failed to list sockets: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[core.SocketID]domain.UserID)
	for cur.Next(ctx) {
		var doc socketDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode socket entry: %w", err)
		}
		out[doc.SocketID] = doc.UserID
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sockets: %w", err)
	}
	return out, nil
}

func (s *Mongo) SetRefreshToken(ctx context.Context, userID domain.UserID, token string, ttl time.Duration) error {
	expires := time.Now().Add(ttl)
	return s.setKV(ctx, refreshKey(userID), token, &expires)
}

func (s *Mongo) CheckRefreshToken(ctx context.Context, userID domain.UserID, token string) (bool, error) {
	val, expires, err := s.getKV(ctx, refreshKey(userID))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expires != nil && time.Now().After(*expires) {
		return false, nil
	}
	return val == token, nil
}

func (s *Mongo) SetRoomKey(ctx context.Context, roomID domain.RoomID, keyB64 string) error {
	return s.setKV(ctx, roomKeyKey(roomID), keyB64, nil)
}

func (s *Mongo) GetRoomKey(ctx context.Context, roomID domain.RoomID) (string, error) {
	val, _, err := s.getKV(ctx, roomKeyKey(roomID))
	return val, err
}

func (s *Mongo) setKV(ctx context.Context, key, value string, expires *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.kv.ReplaceOne(ctx,
		bson.M{"_id": key},
		kvDoc{Key: key, Value: value, ExpiresAt: expires},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Mongo) getKV(ctx context.Context, key string) (string, *time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var doc kvDoc
	err := s.kv.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return doc.Value, doc.ExpiresAt, nil
}
