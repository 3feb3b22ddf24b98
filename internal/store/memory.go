package store

import (
	"context"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// Memory is the single-instance backend: plain maps behind one lock.
// Good enough because every operation is a handful of map touches.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomID]domain.Room
	members  map[domain.RoomID]map[domain.UserID]struct{}
	sockets  map[domain.RoomID]map[core.SocketID]domain.UserID
	refresh  map[domain.UserID]refreshEntry
	roomKeys map[domain.RoomID]string
}

type refreshEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[domain.RoomID]domain.Room),
		members:  make(map[domain.RoomID]map[domain.UserID]struct{}),
		sockets:  make(map[domain.RoomID]map[core.SocketID]domain.UserID),
		refresh:  make(map[domain.UserID]refreshEntry),
		roomKeys: make(map[domain.RoomID]string),
	}
}

func (m *Memory) PutRoom(_ context.Context, room *domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = *room
	return nil
}

func (m *Memory) GetRoom(_ context.Context, id domain.RoomID) (*domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (m *Memory) DeleteRoom(_ context.Context, id domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
	delete(m.members, id)
	delete(m.sockets, id)
	delete(m.roomKeys, id)
	return nil
}

func (m *Memory) AddMember(_ context.Context, roomID domain.RoomID, userID domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[roomID]
	if !ok {
		set = make(map[domain.UserID]struct{})
		m.members[roomID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID domain.RoomID, userID domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.members[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(m.members, roomID)
		}
	}
	return nil
}

func (m *Memory) MemberCount(_ context.Context, roomID domain.RoomID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members[roomID]), nil
}

func (m *Memory) Members(_ context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.UserID, 0, len(m.members[roomID]))
	for uid := range m.members[roomID] {
		out = append(out, uid)
	}
	return out, nil
}

func (m *Memory) MapSocket(_ context.Context, roomID domain.RoomID, sid core.SocketID, userID domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRoom, ok := m.sockets[roomID]
	if !ok {
		byRoom = make(map[core.SocketID]domain.UserID)
		m.sockets[roomID] = byRoom
	}
	byRoom[sid] = userID
	return nil
}

func (m *Memory) UnmapSocket(_ context.Context, roomID domain.RoomID, sid core.SocketID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byRoom, ok := m.sockets[roomID]; ok {
		delete(byRoom, sid)
		if len(byRoom) == 0 {
			delete(m.sockets, roomID)
		}
	}
	return nil
}

func (m *Memory) SocketsForRoom(_ context.Context, roomID domain.RoomID) (map[core.SocketID]domain.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.SocketID]domain.UserID, len(m.sockets[roomID]))
	for sid, uid := range m.sockets[roomID] {
		out[sid] = uid
	}
	return out, nil
}

func (m *Memory) SetRefreshToken(_ context.Context, userID domain.UserID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[userID] = refreshEntry{token: token, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) CheckRefreshToken(_ context.Context, userID domain.UserID, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.refresh[userID]
	if !ok {
		return false, nil
	}
	if time.Now().After(entry.expiresAt) {
		// Expired entries are evicted on first sight, mirroring the TTL the
		// mongo backend puts on its kv documents.
		delete(m.refresh, userID)
		return false, nil
	}
	return entry.token == token, nil
}

func (m *Memory) SetRoomKey(_ context.Context, roomID domain.RoomID, keyB64 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomKeys[roomID] = keyB64
	return nil
}

func (m *Memory) GetRoomKey(_ context.Context, roomID domain.RoomID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.roomKeys[roomID]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}
