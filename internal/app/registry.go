package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
)

// Entry binds one live connection to its user, room and transport endpoint.
type Entry struct {
	SID    core.SocketID
	UserID domain.UserID
	RoomID domain.RoomID
	Conn   core.SignalConnection
}

// Registry is the in-process table of live connections. It is delivery state
// only; durable presence lives in the shared room store.
type Registry struct {
	mu     sync.RWMutex
	bySID  map[core.SocketID]*Entry
	byRoom map[domain.RoomID]map[core.SocketID]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		bySID:  make(map[core.SocketID]*Entry),
		byRoom: make(map[domain.RoomID]map[core.SocketID]*Entry),
	}
}

func (r *Registry) Add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[e.SID] = e
	room, ok := r.byRoom[e.RoomID]
	if !ok {
		room = make(map[core.SocketID]*Entry)
		r.byRoom[e.RoomID] = room
	}
	room[e.SID] = e
	log.Debug().Str("module", "app.registry").Str("sid", string(e.SID)).Str("room", string(e.RoomID)).Msg("registered connection")
}

// Remove detaches a connection and returns its entry, or nil if it was
// already gone. Safe to call twice; cleanup paths rely on that.
func (r *Registry) Remove(sid core.SocketID) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySID[sid]
	if !ok {
		return nil
	}
	delete(r.bySID, sid)
	if room, ok := r.byRoom[e.RoomID]; ok {
		delete(room, sid)
		if len(room) == 0 {
			delete(r.byRoom, e.RoomID)
		}
	}
	return e
}

func (r *Registry) Get(sid core.SocketID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySID[sid]
	return e, ok
}

func (r *Registry) Room(roomID domain.RoomID) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byRoom[roomID]))
	for _, e := range r.byRoom[roomID] {
		out = append(out, e)
	}
	return out
}

func (r *Registry) RoomSize(roomID domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom[roomID])
}

// Rooms lists every room with at least one live connection.
func (r *Registry) Rooms() []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(r.byRoom))
	for id := range r.byRoom {
		out = append(out, id)
	}
	return out
}
