package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/audit"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/store"
)

// MediaSessions is the slice of the media session manager the orchestrator
// needs for the disconnect cascade.
type MediaSessions interface {
	CloseUser(roomID domain.RoomID, userID domain.UserID)
	ResetRoom(roomID domain.RoomID)
}

// Orchestrator owns the presence-consistency protocol: every join and leave,
// voluntary or not, funnels through Connect/Disconnect so the membership set,
// the socket map and the media graph stay aligned under churn.
type Orchestrator struct {
	Store          store.Store
	Registry       *Registry
	Media          MediaSessions
	Audit          audit.Sink
	Metrics        *metrics.Collector
	RelayThreshold int
}

// Connect runs the join cascade for an authenticated connection: record the
// socket, ensure the user is in the membership set, tell the room, then check
// whether membership crossed the relay threshold.
func (o *Orchestrator) Connect(ctx context.Context, e *Entry) error {
	o.Registry.Add(e)
	if o.Registry.RoomSize(e.RoomID) == 1 {
		o.Metrics.RoomOpened()
	}
	o.Metrics.ConnectionOpened()

	if err := o.Store.MapSocket(ctx, e.RoomID, e.SID, e.UserID); err != nil {
		return err
	}
	if err := o.Store.AddMember(ctx, e.RoomID, e.UserID); err != nil {
		return err
	}

	o.BroadcastExcept(e.RoomID, e.SID, evParticipantJoined(e.UserID, e.SID))
	o.Audit.Record(audit.Event{Type: audit.EventJoin, RoomID: e.RoomID, UserID: e.UserID})

	o.EnsureRoomMode(ctx, e.RoomID)
	return nil
}

// Disconnect runs the full cleanup cascade. Voluntary leave and abrupt
// disconnect take the identical path, and running it twice is harmless.
func (o *Orchestrator) Disconnect(ctx context.Context, sid core.SocketID) {
	e := o.Registry.Remove(sid)
	if e == nil {
		return
	}
	o.Metrics.ConnectionClosed()
	if o.Registry.RoomSize(e.RoomID) == 0 {
		o.Metrics.RoomClosed()
	}

	o.retryCleanup(ctx, "unmap socket", func() error {
		return o.Store.UnmapSocket(ctx, e.RoomID, sid)
	})

	o.BroadcastExcept(e.RoomID, sid, evParticipantLeft(e.UserID, sid))
	o.Audit.Record(audit.Event{Type: audit.EventLeave, RoomID: e.RoomID, UserID: e.UserID})

	var sockets map[core.SocketID]domain.UserID
	if !o.retryCleanup(ctx, "socket map read", func() error {
		var err error
		sockets, err = o.Store.SocketsForRoom(ctx, e.RoomID)
		return err
	}) {
		return
	}
	userStillPresent := false
	for _, uid := range sockets {
		if uid == e.UserID {
			userStillPresent = true
			break
		}
	}
	if userStillPresent {
		return
	}

	// Last connection for this user is gone: drop membership and media.
	o.retryCleanup(ctx, "remove member", func() error {
		return o.Store.RemoveMember(ctx, e.RoomID, e.UserID)
	})
	if o.Media != nil {
		o.Media.CloseUser(e.RoomID, e.UserID)
	}

	var count int
	if !o.retryCleanup(ctx, "member count", func() error {
		var err error
		count, err = o.Store.MemberCount(ctx, e.RoomID)
		return err
	}) {
		return
	}
	if count == 0 {
		if o.Media != nil {
			o.Media.ResetRoom(e.RoomID)
		}
		o.retryCleanup(ctx, "delete room", func() error {
			return o.Store.DeleteRoom(ctx, e.RoomID)
		})
		log.Info().Str("module", "app.orch").Str("room", string(e.RoomID)).Msg("room emptied and deleted")
	}
}

// EnsureRoomMode flips a mesh room to relay once live membership reaches the
// threshold. The read-then-write race with concurrent joins is accepted: a
// duplicate roomMode broadcast is harmless, and the transition is one-way.
func (o *Orchestrator) EnsureRoomMode(ctx context.Context, roomID domain.RoomID) {
	count, err := o.Store.MemberCount(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("room", string(roomID)).Msg("member count")
		return
	}
	room, err := o.Store.GetRoom(ctx, roomID)
	if err != nil {
		return
	}
	if count < o.RelayThreshold || room.Mode != domain.ModeMesh {
		return
	}
	room.Mode = domain.ModeRelay
	if err := o.Store.PutRoom(ctx, room); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("room", string(roomID)).Msg("persist relay mode")
		return
	}
	log.Info().Str("module", "app.orch").Str("room", string(roomID)).Int("members", count).Msg("room switched to relay mode")
	o.BroadcastExcept(roomID, "", evRoomMode(domain.ModeRelay))
}

// SendTo delivers one frame to one connection; slow consumers are skipped.
func (o *Orchestrator) SendTo(sid core.SocketID, f core.Frame) {
	e, ok := o.Registry.Get(sid)
	if !ok || f == nil {
		return
	}
	if err := e.Conn.TrySend(f); err != nil {
		o.Metrics.FrameDropped()
	}
}

// BroadcastExcept fans a frame out to every connection in the room except
// the given one. Pass an empty socket id to reach everyone.
func (o *Orchestrator) BroadcastExcept(roomID domain.RoomID, except core.SocketID, f core.Frame) {
	if f == nil {
		return
	}
	for _, e := range o.Registry.Room(roomID) {
		if e.SID == except {
			continue
		}
		if err := e.Conn.TrySend(f); err != nil {
			o.Metrics.FrameDropped()
		}
	}
}

// Broadcast fans a frame out to the room, skipping every connection of one
// user. It satisfies the media manager's notifier contract.
func (o *Orchestrator) Broadcast(roomID domain.RoomID, exceptUser domain.UserID, f core.Frame) {
	if f == nil {
		return
	}
	for _, e := range o.Registry.Room(roomID) {
		if exceptUser != "" && e.UserID == exceptUser {
			continue
		}
		if err := e.Conn.TrySend(f); err != nil {
			o.Metrics.FrameDropped()
		}
	}
}

// SetLocked persists the lock flag and tells the room. Locking gates new
// joins at the room-management boundary; existing signaling continues.
func (o *Orchestrator) SetLocked(ctx context.Context, roomID domain.RoomID, actor domain.UserID, locked bool) error {
	room, err := o.Store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	room.Locked = locked
	if err := o.Store.PutRoom(ctx, room); err != nil {
		return err
	}
	o.BroadcastExcept(roomID, "", evRoomLocked(locked))
	o.Audit.Record(audit.Event{Type: audit.EventLock, RoomID: roomID, UserID: actor, Locked: &locked})
	return nil
}

func (o *Orchestrator) MuteAll(roomID domain.RoomID, actor domain.UserID) {
	o.BroadcastExcept(roomID, "", evMuteAll())
	o.Audit.Record(audit.Event{Type: audit.EventMuteAll, RoomID: roomID, UserID: actor})
}

// RemoveUser notifies every connection of the target user that the host
// removed them, and reports how many were reached. Actual teardown happens
// when those connections close.
func (o *Orchestrator) RemoveUser(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID) (int, error) {
	sockets, err := o.Store.SocketsForRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	count := 0
	for sid, uid := range sockets {
		if uid != target {
			continue
		}
		o.SendTo(sid, evRemovedByHost("removed"))
		count++
	}
	o.Audit.Record(audit.Event{Type: audit.EventRemove, RoomID: roomID, UserID: actor, Target: target})
	return count, nil
}

func (o *Orchestrator) NotifyE2EEEnabled(roomID domain.RoomID) {
	o.BroadcastExcept(roomID, "", evE2EEEnabled())
}

// retryCleanup keeps a cleanup step going until it lands or the process is
// shutting down; skipping it would break the membership invariant. Reads that
// later steps depend on go through here too, so a transient store error never
// truncates the cascade. Returns false only when the context ended first.
func (o *Orchestrator) retryCleanup(ctx context.Context, what string, op func() error) bool {
	backoff := 100 * time.Millisecond
	for {
		err := op()
		if err == nil {
			return true
		}
		log.Warn().Err(err).Str("module", "app.orch").Str("op", what).Msg("cleanup step failed, retrying")
		select {
		case <-ctx.Done():
			log.Error().Str("module", "app.orch").Str("op", what).Msg("cleanup abandoned on shutdown")
			return false
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}
