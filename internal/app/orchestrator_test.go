package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/audit"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	fail   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) eventTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) countType(t *testing.T, typ string) int {
	n := 0
	for _, got := range c.eventTypes(t) {
		if got == typ {
			n++
		}
	}
	return n
}

type fakeMedia struct {
	mu         sync.Mutex
	closedUser []string
	resetRooms []domain.RoomID
}

func (m *fakeMedia) CloseUser(roomID domain.RoomID, userID domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedUser = append(m.closedUser, string(roomID)+"/"+string(userID))
}

func (m *fakeMedia) ResetRoom(roomID domain.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetRooms = append(m.resetRooms, roomID)
}

func newTestOrchestrator(threshold int) (*Orchestrator, *fakeMedia) {
	media := &fakeMedia{}
	return &Orchestrator{
		Store:          store.NewMemory(),
		Registry:       NewRegistry(),
		Media:          media,
		Audit:          audit.Nop{},
		Metrics:        metrics.NewCollector(),
		RelayThreshold: threshold,
	}, media
}

func connect(t *testing.T, o *Orchestrator, roomID domain.RoomID, sid core.SocketID, uid domain.UserID) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	require.NoError(t, o.Connect(context.Background(), &Entry{
		SID: sid, UserID: uid, RoomID: roomID, Conn: conn,
	}))
	return conn
}

func seedRoom(t *testing.T, o *Orchestrator, hostID domain.UserID) domain.RoomID {
	t.Helper()
	room := domain.NewRoom(hostID, domain.ModeMesh)
	require.NoError(t, o.Store.PutRoom(context.Background(), room))
	return room.ID
}

func TestConnectRecordsPresence(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "u1")

	c1 := connect(t, o, roomID, "s1", "u1")
	connect(t, o, roomID, "s2", "u2")

	members, err := o.Store.Members(ctx, roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{"u1", "u2"}, members)

	sockets, err := o.Store.SocketsForRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, map[core.SocketID]domain.UserID{"s1": "u1", "s2": "u2"}, sockets)

	// The earlier connection hears about the later join; nobody echoes it back.
	assert.Equal(t, 1, c1.countType(t, "participantJoined"))
}

func TestDisconnectCleanupCascade(t *testing.T) {
	ctx := context.Background()
	o, media := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "u1")

	connect(t, o, roomID, "s1", "u1")
	c2 := connect(t, o, roomID, "s2", "u2")

	o.Disconnect(ctx, "s1")

	members, err := o.Store.Members(ctx, roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{"u2"}, members)
	assert.Equal(t, 1, c2.countType(t, "participantLeft"))
	assert.Contains(t, media.closedUser, string(roomID)+"/u1")

	// Last member out deletes the room and resets media state.
	o.Disconnect(ctx, "s2")
	_, err = o.Store.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, media.resetRooms, roomID)
}

// flakyStore delegates to a real store but fails the socket-map read a fixed
// number of times first.
type flakyStore struct {
	store.Store
	mu              sync.Mutex
	socketReadFails int
}

func (s *flakyStore) SocketsForRoom(ctx context.Context, roomID domain.RoomID) (map[core.SocketID]domain.UserID, error) {
	s.mu.Lock()
	if s.socketReadFails > 0 {
		s.socketReadFails--
		s.mu.Unlock()
		return nil, errors.New("transient store error")
	}
	s.mu.Unlock()
	return s.Store.SocketsForRoom(ctx, roomID)
}

func TestDisconnectRetriesCleanupReads(t *testing.T) {
	ctx := context.Background()
	o, media := newTestOrchestrator(6)
	o.Store = &flakyStore{Store: o.Store, socketReadFails: 1}
	roomID := seedRoom(t, o, "u1")

	connect(t, o, roomID, "s1", "u1")
	o.Disconnect(ctx, "s1")

	count, err := o.Store.MemberCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "membership removal survives a transient read failure")
	assert.Contains(t, media.closedUser, string(roomID)+"/u1")

	// The cascade ran to the end: the emptied room is gone.
	_, err = o.Store.GetRoom(ctx, roomID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, media.resetRooms, roomID)
}

func TestDisconnectAbandonsCleanupOnShutdown(t *testing.T) {
	o, media := newTestOrchestrator(6)
	o.Store = &flakyStore{Store: o.Store, socketReadFails: 1 << 30}
	roomID := seedRoom(t, o, "u1")
	connect(t, o, roomID, "s1", "u1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Disconnect(ctx, "s1")

	// Retrying stops once the context is gone; the media teardown that
	// depends on the failed read is skipped rather than looped forever.
	assert.Empty(t, media.closedUser)
}

func TestUserStaysWhileAnySocketRemains(t *testing.T) {
	ctx := context.Background()
	o, media := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "u1")

	connect(t, o, roomID, "s1", "u1")
	connect(t, o, roomID, "s2", "u1")

	o.Disconnect(ctx, "s1")

	members, err := o.Store.Members(ctx, roomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{"u1"}, members, "user keeps membership while a socket remains")
	assert.Empty(t, media.closedUser)

	o.Disconnect(ctx, "s2")
	count, err := o.Store.MemberCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Contains(t, media.closedUser, string(roomID)+"/u1")
}

func TestDisconnectIdempotent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "u1")

	connect(t, o, roomID, "s1", "u1")
	o.Disconnect(ctx, "s1")
	o.Disconnect(ctx, "s1")

	count, err := o.Store.MemberCount(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRelayThresholdTransition(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "h1")

	conns := make([]*fakeConn, 0, 6)
	conns = append(conns, connect(t, o, roomID, "s0", "h1"))
	for i := 1; i < 5; i++ {
		sid := core.SocketID(fmt.Sprintf("s%d", i))
		uid := domain.UserID(fmt.Sprintf("u%d", i))
		conns = append(conns, connect(t, o, roomID, sid, uid))
	}

	room, err := o.Store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeMesh, room.Mode, "five members stay in mesh")

	conns = append(conns, connect(t, o, roomID, "s5", "u5"))

	room, err = o.Store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeRelay, room.Mode, "sixth member flips the room to relay")
	for i, c := range conns {
		assert.Equal(t, 1, c.countType(t, "roomMode"), "conn %d should hear the mode change", i)
	}
}

func TestRoomModeMonotonic(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(2)
	roomID := seedRoom(t, o, "u1")

	connect(t, o, roomID, "s1", "u1")
	connect(t, o, roomID, "s2", "u2")

	room, err := o.Store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, domain.ModeRelay, room.Mode)

	// Dropping below the threshold never reverts the mode.
	o.Disconnect(ctx, "s2")
	room, err = o.Store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeRelay, room.Mode)

	c3 := connect(t, o, roomID, "s3", "u3")
	room, err = o.Store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeRelay, room.Mode)
	assert.Zero(t, c3.countType(t, "roomMode"), "no duplicate transition broadcast on rejoin")
}

func TestSetLocked(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "u1")
	c1 := connect(t, o, roomID, "s1", "u1")

	require.NoError(t, o.SetLocked(ctx, roomID, "u1", true))

	room, err := o.Store.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, room.Locked)
	assert.Equal(t, 1, c1.countType(t, "roomLocked"))
}

func TestRemoveUserTargetsOnlyTargetSockets(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "h1")

	host := connect(t, o, roomID, "s0", "h1")
	t1 := connect(t, o, roomID, "s1", "u1")
	t2 := connect(t, o, roomID, "s2", "u1")

	count, err := o.RemoveUser(ctx, roomID, "h1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, t1.countType(t, "removedByHost"))
	assert.Equal(t, 1, t2.countType(t, "removedByHost"))
	assert.Zero(t, host.countType(t, "removedByHost"))
}

func TestBroadcastSkipsSlowConnections(t *testing.T) {
	o, _ := newTestOrchestrator(6)
	roomID := seedRoom(t, o, "u1")

	slow := &fakeConn{fail: true}
	require.NoError(t, o.Connect(context.Background(), &Entry{SID: "s1", UserID: "u1", RoomID: roomID, Conn: slow}))
	fast := connect(t, o, roomID, "s2", "u2")

	o.MuteAll(roomID, "u1")
	assert.Equal(t, 1, fast.countType(t, "muteAll"), "healthy connections still hear the event")
}
