// Package signal is the websocket channel: one authenticated connection per
// participant, JSON frames in both directions, silent drops for unpermitted
// sends and backpressured consumers.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/app/sfu"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/core"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/store"
)

var ErrBackpressure = errors.New("backpressure")

// MediaOps is the slice of the media session manager the channel exposes.
type MediaOps interface {
	RouterCapabilities() json.RawMessage
	CreateTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, dir core.TransportDirection) (core.MediaTransport, error)
	ConnectTransport(ctx context.Context, roomID domain.RoomID, userID domain.UserID, transportID string, negotiation json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, roomID domain.RoomID, userID domain.UserID, kind core.MediaKind, params json.RawMessage) (string, error)
	Consume(ctx context.Context, roomID domain.RoomID, userID domain.UserID, producerID string, receiverCaps json.RawMessage) (*sfu.ConsumeResult, error)
}

// ConnGate caps concurrent connections per client IP.
type ConnGate interface {
	Acquire(ip string) bool
	Release(ip string)
}

type Controller struct {
	Orch     *app.Orchestrator
	Sessions MediaOps
	Tokens   *auth.TokenService
	Metrics  *metrics.Collector
	Gate     ConnGate

	ReadLimit  int64
	PingPeriod time.Duration

	// RootCtx outlives any single connection; the disconnect cascade must
	// keep retrying its cleanup writes after the connection's own context
	// is gone.
	RootCtx context.Context
}

// client is one authenticated connection's view: identity, room and the
// permission set resolved once at verification time.
type client struct {
	sid    core.SocketID
	userID domain.UserID
	roomID domain.RoomID
	perms  []auth.Permission
	conn   core.SignalConnection
	ctx    context.Context
	ip     string
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// HandleWS authenticates the upgrade request and starts the connection's
// pumps. Auth failures are loud HTTP errors; once the socket is live, errors
// go quiet.
func (ctl *Controller) HandleWS(c *gin.Context) {
	claims, err := ctl.Tokens.Verify(bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID, err := domain.ValidateUserID(claims.Subject)
	roomID := domain.RoomID(claims.RoomID)
	if err != nil || roomID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if _, err := ctl.Orch.Store.GetRoom(c.Request.Context(), roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}

	ip := c.ClientIP()
	if ctl.Gate != nil && !ctl.Gate.Acquire(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		if ctl.Gate != nil {
			ctl.Gate.Release(ip)
		}
		return
	}

	sid := core.SocketID(uuid.NewString())
	conn := newWsSignalConn(ws)
	connCtx, cancel := context.WithCancel(ctl.RootCtx)
	cl := &client{
		sid:    sid,
		userID: userID,
		roomID: roomID,
		perms:  claims.Permissions(),
		conn:   conn,
		ctx:    connCtx,
		ip:     ip,
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(roomID)).
		Str("user", string(userID)).Msg("connection established")

	if err := ctl.Orch.Connect(c.Request.Context(), &app.Entry{
		SID:    sid,
		UserID: userID,
		RoomID: roomID,
		Conn:   conn,
	}); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join cascade failed")
		cancel()
		ctl.Orch.Disconnect(ctl.RootCtx, sid)
		conn.Close()
		if ctl.Gate != nil {
			ctl.Gate.Release(ip)
		}
		return
	}

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(cancel, cl, conn)
}
