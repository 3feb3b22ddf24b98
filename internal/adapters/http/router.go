// Package http is the REST surface: room management, credentials and the
// websocket upgrade endpoint. Unlike the signaling channel, permission
// failures here are loud 401/403 JSON responses.
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/adapters/signal"
	"github.com/huddlekit/huddle/internal/app"
	"github.com/huddlekit/huddle/internal/audit"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/store"
)

type Deps struct {
	Cfg     *config.Config
	Store   store.Store
	Tokens  *auth.TokenService
	Orch    *app.Orchestrator
	Audit   audit.Sink
	Metrics *metrics.Collector
	Signal  *signal.Controller
}

func SetupRouter(deps Deps) *gin.Engine {
	if deps.Cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if deps.Cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	if deps.Cfg.RateLimit.Enabled {
		r.Use(RateLimit(deps.Cfg.RateLimit))
	}

	h := &handlers{deps: deps}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	r.POST("/auth/refresh", h.refresh)
	r.POST("/turn-cred", h.turnCred)
	r.GET("/ws", deps.Signal.HandleWS)

	v1 := r.Group("/v1")
	v1.POST("/rooms", h.createRoom)
	v1.POST("/rooms/:id/join", h.joinRoom)

	guarded := v1.Group("", h.requireAuth)
	guarded.GET("/rooms/:id", h.requirePerm(auth.PermRoomRead), h.getRoom)
	guarded.POST("/rooms/:id/lock", h.requirePerm(auth.PermRoomLock), h.lock(true))
	guarded.POST("/rooms/:id/unlock", h.requirePerm(auth.PermRoomLock), h.lock(false))
	guarded.POST("/rooms/:id/muteAll", h.requirePerm(auth.PermMuteAll), h.muteAll)
	guarded.POST("/rooms/:id/remove", h.requirePerm(auth.PermRoomRemove), h.removeUser)
	guarded.POST("/rooms/:id/e2ee/set", h.requirePerm(auth.PermRoomWrite), h.setRoomKey)
	guarded.GET("/rooms/:id/e2ee/key", h.requirePerm(auth.PermRoomRead), h.getRoomKey)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
