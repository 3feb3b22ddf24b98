package http

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/store"
)

type handlers struct {
	deps Deps
}

type credentialedRoom struct {
	Room         *domain.Room `json:"room"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

// issueCredentials mints the access/refresh pair for a user entering a room.
// The refresh token is opaque; its validity lives in the store.
func (h *handlers) issueCredentials(c *gin.Context, userID domain.UserID, roomID domain.RoomID, role auth.Role) (access, refresh string, err error) {
	access, err = h.deps.Tokens.Issue(string(userID), string(roomID), role, nil)
	if err != nil {
		return "", "", err
	}
	refresh = auth.NewRefreshToken()
	err = h.deps.Store.SetRefreshToken(c.Request.Context(), userID, refresh, h.deps.Cfg.RefreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (h *handlers) createRoom(c *gin.Context) {
	var req struct {
		HostID string `json:"hostId"`
		Mode   string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	hostID, err := domain.ValidateUserID(req.HostID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room := domain.NewRoom(hostID, domain.RoomMode(req.Mode))
	if err := h.deps.Store.PutRoom(c.Request.Context(), room); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}

	access, refresh, err := h.issueCredentials(c, room.HostID, room.ID, auth.RoleHost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential issue failed"})
		return
	}

	log.Info().Str("module", "adapters.http").Str("room", string(room.ID)).
		Str("host", string(room.HostID)).Str("mode", string(room.Mode)).Msg("room created")
	c.JSON(http.StatusCreated, credentialedRoom{Room: room, AccessToken: access, RefreshToken: refresh})
}

func (h *handlers) joinRoom(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	userID, err := domain.ValidateUserID(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	roomID := domain.RoomID(c.Param("id"))
	room, err := h.deps.Store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	// Locking gates entry here and only here; connections already inside
	// keep signaling.
	if room.Locked {
		c.JSON(http.StatusLocked, gin.H{"error": "room locked"})
		return
	}

	access, refresh, err := h.issueCredentials(c, userID, room.ID, auth.RoleParticipant)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential issue failed"})
		return
	}
	c.JSON(http.StatusOK, credentialedRoom{Room: room, AccessToken: access, RefreshToken: refresh})
}

func (h *handlers) getRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	room, err := h.deps.Store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	members, err := h.deps.Store.Members(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "members": members})
}

func (h *handlers) lock(locked bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := domain.RoomID(c.Param("id"))
		actor := domain.UserID(mustClaims(c).Subject)
		if err := h.deps.Orch.SetLocked(c.Request.Context(), roomID, actor, locked); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"locked": locked})
	}
}

func (h *handlers) muteAll(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	h.deps.Orch.MuteAll(roomID, domain.UserID(mustClaims(c).Subject))
	c.JSON(http.StatusOK, gin.H{"muted": true})
}

func (h *handlers) removeUser(c *gin.Context) {
	var req struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing targetUserId"})
		return
	}

	roomID := domain.RoomID(c.Param("id"))
	actor := domain.UserID(mustClaims(c).Subject)
	count, err := h.deps.Orch.RemoveUser(c.Request.Context(), roomID, actor, domain.UserID(req.TargetUserID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notified": count})
}

func (h *handlers) setRoomKey(c *gin.Context) {
	var req struct {
		KeyB64 string `json:"keyB64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.KeyB64 == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing keyB64"})
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.KeyB64); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keyB64 is not base64"})
		return
	}

	roomID := domain.RoomID(c.Param("id"))
	if err := h.deps.Store.SetRoomKey(c.Request.Context(), roomID, req.KeyB64); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	h.deps.Orch.NotifyE2EEEnabled(roomID)
	c.Status(http.StatusNoContent)
}

func (h *handlers) getRoomKey(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	key, err := h.deps.Store.GetRoomKey(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no key set"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyB64": key})
}
