package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/domain"
)

// refresh exchanges a stored refresh credential for a new access token. The
// caller resupplies roomId and role; the refresh token itself only proves the
// user's identity, and what it unlocks is decided at issue time.
func (h *handlers) refresh(c *gin.Context) {
	var req struct {
		UserID  string `json:"userId"`
		Refresh string `json:"refresh"`
		RoomID  string `json:"roomId"`
		Role    string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Refresh == "" || req.RoomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	role := auth.Role(req.Role)
	if role != auth.RoleHost && role != auth.RoleParticipant {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be host or participant"})
		return
	}

	ok, err := h.deps.Store.CheckRefreshToken(c.Request.Context(), domain.UserID(req.UserID), req.Refresh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	access, err := h.deps.Tokens.Issue(req.UserID, req.RoomID, role, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credential issue failed"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("user", req.UserID).Str("room", req.RoomID).Msg("access token refreshed")
	c.JSON(http.StatusOK, gin.H{"accessToken": access})
}

// turnCred hands out the static ICE server descriptors from config. POST to
// mirror clients that treat credential fetches as non-idempotent.
func (h *handlers) turnCred(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.deps.Cfg.ICEServers})
}
