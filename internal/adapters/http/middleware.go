package http

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/config"
)

const claimsKey = "claims"

// RateLimit applies a per-IP token bucket to every request. Entries are never
// evicted; the map is bounded by the distinct-client count, which is fine for
// the deployment sizes this serves.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	perSecond := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		lim, ok := limiters[ip]
		if !ok {
			lim = rate.NewLimiter(perSecond, cfg.Burst)
			limiters[ip] = lim
		}
		mu.Unlock()

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// IPConnCap caps concurrent websocket connections per client IP. It plugs
// into the signal controller's gate.
type IPConnCap struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func NewIPConnCap(max int) *IPConnCap {
	return &IPConnCap{counts: make(map[string]int), max: max}
}

func (g *IPConnCap) Acquire(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[ip] >= g.max {
		return false
	}
	g.counts[ip]++
	return true
}

func (g *IPConnCap) Release(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[ip] <= 1 {
		delete(g.counts, ip)
	} else {
		g.counts[ip]--
	}
}

// requireAuth verifies the bearer token and stashes its claims. The room
// match happens in requirePerm, where the route's :id is in scope.
func (h *handlers) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := h.deps.Tokens.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}

// requirePerm enforces both the permission and the token's room scope:
// a credential for one room opens no doors in another.
func (h *handlers) requirePerm(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := mustClaims(c)
		if roomID := c.Param("id"); roomID != "" && claims.RoomID != roomID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
			return
		}
		if !auth.Has(claims.Permissions(), perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

func mustClaims(c *gin.Context) *auth.Claims {
	return c.MustGet(claimsKey).(*auth.Claims)
}
