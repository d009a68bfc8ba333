package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/wire"
)

type PresenceHandler struct {
	presence cache.PresenceCache
	follows  cache.FollowCache
}

func NewPresenceHandler(p cache.PresenceCache, f cache.FollowCache) *PresenceHandler {
	return &PresenceHandler{presence: p, follows: f}
}

// ListOnline GET /collab/presence
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	users, err := h.presence.Alive(c.Request.Context())
	if err != nil {
		log.Printf("presence alive error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "PRESENCE_FAILED"})
		return
	}
	if users == nil {
		users = []wire.PresenceRecord{}
	}
	c.JSON(http.StatusOK, wire.PresenceSync{Users: users})
}

// ListFollowers GET /collab/follow/followers，当前用户的 follower
func (h *PresenceHandler) ListFollowers(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ids, err := h.follows.Followers(c.Request.Context(), userID)
	if err != nil {
		log.Printf("get followers error (user=%s): %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "FOLLOWERS_FAILED"})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "followers": ids})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
