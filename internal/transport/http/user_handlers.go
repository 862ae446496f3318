package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/store"
)

// UserHandlers provides HTTP handlers for user operations.
type UserHandlers struct {
	hub   *core.Hub
	store store.UserStore
	log   *zerolog.Logger
}

// NewUserHandlers creates a new user handlers instance.
func NewUserHandlers(hub *core.Hub, st store.UserStore, logger *zerolog.Logger) *UserHandlers {
	return &UserHandlers{
		hub:   hub,
		store: st,
		log:   logger,
	}
}

// PresenceResponse represents a user's presence in API responses.
type PresenceResponse struct {
	UserID   int64      `json:"user_id"`
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// GetPresence returns the online state of a user.
// GET /api/users/:id/presence
func (h *UserHandlers) GetPresence(c *gin.Context) {
	if _, ok := currentUserID(c); !ok {
		return
	}
	userID, ok := idParam(c, "id")
	if !ok {
		return
	}

	user, err := h.store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortWith(c, core.ErrCodeNotFound, "user not found")
			return
		}
		respondError(c, h.log, core.FromStorage("load user", err))
		return
	}

	p, err := h.hub.LookupPresence(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, PresenceResponse{
		UserID:   user.ID,
		Username: user.Username,
		Online:   p.Online,
		LastSeen: p.LastSeen,
	})
}
