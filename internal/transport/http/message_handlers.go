package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/core"
)

// MessageHandlers provides HTTP handlers for single-message endpoints.
type MessageHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewMessageHandlers creates a new message handlers instance.
func NewMessageHandlers(hub *core.Hub, logger *zerolog.Logger) *MessageHandlers {
	return &MessageHandlers{hub: hub, log: logger}
}

// EditMessageRequest represents the edit request body.
type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// MarkRead marks one message read.
// POST /api/messages/:id/read
func (h *MessageHandlers) MarkRead(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	msgID, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.hub.MarkReadAs(c.Request.Context(), uid, msgID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EditMessage replaces the content of the caller's message.
// PATCH /api/messages/:id
func (h *MessageHandlers) EditMessage(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	msgID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	msg, err := h.hub.EditAs(c.Request.Context(), uid, msgID, req.Content)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, messageToProto(msg))
}

// DeleteMessage soft-deletes the caller's message.
// DELETE /api/messages/:id
func (h *MessageHandlers) DeleteMessage(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	msgID, ok := idParam(c, "id")
	if !ok {
		return
	}

	msg, err := h.hub.DeleteAs(c.Request.Context(), uid, msgID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, messageToProto(msg))
}
