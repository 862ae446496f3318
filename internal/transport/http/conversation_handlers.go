package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/proto"
	"github.com/vovakirdan/relaychat-server/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// ConversationHandlers provides HTTP handlers for conversation endpoints.
type ConversationHandlers struct {
	hub   *core.Hub
	store store.Store
	log   *zerolog.Logger
}

// NewConversationHandlers creates a new conversation handlers instance.
func NewConversationHandlers(hub *core.Hub, st store.Store, logger *zerolog.Logger) *ConversationHandlers {
	return &ConversationHandlers{
		hub:   hub,
		store: st,
		log:   logger,
	}
}

// CreateConversationRequest represents the create conversation request body.
type CreateConversationRequest struct {
	Kind      string  `json:"kind" binding:"required,oneof=direct group"`
	Title     string  `json:"title" binding:"max=128"`
	MemberIDs []int64 `json:"member_ids" binding:"required,min=1,dive,gt=0"`
}

// ConversationResponse represents a conversation in API responses.
type ConversationResponse struct {
	ID               int64             `json:"id"`
	Kind             string            `json:"kind"`
	Title            string            `json:"title"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	LastMessage      *proto.Message    `json:"last_message,omitempty"`
	UnreadCount      int               `json:"unread_count"`
	OtherParticipant *core.Participant `json:"other_participant,omitempty"`
}

// AddMembersRequest lists users to add to a group conversation.
type AddMembersRequest struct {
	UserIDs []int64 `json:"user_ids" binding:"required,min=1,dive,gt=0"`
}

// MembersResponse lists the members of a conversation.
type MembersResponse struct {
	ConversationID int64   `json:"conversation_id"`
	MemberIDs      []int64 `json:"member_ids"`
}

// MarkedResponse reports how many read marks were written.
type MarkedResponse struct {
	Marked int64 `json:"marked"`
}

func conversationResponse(conv store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        conv.ID,
		Kind:      string(conv.Kind),
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
}

// ListConversations returns the caller's conversation list.
// GET /api/conversations
func (h *ConversationHandlers) ListConversations(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}

	summaries, err := h.hub.ListConversations(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	response := make([]ConversationResponse, 0, len(summaries))
	for _, s := range summaries {
		item := conversationResponse(s.Conversation)
		item.LastMessage = messageToProto(s.LastMessage)
		item.UnreadCount = s.UnreadCount
		item.OtherParticipant = s.OtherParticipant
		response = append(response, item)
	}

	h.log.Debug().Int64("user_id", uid).Int("conversation_count", len(response)).Msg("conversations listed")
	c.JSON(http.StatusOK, response)
}

// CreateConversation creates a direct or group conversation with the caller as admin.
// POST /api/conversations
func (h *ConversationHandlers) CreateConversation(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create conversation request")
		badRequest(c, "invalid request body")
		return
	}

	members := []int64{uid}
	seen := map[int64]bool{uid: true}
	for _, id := range req.MemberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}

	kind := store.ConversationKind(req.Kind)
	if kind == store.ConversationDirect && len(members) != 2 {
		badRequest(c, "direct conversations need exactly one other member")
		return
	}

	ctx := c.Request.Context()
	if !h.requireUsers(c, members[1:]) {
		return
	}

	conv, err := h.store.CreateConversation(ctx, kind, req.Title, &uid, members)
	if err != nil {
		respondError(c, h.log, core.FromStorage("create conversation", err))
		return
	}

	h.log.Info().Int64("conversation_id", conv.ID).Int64("user_id", uid).Str("kind", req.Kind).Msg("conversation created")
	c.JSON(http.StatusCreated, conversationResponse(*conv))
}

// AddMembers adds users to a group conversation the caller belongs to.
// POST /api/conversations/:id/members
func (h *ConversationHandlers) AddMembers(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req AddMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	member, err := h.store.IsMember(ctx, uid, convID)
	if err != nil {
		respondError(c, h.log, core.FromStorage("check membership", err))
		return
	}
	if !member {
		respondError(c, h.log, core.ErrPermissionDenied)
		return
	}
	conv, err := h.store.GetConversation(ctx, convID)
	if err != nil {
		respondError(c, h.log, core.FromStorage("load conversation", err))
		return
	}
	if conv.Kind == store.ConversationDirect {
		badRequest(c, "direct conversations have fixed members")
		return
	}

	ids := uniqueIDs(req.UserIDs)
	if !h.requireUsers(c, ids) {
		return
	}
	for _, id := range ids {
		if err := h.store.AddMember(ctx, convID, id, false); err != nil {
			respondError(c, h.log, core.FromStorage("add member", err))
			return
		}
	}

	members, err := h.store.ListMembers(ctx, convID)
	if err != nil {
		respondError(c, h.log, core.FromStorage("list members", err))
		return
	}

	h.log.Info().Int64("conversation_id", convID).Int64("user_id", uid).Int("added", len(ids)).Msg("members added")
	c.JSON(http.StatusOK, MembersResponse{ConversationID: convID, MemberIDs: members})
}

// requireUsers checks with a single query that every id is a user, writing
// 404 for the first missing one.
func (h *ConversationHandlers) requireUsers(c *gin.Context, ids []int64) bool {
	if len(ids) == 0 {
		return true
	}
	found, err := h.store.ExistingUserIDs(c.Request.Context(), ids)
	if err != nil {
		respondError(c, h.log, core.FromStorage("load members", err))
		return false
	}
	if len(found) == len(ids) {
		return true
	}

	exists := make(map[int64]struct{}, len(found))
	for _, id := range found {
		exists[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := exists[id]; !ok {
			abortWith(c, core.ErrCodeNotFound, "user "+strconv.FormatInt(id, 10)+" not found")
			return false
		}
	}
	return true
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ListMessages returns a page of history, oldest first.
// GET /api/conversations/:id/messages?limit=&before_id=
func (h *ConversationHandlers) ListMessages(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	var beforeID int64
	if raw := c.Query("before_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			badRequest(c, "invalid before_id")
			return
		}
		beforeID = n
	}

	ctx := c.Request.Context()
	member, err := h.store.IsMember(ctx, uid, convID)
	if err != nil {
		respondError(c, h.log, core.FromStorage("check membership", err))
		return
	}
	if !member {
		respondError(c, h.log, core.ErrPermissionDenied)
		return
	}

	msgs, err := h.store.ListMessages(ctx, convID, limit, beforeID)
	if err != nil {
		respondError(c, h.log, core.FromStorage("list messages", err))
		return
	}

	response := make([]*proto.Message, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, messageToProto(m))
	}
	c.JSON(http.StatusOK, response)
}

// SendMessage persists and dispatches a message.
// POST /api/conversations/:id/messages
func (h *ConversationHandlers) SendMessage(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var data proto.SendData
	if err := c.ShouldBindJSON(&data); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	data.ConversationID = convID

	msg, err := h.hub.SendAs(c.Request.Context(), uid, sendRequest(data))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, messageToProto(msg))
}

// MarkRead marks every message of the conversation read for the caller.
// POST /api/conversations/:id/read
func (h *ConversationHandlers) MarkRead(c *gin.Context) {
	uid, ok := currentUserID(c)
	if !ok {
		return
	}
	convID, ok := idParam(c, "id")
	if !ok {
		return
	}

	n, err := h.hub.MarkConversationReadAs(c.Request.Context(), uid, convID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, MarkedResponse{Marked: n})
}
