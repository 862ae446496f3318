package core

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/metrics"
	"github.com/vovakirdan/relaychat-server/internal/store"
	"github.com/vovakirdan/relaychat-server/internal/utils"
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   int64
	Username string
}

// Authenticator turns a credential token into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Options configures a Hub.
type Options struct {
	Store store.Store
	// Presence overrides where presence rows are written; defaults to Store.
	Presence       store.PresenceStore
	Auth           Authenticator
	Logger         *zerolog.Logger
	Metrics        *metrics.Metrics
	Clock          clock.Clock
	Window         time.Duration
	MaxBatch       int
	ConnBuffer     int
	StorageTimeout time.Duration
}

// Hub is the entry point of the realtime engine. It owns the registry,
// presence tracker, dispatcher, aggregator and receipt tracker.
type Hub struct {
	store         store.Store
	presenceStore store.PresenceStore
	auth          Authenticator
	log           *zerolog.Logger
	metrics       *metrics.Metrics
	connBuffer    int
	timeout       time.Duration

	registry   *Registry
	presence   *PresenceTracker
	dispatcher *Dispatcher
	aggregator *Aggregator
	receipts   *ReceiptTracker

	// lifecycle is held shared by registrations and exclusively by Close.
	lifecycle sync.RWMutex
	closed    bool
}

// NewHub wires all engine components together.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Presence == nil {
		opts.Presence = opts.Store
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultStorageTimeout
	}

	h := &Hub{
		store:         opts.Store,
		presenceStore: opts.Presence,
		auth:          opts.Auth,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		connBuffer:    opts.ConnBuffer,
		timeout:       opts.StorageTimeout,
		registry:      NewRegistry(),
	}
	h.presence = NewPresenceTracker(opts.Clock, h.announcePresence)
	h.dispatcher = NewDispatcher(opts.Store, h.registry, opts.Clock, DispatcherConfig{
		Window:         opts.Window,
		MaxBatch:       opts.MaxBatch,
		StorageTimeout: opts.StorageTimeout,
	}, opts.Logger, opts.Metrics)
	h.aggregator = NewAggregator(opts.Store, opts.Presence, h.presence, opts.StorageTimeout)
	h.receipts = NewReceiptTracker(opts.Store, opts.Clock, opts.StorageTimeout)
	return h
}

// Run drives the dispatcher's flush loop until ctx is cancelled. Messages
// sent after that are delivered inline.
func (h *Hub) Run(ctx context.Context) {
	h.dispatcher.Run(ctx)
}

// Close stops admitting connections and disconnects every live one, so each
// user's offline transition is persisted and announced. Call it before
// cancelling Run. It is safe to call more than once.
func (h *Hub) Close() {
	h.lifecycle.Lock()
	h.closed = true
	h.lifecycle.Unlock()

	conns := h.registry.All()
	for _, c := range conns {
		h.Disconnect(c)
	}
	if len(conns) > 0 {
		h.log.Info().Int("connections", len(conns)).Msg("hub closed, connections released")
	}
}

// ResetPresence marks every persisted presence row offline. It is meant for
// startup, before any connection is admitted, to clear rows a crashed process
// left online.
func (h *Hub) ResetPresence(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	n, err := h.presenceStore.ResetPresence(ctx)
	if err != nil {
		return 0, storageError("reset presence", err)
	}
	return n, nil
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Presence exposes the presence tracker.
func (h *Hub) Presence() *PresenceTracker { return h.presence }

// Dispatcher exposes the delivery dispatcher.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Connect authenticates token and registers a new live connection.
func (h *Hub) Connect(ctx context.Context, token string) (*Conn, error) {
	if h.isClosed() {
		return nil, ErrTransportClosed
	}
	if h.auth == nil {
		return nil, ErrUnauthorized
	}
	id, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		return nil, &CoreError{Code: ErrCodeUnauthorized, Message: "invalid credentials", Err: err}
	}
	return h.ConnectIdentity(id), nil
}

// ConnectIdentity registers a connection for an already authenticated identity.
// Once the hub is closed the returned connection is already closed.
func (h *Hub) ConnectIdentity(id Identity) *Conn {
	conn := NewConn(utils.NewID(), id.UserID, id.Username, h.connBuffer)

	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	if h.closed {
		h.registry.Unsubscribe(conn)
		return conn
	}

	h.registry.Register(conn)
	h.metrics.ConnectionOpened()
	h.presence.SetOnline(id.UserID, true)

	h.log.Debug().Str("conn_id", conn.ID).Int64("user_id", id.UserID).Msg("connection registered")
	return conn
}

// Disconnect drops every subscription of conn and releases its presence.
// It is safe to call more than once.
func (h *Hub) Disconnect(conn *Conn) {
	remaining, removed := h.registry.Unsubscribe(conn)
	if !removed {
		return
	}
	h.metrics.ConnectionClosed()
	h.presence.SetOnline(conn.UserID, false)

	h.log.Debug().Str("conn_id", conn.ID).Int64("user_id", conn.UserID).Int("remaining", remaining).Msg("connection removed")
}

// Subscribe admits conn to the conversations its user is a member of.
// Unauthorized or unknown ids are dropped silently; the admitted ids are returned.
func (h *Hub) Subscribe(ctx context.Context, conn *Conn, conversationIDs []int64) ([]int64, error) {
	if conn.Closed() {
		return nil, ErrTransportClosed
	}
	if len(conversationIDs) == 0 {
		return []int64{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	allowed, err := h.store.MemberConversationIDs(ctx, conn.UserID, dedupe(conversationIDs))
	if err != nil {
		return nil, storageError("check membership", err)
	}
	if err := h.registry.Subscribe(conn, allowed); err != nil {
		return nil, err
	}
	if allowed == nil {
		allowed = []int64{}
	}
	return allowed, nil
}

// Execute runs a command on behalf of a live connection.
func (h *Hub) Execute(ctx context.Context, conn *Conn, cmd *Command) (*Result, error) {
	if conn.Closed() {
		return nil, ErrTransportClosed
	}

	switch cmd.Kind {
	case CommandSubscribe:
		ids, err := h.Subscribe(ctx, conn, cmd.ConversationIDs)
		if err != nil {
			return nil, err
		}
		return &Result{Subscribed: ids}, nil
	case CommandSend:
		msg, err := h.dispatcher.Send(ctx, conn.UserID, cmd.Send)
		if err != nil {
			return nil, err
		}
		return &Result{Message: msg}, nil
	case CommandTypingStart, CommandTypingStop:
		if err := h.dispatcher.Typing(conn, cmd.ConversationID, cmd.Kind == CommandTypingStart); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case CommandMarkRead:
		if err := h.receipts.MarkRead(ctx, conn.UserID, cmd.MessageID); err != nil {
			return nil, err
		}
		return &Result{}, nil
	case CommandMarkConversationRead:
		n, err := h.receipts.MarkConversationRead(ctx, conn.UserID, cmd.ConversationID)
		if err != nil {
			return nil, err
		}
		return &Result{Marked: n}, nil
	case CommandEdit:
		msg, err := h.dispatcher.Edit(ctx, conn.UserID, cmd.MessageID, cmd.Content)
		if err != nil {
			return nil, err
		}
		return &Result{Message: msg}, nil
	case CommandDelete:
		msg, err := h.dispatcher.Delete(ctx, conn.UserID, cmd.MessageID)
		if err != nil {
			return nil, err
		}
		return &Result{Message: msg}, nil
	default:
		return nil, validationFailed("unknown command")
	}
}

// SendAs sends a message on behalf of userID without a live connection (REST).
func (h *Hub) SendAs(ctx context.Context, userID int64, req SendRequest) (*store.Message, error) {
	return h.dispatcher.Send(ctx, userID, req)
}

// EditAs edits a message on behalf of userID.
func (h *Hub) EditAs(ctx context.Context, userID, messageID int64, content string) (*store.Message, error) {
	return h.dispatcher.Edit(ctx, userID, messageID, content)
}

// DeleteAs soft-deletes a message on behalf of userID.
func (h *Hub) DeleteAs(ctx context.Context, userID, messageID int64) (*store.Message, error) {
	return h.dispatcher.Delete(ctx, userID, messageID)
}

// MarkReadAs marks a message read for userID.
func (h *Hub) MarkReadAs(ctx context.Context, userID, messageID int64) error {
	return h.receipts.MarkRead(ctx, userID, messageID)
}

// MarkConversationReadAs marks a conversation read for userID.
func (h *Hub) MarkConversationReadAs(ctx context.Context, userID, conversationID int64) (int64, error) {
	return h.receipts.MarkConversationRead(ctx, userID, conversationID)
}

// ListConversations returns the conversation list of userID.
func (h *Hub) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	return h.aggregator.ListConversations(ctx, userID)
}

// GetPresence returns the node-local presence of userID.
func (h *Hub) GetPresence(userID int64) Presence {
	return h.presence.GetPresence(userID)
}

// LookupPresence merges node-local presence with the persisted row, so users
// connected to another node are reported online too.
func (h *Hub) LookupPresence(ctx context.Context, userID int64) (Presence, error) {
	local := h.presence.GetPresence(userID)
	if local.Online {
		return local, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	rows, err := h.presenceStore.GetPresence(ctx, []int64{userID})
	if err != nil {
		return Presence{}, storageError("load presence", err)
	}
	if row, ok := rows[userID]; ok {
		local.Online = row.Online
		if row.LastSeen != nil {
			local.LastSeen = row.LastSeen
		}
	}
	return local, nil
}

// announcePresence persists a transition and tells every peer of the user.
// Failures are logged only; presence is eventually consistent.
func (h *Hub) announcePresence(p Presence) {
	h.metrics.PresenceTransition(p.Online)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	lastSeen := time.Now().UTC()
	if p.LastSeen != nil {
		lastSeen = *p.LastSeen
	}
	if err := h.presenceStore.UpsertPresence(ctx, p.UserID, p.Online, lastSeen); err != nil {
		h.log.Warn().Err(err).Int64("user_id", p.UserID).Msg("persist presence failed")
	}

	peers, err := h.store.ListConversationPeers(ctx, p.UserID)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", p.UserID).Msg("presence broadcast failed")
		return
	}
	if len(peers) == 0 {
		return
	}
	h.dispatcher.Broadcast(Broadcast{
		UserIDs: peers,
		Event:   PresenceChanged{UserID: p.UserID, Online: p.Online, LastSeen: p.LastSeen},
	})
}

func (h *Hub) isClosed() bool {
	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	return h.closed
}

func dedupe(ids []int64) []int64 {
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
