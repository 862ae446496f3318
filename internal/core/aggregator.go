package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// Participant is the other side of a direct conversation.
type Participant struct {
	UserID   int64      `json:"user_id"`
	Username string     `json:"username"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation     store.Conversation
	LastMessage      *store.Message
	UnreadCount      int
	OtherParticipant *Participant
}

// Aggregator builds conversation lists with a fixed number of queries,
// independent of how many conversations the user has.
type Aggregator struct {
	store    store.Store
	presence store.PresenceStore
	tracker  *PresenceTracker
	timeout  time.Duration
}

// NewAggregator wires an aggregator. presence defaults to st.
func NewAggregator(st store.Store, presence store.PresenceStore, tracker *PresenceTracker, timeout time.Duration) *Aggregator {
	if presence == nil {
		presence = st
	}
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return &Aggregator{store: st, presence: presence, tracker: tracker, timeout: timeout}
}

// ListConversations returns the user's conversations, most recently updated
// first, each enriched with its latest message, unread count and, for direct
// chats, the other participant's presence. Any failed sub-query fails the call.
func (a *Aggregator) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	convs, err := a.store.ListUserConversations(ctx, userID)
	if err != nil {
		return nil, storageError("list conversations", err)
	}
	if len(convs) == 0 {
		return []ConversationSummary{}, nil
	}

	ids := make([]int64, 0, len(convs))
	var directIDs []int64
	for _, c := range convs {
		ids = append(ids, c.ID)
		if c.Kind == store.ConversationDirect {
			directIDs = append(directIDs, c.ID)
		}
	}

	var (
		latest   map[int64]*store.Message
		unread   map[int64]int
		peers    []store.Participant
		presence map[int64]store.Presence
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		latest, err = a.store.LatestMessages(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		unread, err = a.store.CountUnread(gctx, userID, ids)
		return err
	})
	g.Go(func() error {
		if len(directIDs) == 0 {
			return nil
		}
		var err error
		peers, err = a.store.ListDirectPeers(gctx, userID, directIDs)
		if err != nil || len(peers) == 0 {
			return err
		}
		peerIDs := make([]int64, len(peers))
		for i, p := range peers {
			peerIDs[i] = p.UserID
		}
		presence, err = a.presence.GetPresence(gctx, peerIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, storageError("aggregate conversations", err)
	}

	others := make(map[int64]*Participant, len(peers))
	for _, p := range peers {
		part := &Participant{UserID: p.UserID, Username: p.Username}
		if stored, ok := presence[p.UserID]; ok {
			part.Online = stored.Online
			part.LastSeen = stored.LastSeen
		}
		if a.tracker != nil {
			if local := a.tracker.GetPresence(p.UserID); local.Online {
				part.Online = true
			}
		}
		others[p.ConversationID] = part
	}

	// convs is already ordered by updated_at descending.
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{
			Conversation:     *c,
			LastMessage:      latest[c.ID],
			UnreadCount:      unread[c.ID],
			OtherParticipant: others[c.ID],
		})
	}
	return out, nil
}
