package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// countingStore counts the aggregation queries issued against it.
type countingStore struct {
	store.Store
	latest   atomic.Int32
	unread   atomic.Int32
	peers    atomic.Int32
	presence atomic.Int32
}

func (s *countingStore) LatestMessages(ctx context.Context, ids []int64) (map[int64]*store.Message, error) {
	s.latest.Add(1)
	return s.Store.LatestMessages(ctx, ids)
}

func (s *countingStore) CountUnread(ctx context.Context, userID int64, ids []int64) (map[int64]int, error) {
	s.unread.Add(1)
	return s.Store.CountUnread(ctx, userID, ids)
}

func (s *countingStore) ListDirectPeers(ctx context.Context, userID int64, ids []int64) ([]store.Participant, error) {
	s.peers.Add(1)
	return s.Store.ListDirectPeers(ctx, userID, ids)
}

func (s *countingStore) GetPresence(ctx context.Context, ids []int64) (map[int64]store.Presence, error) {
	s.presence.Add(1)
	return s.Store.GetPresence(ctx, ids)
}

func TestListConversationsSummaries(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := newTestHub(t, st)

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	carol := seedUser(t, st, "carol")

	direct := seedConversation(t, st, store.ConversationDirect, alice, alice, bob)
	group := seedConversation(t, st, store.ConversationGroup, alice, alice, bob, carol)
	quiet := seedConversation(t, st, store.ConversationDirect, bob, bob, carol)

	for _, text := range []string{"d1", "d2"} {
		if _, err := hub.SendAs(ctx, alice, SendRequest{ConversationID: direct, Content: text}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := hub.SendAs(ctx, carol, SendRequest{ConversationID: group, Content: "g1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := hub.SendAs(ctx, bob, SendRequest{ConversationID: group, Content: "g2"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	list, err := hub.ListConversations(ctx, bob)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(list))
	}

	if list[0].Conversation.ID != group || list[1].Conversation.ID != direct || list[2].Conversation.ID != quiet {
		t.Fatalf("unexpected order: %d, %d, %d", list[0].Conversation.ID, list[1].Conversation.ID, list[2].Conversation.ID)
	}

	g := list[0]
	if g.LastMessage == nil || g.LastMessage.Content != "g2" {
		t.Fatalf("unexpected group last message: %+v", g.LastMessage)
	}
	if g.UnreadCount != 1 {
		t.Fatalf("expected 1 unread in group (own message excluded), got %d", g.UnreadCount)
	}
	if g.OtherParticipant != nil {
		t.Fatalf("group conversations have no other participant")
	}

	d := list[1]
	if d.UnreadCount != 2 || d.LastMessage == nil || d.LastMessage.Content != "d2" {
		t.Fatalf("unexpected direct summary: unread=%d last=%+v", d.UnreadCount, d.LastMessage)
	}
	if d.OtherParticipant == nil || d.OtherParticipant.UserID != alice || d.OtherParticipant.Username != "alice" {
		t.Fatalf("unexpected other participant: %+v", d.OtherParticipant)
	}
	if d.OtherParticipant.Online {
		t.Fatalf("alice has no connection and must be offline")
	}

	q := list[2]
	if q.LastMessage != nil || q.UnreadCount != 0 {
		t.Fatalf("expected empty quiet conversation, got %+v", q)
	}
	if q.OtherParticipant == nil || q.OtherParticipant.UserID != carol {
		t.Fatalf("unexpected other participant: %+v", q.OtherParticipant)
	}
}

func TestListConversationsIgnoresDeletedLastMessage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := newTestHub(t, st)

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	convID := seedConversation(t, st, store.ConversationDirect, alice, alice, bob)

	if _, err := hub.SendAs(ctx, alice, SendRequest{ConversationID: convID, Content: "kept"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	gone, err := hub.SendAs(ctx, alice, SendRequest{ConversationID: convID, Content: "gone"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := hub.DeleteAs(ctx, alice, gone.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	list, err := hub.ListConversations(ctx, bob)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if list[0].LastMessage == nil || list[0].LastMessage.Content != "kept" {
		t.Fatalf("unexpected last message: %+v", list[0].LastMessage)
	}
	if list[0].UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", list[0].UnreadCount)
	}
}

func TestListConversationsQueryCountIsConstant(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	st := &countingStore{Store: base}

	me := seedUser(t, base, "me")
	for i := 0; i < 20; i++ {
		peer := seedUser(t, base, "peer"+string(rune('a'+i)))
		convID := seedConversation(t, base, store.ConversationDirect, me, me, peer)
		msg := &store.Message{ConversationID: convID, SenderID: peer, Content: "hi", Type: store.MessageText}
		if err := base.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	agg := NewAggregator(st, nil, nil, time.Second)
	list, err := agg.ListConversations(ctx, me)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 20 {
		t.Fatalf("expected 20 conversations, got %d", len(list))
	}
	for _, s := range list {
		if s.UnreadCount != 1 || s.LastMessage == nil || s.OtherParticipant == nil {
			t.Fatalf("incomplete summary: %+v", s)
		}
	}

	if st.latest.Load() != 1 || st.unread.Load() != 1 || st.peers.Load() != 1 || st.presence.Load() != 1 {
		t.Fatalf("expected one query each, got latest=%d unread=%d peers=%d presence=%d",
			st.latest.Load(), st.unread.Load(), st.peers.Load(), st.presence.Load())
	}
}

func TestListConversationsFailsOnSubqueryError(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	st := &failingStore{Store: base, failUnread: true}

	alice := seedUser(t, base, "alice")
	bob := seedUser(t, base, "bob")
	seedConversation(t, base, store.ConversationDirect, alice, alice, bob)

	agg := NewAggregator(st, nil, nil, time.Second)
	list, err := agg.ListConversations(ctx, alice)
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("expected persistence failed, got %v", err)
	}
	if list != nil {
		t.Fatalf("expected no partial result, got %+v", list)
	}
}

func TestListConversationsEmpty(t *testing.T) {
	st := newTestStore(t)
	alice := seedUser(t, st, "alice")

	list, err := NewAggregator(st, nil, nil, 0).ListConversations(context.Background(), alice)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %+v", list)
	}
}
