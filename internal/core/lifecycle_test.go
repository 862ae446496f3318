package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

func TestHubResetPresenceClearsRowsOfCrashedProcess(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	seedConversation(t, st, store.ConversationDirect, alice, alice, bob)

	// A process that dies without disconnecting leaves alice's row online.
	crashed := NewHub(Options{Store: st})
	crashed.ConnectIdentity(Identity{UserID: alice, Username: "alice"})

	rows, err := st.GetPresence(ctx, []int64{alice})
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if !rows[alice].Online {
		t.Fatalf("expected persisted online row, got %+v", rows[alice])
	}

	restarted := newTestHub(t, st)
	n, err := restarted.ResetPresence(ctx)
	if err != nil {
		t.Fatalf("reset presence: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row reset, got %d", n)
	}

	p, err := restarted.LookupPresence(ctx, alice)
	if err != nil {
		t.Fatalf("lookup presence: %v", err)
	}
	if p.Online {
		t.Fatalf("expected alice offline after reset, got %+v", p)
	}

	list, err := restarted.ListConversations(ctx, bob)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 1 || list[0].OtherParticipant == nil || list[0].OtherParticipant.Online {
		t.Fatalf("expected offline other participant, got %+v", list)
	}
}

func TestHubClosePersistsOfflineAndRefusesConnections(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	convID := seedConversation(t, st, store.ConversationDirect, alice, alice, bob)

	hub := NewHub(Options{
		Store:  st,
		Window: testWindow,
		Auth: AuthenticatorFunc(func(context.Context, string) (Identity, error) {
			return Identity{UserID: bob, Username: "bob"}, nil
		}),
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hub.Run(runCtx)

	aliceConn := connect(t, hub, alice, "alice", convID)
	second := hub.ConnectIdentity(Identity{UserID: alice, Username: "alice"})

	hub.Close()
	hub.Close()

	for _, c := range []*Conn{aliceConn, second} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("connection %s still open after close", c.ID)
		}
	}
	if hub.Registry().Size() != 0 {
		t.Fatalf("expected empty registry, got %d", hub.Registry().Size())
	}
	if hub.GetPresence(alice).Online {
		t.Fatal("expected alice offline locally")
	}

	rows, err := st.GetPresence(ctx, []int64{alice})
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if rows[alice].Online || rows[alice].LastSeen == nil {
		t.Fatalf("expected persisted offline row with last seen, got %+v", rows[alice])
	}

	if _, err := hub.Connect(ctx, "token"); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected transport closed, got %v", err)
	}
	late := hub.ConnectIdentity(Identity{UserID: bob, Username: "bob"})
	if !late.Closed() || hub.Registry().Size() != 0 || hub.GetPresence(bob).Online {
		t.Fatal("connection admitted after close")
	}
}

func TestDispatcherDeliversAfterRunStops(t *testing.T) {
	st := newTestStore(t)

	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	convID := seedConversation(t, st, store.ConversationDirect, alice, alice, bob)

	// The window never elapses; only the shutdown flush and inline delivery can deliver.
	hub := NewHub(Options{Store: st, Window: time.Hour, ConnBuffer: 16})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	aliceConn := connect(t, hub, alice, "alice", convID)
	bobConn := connect(t, hub, bob, "bob", convID)

	queued := send(t, hub, aliceConn, convID, "queued")
	noEvent(t, bobConn.Events(), EventNewMessage, 3*testWindow)

	cancel()
	<-stopped

	got := mustEvent(t, bobConn.Events(), EventNewMessage).(NewMessage)
	if got.Message.ID != queued.ID {
		t.Fatalf("expected queued message first, got %+v", got.Message)
	}

	late := send(t, hub, aliceConn, convID, "after shutdown")
	got = mustEvent(t, bobConn.Events(), EventNewMessage).(NewMessage)
	if got.Message.ID != late.ID {
		t.Fatalf("expected late message, got %+v", got.Message)
	}
}

func TestContentLimitCountsCharacters(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	hub := newTestHub(t, st)

	alice := seedUser(t, st, "alice")
	convID := seedConversation(t, st, store.ConversationGroup, alice, alice)

	atLimit := strings.Repeat("ж", MaxContentLength)
	msg, err := hub.SendAs(ctx, alice, SendRequest{ConversationID: convID, Content: atLimit})
	if err != nil {
		t.Fatalf("send at limit: %v", err)
	}
	if _, err := hub.EditAs(ctx, alice, msg.ID, atLimit); err != nil {
		t.Fatalf("edit at limit: %v", err)
	}

	over := atLimit + "ж"
	if _, err := hub.SendAs(ctx, alice, SendRequest{ConversationID: convID, Content: over}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("send over limit: expected validation failed, got %v", err)
	}
	if _, err := hub.EditAs(ctx, alice, msg.ID, over); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("edit over limit: expected validation failed, got %v", err)
	}
}
