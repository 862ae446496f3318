package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/relaychat-server/internal/store"
	"github.com/vovakirdan/relaychat-server/internal/store/sqlite"
)

const testWindow = 20 * time.Millisecond

func mustEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind() == kind {
				return ev
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func mustPresence(t *testing.T, ch <-chan Event, userID int64, online bool) PresenceChanged {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if p, ok := ev.(PresenceChanged); ok && p.UserID == userID && p.Online == online {
				return p
			}
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatalf("expected presence_changed for user %d online=%v", userID, online)
	return PresenceChanged{}
}

// noEvent fails if an event of kind arrives within wait.
func noEvent(t *testing.T, ch <-chan Event, kind EventKind, wait time.Duration) {
	t.Helper()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev := <-ch:
			if ev.Kind() == kind {
				t.Fatalf("unexpected %v event: %+v", kind, ev)
			}
		case <-timer.C:
			return
		}
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestHub(t *testing.T, st store.Store) *Hub {
	t.Helper()

	hub := NewHub(Options{Store: st, Window: testWindow, ConnBuffer: 256})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func seedUser(t *testing.T, st store.Store, name string) int64 {
	t.Helper()
	u, err := st.CreateUser(context.Background(), name, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u.ID
}

func seedConversation(t *testing.T, st store.Store, kind store.ConversationKind, creator int64, members ...int64) int64 {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(), kind, "", &creator, members)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv.ID
}

func connect(t *testing.T, hub *Hub, userID int64, name string, convs ...int64) *Conn {
	t.Helper()
	conn := hub.ConnectIdentity(Identity{UserID: userID, Username: name})
	t.Cleanup(func() { hub.Disconnect(conn) })
	if len(convs) > 0 {
		if _, err := hub.Subscribe(context.Background(), conn, convs); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	return conn
}

func send(t *testing.T, hub *Hub, conn *Conn, convID int64, text string) *store.Message {
	t.Helper()
	res, err := hub.Execute(context.Background(), conn, &Command{
		Kind: CommandSend,
		Send: SendRequest{ConversationID: convID, Content: text},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res.Message
}
