package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/vovakirdan/relaychat-server/internal/store"
	"github.com/vovakirdan/relaychat-server/internal/store/sqlite"
)

func benchmarkConversationFanout(b *testing.B, recipients int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := sqlite.New(":memory:")
	if err != nil {
		b.Fatalf("store: %v", err)
	}
	defer st.Close()

	hub := NewHub(Options{Store: st, ConnBuffer: 1024})
	go hub.Run(ctx)

	sender, _ := st.CreateUser(ctx, "sender", "hash")
	members := []int64{sender.ID}
	for i := range recipients {
		u, err := st.CreateUser(ctx, fmt.Sprintf("user%d", i), "hash")
		if err != nil {
			b.Fatalf("create user: %v", err)
		}
		members = append(members, u.ID)
	}
	conv, err := st.CreateConversation(ctx, store.ConversationGroup, "bench", &sender.ID, members)
	if err != nil {
		b.Fatalf("create conversation: %v", err)
	}

	conns := make([]*Conn, 0, recipients)
	for _, uid := range members[1:] {
		c := hub.ConnectIdentity(Identity{UserID: uid, Username: "client"})
		if _, err := hub.Subscribe(ctx, c, []int64{conv.ID}); err != nil {
			b.Fatalf("subscribe: %v", err)
		}
		conns = append(conns, c)
	}

	// Drain everyone but the first recipient to avoid buffer drops.
	target := conns[0]
	for _, c := range conns[1:] {
		go func(c *Conn) {
			for {
				select {
				case <-c.Events():
				case <-ctx.Done():
					return
				}
			}
		}(c)
	}

	req := SendRequest{ConversationID: conv.ID, Content: "payload", Priority: PriorityHigh}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := hub.SendAs(ctx, sender.ID, req); err != nil {
			b.Fatalf("send: %v", err)
		}
		for ev := range target.Events() {
			if ev.Kind() == EventNewMessage {
				break
			}
		}
	}
}

func BenchmarkConversationFanout_10(b *testing.B)  { benchmarkConversationFanout(b, 10) }
func BenchmarkConversationFanout_100(b *testing.B) { benchmarkConversationFanout(b, 100) }
func BenchmarkConversationFanout_500(b *testing.B) { benchmarkConversationFanout(b, 500) }
