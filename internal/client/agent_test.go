package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/relaychat-server/internal/proto"
)

// fakeServer accepts websocket connections, sends a ready frame and records
// subscribe commands. The first connection is dropped after its first command.
type fakeServer struct {
	mu         sync.Mutex
	conns      int
	subscribes [][]int64
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.mu.Unlock()

	ctx := r.Context()
	ready := proto.Outbound{Type: proto.OutboundTypeReady, Data: proto.ReadyData{Protocol: proto.ProtocolVersion, ConnectionID: fmt.Sprint(n), UserID: 1}}
	if err := wsjson.Write(ctx, conn, ready); err != nil {
		return
	}

	for {
		var in proto.Inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		if in.Type == proto.InboundTypeSubscribe {
			var data proto.SubscribeData
			_ = json.Unmarshal(in.Data, &data)
			s.mu.Lock()
			s.subscribes = append(s.subscribes, data.ConversationIDs)
			s.mu.Unlock()
		}
		_ = wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeAck, Ref: in.Ref})
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
	}
}

func (s *fakeServer) snapshot() (int, [][]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns, append([][]int64(nil), s.subscribes...)
}

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http", "ws", 1)
}

func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestAgentBackoffSchedule(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		want        []time.Duration
	}{
		{
			name: "defaults give up after five attempts",
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		{
			name:        "delay is capped",
			maxAttempts: 9,
			want: []time.Duration{
				time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
				16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			dials := 0
			agent := NewAgent(Options{
				Dial: func(context.Context) (*Session, error) {
					dials++
					return nil, errors.New("connection refused")
				},
				MaxAttempts: tt.maxAttempts,
				Sleep:       recordSleeps(&delays),
			})

			err := agent.Run(context.Background())
			if !errors.Is(err, ErrGaveUp) {
				t.Fatalf("expected ErrGaveUp, got %v", err)
			}
			if dials != len(tt.want)+1 {
				t.Fatalf("expected %d dials, got %d", len(tt.want)+1, dials)
			}
			if fmt.Sprint(delays) != fmt.Sprint(tt.want) {
				t.Fatalf("delays = %v, want %v", delays, tt.want)
			}
			if agent.State() != StateDisconnected {
				t.Fatalf("expected disconnected, got %v", agent.State())
			}
		})
	}
}

func TestAgentStopsOnUnauthorized(t *testing.T) {
	var delays []time.Duration
	agent := NewAgent(Options{
		Dial: func(context.Context) (*Session, error) {
			return nil, fmt.Errorf("dial: %w", ErrUnauthorized)
		},
		Sleep: recordSleeps(&delays),
	})

	if err := agent.Run(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no retries, got %v", delays)
	}
}

func TestAgentCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	agent := NewAgent(Options{
		Dial: func(context.Context) (*Session, error) {
			return nil, errors.New("down")
		},
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	if err := agent.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAgentSendWithoutSession(t *testing.T) {
	agent := NewAgent(Options{Dial: func(context.Context) (*Session, error) { return nil, errors.New("unused") }})
	if _, err := agent.Send(context.Background(), proto.InboundTypePing, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := agent.Subscribe(context.Background(), []int64{1}); err != nil {
		t.Fatalf("subscribe while offline should only record: %v", err)
	}
}

func TestAgentResubscribesAfterDrop(t *testing.T) {
	server := &fakeServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var states []State
	agent := NewAgent(Options{
		Dial: func(ctx context.Context) (*Session, error) {
			return Dial(ctx, wsURL(srv), "good")
		},
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	if err := agent.Subscribe(ctx, []int64{3, 5}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		conns, subs := server.snapshot()
		if conns >= 2 && len(subs) >= 2 {
			for i, ids := range subs[:2] {
				if fmt.Sprint(ids) != "[3 5]" {
					t.Fatalf("subscribe %d = %v, want [3 5]", i, ids)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected reconnect with re-subscribe, got conns=%d subs=%v", conns, subs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	connected := 0
	for _, s := range states {
		if s == StateConnected {
			connected++
		}
	}
	if connected < 2 {
		t.Fatalf("expected two connected transitions, got %v", states)
	}
	if states[len(states)-1] != StateDisconnected {
		t.Fatalf("expected to end disconnected, got %v", states)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{})
	defer srv.Close()

	if _, err := Dial(context.Background(), wsURL(srv), "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	sess, err := Dial(context.Background(), wsURL(srv), "good")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sess.Close()
	if sess.Ready().Protocol != proto.ProtocolVersion {
		t.Fatalf("unexpected ready: %+v", sess.Ready())
	}
}
