package http

import (
	"bytes"
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/auth"
	"github.com/vovakirdan/relaychat-server/internal/config"
	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/metrics"
	"github.com/vovakirdan/relaychat-server/internal/proto"
	"github.com/vovakirdan/relaychat-server/internal/store"
	"github.com/vovakirdan/relaychat-server/internal/store/sqlite"
)

type testEnv struct {
	store   store.Store
	auth    *auth.Service
	hub     *core.Hub
	handler stdhttp.Handler
	server  *httptest.Server
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	})

	disabledLogger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hub := core.NewHub(core.Options{
		Store:   st,
		Auth:    authService,
		Logger:  &disabledLogger,
		Metrics: m,
		Window:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	cfg := config.Default()
	cfg.Addr = ":0"
	for _, fn := range mutate {
		fn(&cfg)
	}

	server := NewServer(hub, authService, st, &cfg, &disabledLogger, metrics.Handler(reg))
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{store: st, auth: authService, hub: hub, handler: server.Handler, server: ts}
}

// register creates a user and returns its token and id.
func (e *testEnv) register(t *testing.T, username string) (string, int64) {
	t.Helper()

	token, err := e.auth.Register(context.Background(), username, "password123")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	claims, err := e.auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	return token, claims.UserID
}

func (e *testEnv) conversation(t *testing.T, kind store.ConversationKind, creator int64, members ...int64) int64 {
	t.Helper()

	conv, err := e.store.CreateConversation(context.Background(), kind, "", &creator, append([]int64{creator}, members...))
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv.ID
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	e.handler.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
	return out
}

// frame is an outbound envelope with undecoded data.
type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	Ref   string          `json:"ref,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *proto.Error    `json:"error,omitempty"`
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.server.URL, "http", "ws", 1) + "/ws"
}

// dial connects with token in the query string and consumes the ready frame.
func (e *testEnv) dial(ctx context.Context, t *testing.T, token string) (*websocket.Conn, proto.ReadyData) {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, e.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	f := readFrame(ctx, t, conn)
	if f.Type != proto.OutboundTypeReady {
		t.Fatalf("expected ready frame, got %+v", f)
	}
	var ready proto.ReadyData
	if err := json.Unmarshal(f.Data, &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	return conn, ready
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readUntil skips frames until match returns true.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()

	for {
		f := readFrame(ctx, t, conn)
		if match(f) {
			return f
		}
	}
}

func writeInbound(ctx context.Context, t *testing.T, conn *websocket.Conn, typ, ref string, data any) {
	t.Helper()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal data: %v", err)
		}
		raw = b
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Ref: ref, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func byRef(ref string) func(frame) bool {
	return func(f frame) bool { return f.Ref == ref }
}

func byEvent(name string) func(frame) bool {
	return func(f frame) bool { return f.Type == proto.OutboundTypeEvent && f.Event == name }
}
