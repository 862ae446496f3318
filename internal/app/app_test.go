package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/config"
	"github.com/vovakirdan/relaychat-server/internal/core"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.JWTSecret = "test-secret"
	cfg.ShutdownTimeout = time.Second
	return &cfg
}

func TestNewServesHealthAndMetrics(t *testing.T) {
	logger := zerolog.Nop()
	a, err := New(context.Background(), testConfig(), &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.cleanup()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "relaychat_connections_active") {
		t.Fatal("expected relaychat metrics to be exposed")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected runtime collectors to be registered")
	}
}

func TestNewWithRedisPresence(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Presence.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	logger := zerolog.Nop()
	a, err := New(context.Background(), cfg, &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.cleanup()
	if a.redis == nil {
		t.Fatal("expected redis client to be configured")
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "oracle"

	logger := zerolog.Nop()
	if _, err := New(context.Background(), cfg, &logger); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	a, err := New(context.Background(), testConfig(), &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestNewResetsStalePresence(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("relaychat:presence:7", "online", "1", "last_seen", "1714557600000")

	cfg := testConfig()
	cfg.Presence.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	logger := zerolog.Nop()
	a, err := New(context.Background(), cfg, &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.cleanup()

	if got := mr.HGet("relaychat:presence:7", "online"); got != "0" {
		t.Fatalf("expected stale row reset, online=%q", got)
	}
	if got := mr.HGet("relaychat:presence:7", "last_seen"); got != "1714557600000" {
		t.Fatalf("expected last seen kept, got %q", got)
	}
}

func TestRunReleasesConnectionsOnShutdown(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Presence.Backend = "redis"
	cfg.Redis.Addr = mr.Addr()

	logger := zerolog.Nop()
	a, err := New(context.Background(), cfg, &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	u, err := a.store.CreateUser(context.Background(), "alice", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	conn := a.hub.ConnectIdentity(core.Identity{UserID: u.ID, Username: "alice"})
	key := "relaychat:presence:" + strconv.FormatInt(u.ID, 10)
	if got := mr.HGet(key, "online"); got != "1" {
		t.Fatalf("expected alice online, got %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}

	if !conn.Closed() {
		t.Fatal("expected connection closed on shutdown")
	}
	if got := mr.HGet(key, "online"); got != "0" {
		t.Fatalf("expected offline persisted on shutdown, got %q", got)
	}
}
