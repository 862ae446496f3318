package core

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestPresenceCountsConnections(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	var transitions []Presence
	tracker := NewPresenceTracker(clk, func(p Presence) {
		transitions = append(transitions, p)
	})

	tracker.SetOnline(7, true)
	tracker.SetOnline(7, true)

	clk.Add(time.Minute)
	p := tracker.SetOnline(7, false)
	if !p.Online || p.Connections != 1 {
		t.Fatalf("expected online with 1 connection, got %+v", p)
	}

	clk.Add(time.Minute)
	p = tracker.SetOnline(7, false)
	if p.Online {
		t.Fatalf("expected offline, got %+v", p)
	}
	if p.LastSeen == nil || !p.LastSeen.Equal(clk.Now()) {
		t.Fatalf("expected last_seen %v, got %v", clk.Now(), p.LastSeen)
	}

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d: %+v", len(transitions), transitions)
	}
	if !transitions[0].Online || transitions[1].Online {
		t.Fatalf("unexpected transition order: %+v", transitions)
	}
}

func TestPresenceUnknownUserIsOffline(t *testing.T) {
	tracker := NewPresenceTracker(clock.NewMock(), nil)

	if tracker.IsOnline(42) {
		t.Fatalf("unknown user reported online")
	}
	p := tracker.GetPresence(42)
	if p.Online || p.LastSeen != nil {
		t.Fatalf("unexpected presence for unknown user: %+v", p)
	}
}

func TestPresenceUnbalancedDisconnectIsIgnored(t *testing.T) {
	calls := 0
	tracker := NewPresenceTracker(clock.NewMock(), func(Presence) { calls++ })

	tracker.SetOnline(1, false)
	tracker.SetOnline(1, true)
	tracker.SetOnline(1, false)
	tracker.SetOnline(1, false)

	if calls != 2 {
		t.Fatalf("expected 2 transitions, got %d", calls)
	}
	if tracker.IsOnline(1) {
		t.Fatalf("expected offline")
	}
}

func TestPresenceConcurrentConnections(t *testing.T) {
	var mu sync.Mutex
	online := 0
	tracker := NewPresenceTracker(clock.New(), func(p Presence) {
		mu.Lock()
		defer mu.Unlock()
		if p.Online {
			online++
		} else {
			online--
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.SetOnline(3, true)
			tracker.SetOnline(3, false)
		}()
	}
	wg.Wait()

	if tracker.IsOnline(3) {
		t.Fatalf("expected offline after all connections closed")
	}
	mu.Lock()
	defer mu.Unlock()
	if online != 0 {
		t.Fatalf("transitions out of balance: %d", online)
	}
}
