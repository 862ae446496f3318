package core

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

// Presence is a user's online state as seen by this node.
type Presence struct {
	UserID      int64
	Online      bool
	LastSeen    *time.Time
	Connections int
}

type presenceEntry struct {
	mu       sync.Mutex
	conns    int
	lastSeen time.Time
}

func (e *presenceEntry) snapshot(userID int64) Presence {
	p := Presence{UserID: userID, Online: e.conns > 0, Connections: e.conns}
	if !e.lastSeen.IsZero() {
		ts := e.lastSeen
		p.LastSeen = &ts
	}
	return p
}

// PresenceTracker counts live connections per user. A user is online while
// the count is positive. onChange runs for every online/offline transition
// while the user's entry is locked, so side effects for one user never
// interleave.
type PresenceTracker struct {
	clock    clock.Clock
	entries  *xsync.MapOf[int64, *presenceEntry]
	onChange func(Presence)
}

// NewPresenceTracker builds a tracker. onChange may be nil.
func NewPresenceTracker(clk clock.Clock, onChange func(Presence)) *PresenceTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &PresenceTracker{
		clock:    clk,
		entries:  xsync.NewMapOf[int64, *presenceEntry](),
		onChange: onChange,
	}
}

// SetOnline records one connection coming up (online=true) or going away
// (online=false). Going online refreshes lastSeen; going offline stamps it.
func (t *PresenceTracker) SetOnline(userID int64, online bool) Presence {
	entry, _ := t.entries.LoadOrCompute(userID, func() *presenceEntry {
		return &presenceEntry{}
	})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	wasOnline := entry.conns > 0
	switch {
	case online:
		entry.conns++
	case entry.conns > 0:
		entry.conns--
	default:
		// Unbalanced disconnect; nothing to release.
		return entry.snapshot(userID)
	}

	p := entry.snapshot(userID)
	if p.Online != wasOnline {
		entry.lastSeen = t.clock.Now().UTC()
		p = entry.snapshot(userID)
		if t.onChange != nil {
			t.onChange(p)
		}
	}
	return p
}

// GetPresence returns the current presence of a user. Unknown users are offline.
func (t *PresenceTracker) GetPresence(userID int64) Presence {
	entry, ok := t.entries.Load(userID)
	if !ok {
		return Presence{UserID: userID}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshot(userID)
}

// IsOnline reports whether the user has at least one live connection.
func (t *PresenceTracker) IsOnline(userID int64) bool {
	return t.GetPresence(userID).Online
}
