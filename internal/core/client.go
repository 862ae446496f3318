package core

import (
	"sort"
	"sync"
)

// Conn is one live transport connection of a user as seen by the core layer.
// A user may hold several at once (tabs, devices).
type Conn struct {
	ID       string
	UserID   int64
	Username string

	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	subs   map[int64]struct{}
	closed bool
}

// NewConn constructs a connection with a bounded event buffer.
func NewConn(id string, userID int64, username string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		ID:       id,
		UserID:   userID,
		Username: username,
		events:   make(chan Event, buffer),
		done:     make(chan struct{}),
		subs:     make(map[int64]struct{}),
	}
}

// Events streams events addressed to this connection.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed once the connection has been disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Disconnect has run for this connection.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscriptions returns the conversation IDs this connection listens to, sorted.
func (c *Conn) Subscriptions() []int64 {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Conn) subscribed(conversationID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

// deliver pushes ev without blocking. It returns false when the buffer is
// full or the connection is gone; slow consumers lose the event.
func (c *Conn) deliver(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}
