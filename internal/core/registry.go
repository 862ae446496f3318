package core

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// connSet is replaced, never mutated, once published in a map.
type connSet map[string]*Conn

// Registry tracks live connections per user and per conversation. It is the
// single source of truth for fan-out targets. Both indexes are sharded maps,
// so registry traffic for different users or conversations does not contend.
type Registry struct {
	convs *xsync.MapOf[int64, connSet]
	users *xsync.MapOf[int64, connSet]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		convs: xsync.NewMapOf[int64, connSet](),
		users: xsync.NewMapOf[int64, connSet](),
	}
}

// Register adds a live connection and returns the user's connection count.
func (r *Registry) Register(c *Conn) int {
	return addConn(r.users, c.UserID, c)
}

// Subscribe attaches c to conversationIDs. Callers must have verified
// membership already. Repeated subscriptions are no-ops.
func (r *Registry) Subscribe(c *Conn, conversationIDs []int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	for _, id := range conversationIDs {
		if _, ok := c.subs[id]; ok {
			continue
		}
		c.subs[id] = struct{}{}
		addConn(r.convs, id, c)
	}
	return nil
}

// Unsubscribe marks c closed and drops every subscription it holds.
// It returns the number of connections the user still has and whether this
// call performed the removal (false if c was already gone).
func (r *Registry) Unsubscribe(c *Conn) (remaining int, removed bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return len(r.ConnectionsOf(c.UserID)), false
	}
	c.closed = true
	close(c.done)
	subs := c.subs
	c.subs = make(map[int64]struct{})
	c.mu.Unlock()

	for id := range subs {
		removeConn(r.convs, id, c)
	}
	return removeConn(r.users, c.UserID, c), true
}

// MembersOf returns a snapshot of the connections subscribed to a conversation.
func (r *Registry) MembersOf(conversationID int64) []*Conn {
	set, _ := r.convs.Load(conversationID)
	return set.slice()
}

// ConnectionsOf returns a snapshot of the live connections of a user.
func (r *Registry) ConnectionsOf(userID int64) []*Conn {
	set, _ := r.users.Load(userID)
	return set.slice()
}

// Online reports whether the user holds at least one live connection on this node.
func (r *Registry) Online(userID int64) bool {
	set, ok := r.users.Load(userID)
	return ok && len(set) > 0
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Conn {
	var out []*Conn
	r.users.Range(func(_ int64, set connSet) bool {
		for _, c := range set {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Size returns the number of live connections.
func (r *Registry) Size() int {
	n := 0
	r.users.Range(func(_ int64, set connSet) bool {
		n += len(set)
		return true
	})
	return n
}

func (s connSet) slice() []*Conn {
	if len(s) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	return out
}

func addConn(m *xsync.MapOf[int64, connSet], key int64, c *Conn) int {
	var size int
	m.Compute(key, func(old connSet, _ bool) (connSet, bool) {
		if _, ok := old[c.ID]; ok {
			size = len(old)
			return old, false
		}
		next := make(connSet, len(old)+1)
		for id, existing := range old {
			next[id] = existing
		}
		next[c.ID] = c
		size = len(next)
		return next, false
	})
	return size
}

func removeConn(m *xsync.MapOf[int64, connSet], key int64, c *Conn) int {
	var size int
	m.Compute(key, func(old connSet, loaded bool) (connSet, bool) {
		if !loaded {
			return old, true
		}
		if _, ok := old[c.ID]; !ok {
			size = len(old)
			return old, size == 0
		}
		next := make(connSet, len(old))
		for id, existing := range old {
			if id != c.ID {
				next[id] = existing
			}
		}
		size = len(next)
		return next, size == 0
	})
	return size
}
