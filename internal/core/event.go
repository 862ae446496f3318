package core

import (
	"time"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventNewMessage notifies subscribers about a freshly persisted message.
	EventNewMessage EventKind = iota
	// EventMessageUpdated notifies subscribers about an edit or soft delete.
	EventMessageUpdated
	// EventUserTyping notifies subscribers that a member started typing.
	EventUserTyping
	// EventUserStoppedTyping notifies subscribers that a member stopped typing.
	EventUserStoppedTyping
	// EventPresenceChanged notifies peers that a user went online or offline.
	EventPresenceChanged
)

var eventKindNames = [...]string{
	EventNewMessage:        "new_message",
	EventMessageUpdated:    "message_updated",
	EventUserTyping:        "user_typing",
	EventUserStoppedTyping: "user_stopped_typing",
	EventPresenceChanged:   "presence_changed",
}

func (k EventKind) String() string {
	if int(k) < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Event is the closed set of payloads pushed to connections.
type Event interface {
	Kind() EventKind
	isEvent()
}

// NewMessage carries a message that was just persisted.
type NewMessage struct {
	Message store.Message
}

// MessageUpdated carries the new state of an edited or deleted message.
type MessageUpdated struct {
	Message store.Message
}

// Typing is a fire-and-forget typing indicator.
type Typing struct {
	ConversationID int64
	UserID         int64
	Username       string
	Active         bool
}

// PresenceChanged reports a user's online transition.
type PresenceChanged struct {
	UserID   int64
	Online   bool
	LastSeen *time.Time
}

func (NewMessage) Kind() EventKind      { return EventNewMessage }
func (MessageUpdated) Kind() EventKind  { return EventMessageUpdated }
func (PresenceChanged) Kind() EventKind { return EventPresenceChanged }

func (t Typing) Kind() EventKind {
	if t.Active {
		return EventUserTyping
	}
	return EventUserStoppedTyping
}

func (NewMessage) isEvent()      {}
func (MessageUpdated) isEvent()  {}
func (Typing) isEvent()          {}
func (PresenceChanged) isEvent() {}

// Broadcast addresses an event either to a conversation's subscribers or to
// every live connection of a set of users.
type Broadcast struct {
	ConversationID int64
	UserIDs        []int64
	ExcludeUserID  int64
	Event          Event
}
