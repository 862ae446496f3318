package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// User represents a registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsOnline     bool
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// ConversationKind distinguishes 1:1 chats from group chats.
type ConversationKind string

const (
	// ConversationDirect is a 1:1 conversation between two users.
	ConversationDirect ConversationKind = "direct"
	// ConversationGroup is a conversation with any number of members.
	ConversationGroup ConversationKind = "group"
)

// Conversation represents a chat channel.
type Conversation struct {
	ID        int64
	Kind      ConversationKind
	Title     string
	CreatedBy *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership is the authorization record linking a user to a conversation.
type Membership struct {
	ConversationID int64
	UserID         int64
	IsAdmin        bool
	JoinedAt       time.Time
}

// MessageType enumerates recognised message payload kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
)

// Message represents a persisted chat message.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileURL        string      `json:"file_url,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	FileSize       int64       `json:"file_size,omitempty"`
	ReplyToID      *int64      `json:"reply_to_id,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Presence is the persisted online state of a user.
type Presence struct {
	UserID   int64
	Online   bool
	LastSeen *time.Time
}

// Participant identifies a member of a conversation.
type Participant struct {
	ConversationID int64
	UserID         int64
	Username       string
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with the given password hash.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)
	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// ExistingUserIDs filters ids down to users that exist.
	ExistingUserIDs(ctx context.Context, ids []int64) ([]int64, error)
}

// ConversationStore handles conversations and memberships.
type ConversationStore interface {
	// CreateConversation creates a conversation with the given members.
	// The creator, when set, is added as an admin.
	CreateConversation(ctx context.Context, kind ConversationKind, title string, createdBy *int64, memberIDs []int64) (*Conversation, error)
	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	// AddMember adds a user to a conversation. Adding an existing member is a no-op.
	AddMember(ctx context.Context, conversationID, userID int64, isAdmin bool) error
	// IsMember checks whether a membership row exists.
	IsMember(ctx context.Context, userID, conversationID int64) (bool, error)
	// MemberConversationIDs filters conversationIDs down to those the user belongs to.
	MemberConversationIDs(ctx context.Context, userID int64, conversationIDs []int64) ([]int64, error)
	// ListMembers returns the user IDs of all members of a conversation.
	ListMembers(ctx context.Context, conversationID int64) ([]int64, error)
	// ListUserConversations returns the user's conversations ordered by updated_at descending.
	ListUserConversations(ctx context.Context, userID int64) ([]*Conversation, error)
	// ListDirectPeers returns the other participant of each direct conversation in conversationIDs.
	ListDirectPeers(ctx context.Context, userID int64, conversationIDs []int64) ([]Participant, error)
	// ListConversationPeers returns every distinct user sharing at least one conversation with userID.
	ListConversationPeers(ctx context.Context, userID int64) ([]int64, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// CreateMessage persists msg, fills its ID and timestamps, and bumps the conversation's updated_at.
	CreateMessage(ctx context.Context, msg *Message) error
	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// UpdateMessageContent replaces the content and marks the message edited.
	UpdateMessageContent(ctx context.Context, id int64, content string, at time.Time) (*Message, error)
	// SoftDeleteMessage marks the message deleted and clears its content.
	SoftDeleteMessage(ctx context.Context, id int64, at time.Time) (*Message, error)
	// ListMessages returns up to limit messages older than beforeID (0 = latest), oldest first.
	ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*Message, error)
	// LatestMessages returns the most recent non-deleted message per conversation in one query.
	LatestMessages(ctx context.Context, conversationIDs []int64) (map[int64]*Message, error)
	// CountUnread counts unread messages per conversation for userID in one query.
	CountUnread(ctx context.Context, userID int64, conversationIDs []int64) (map[int64]int, error)
}

// ReadMarkStore handles read receipts.
type ReadMarkStore interface {
	// MarkRead records that userID has seen messageID. It reports whether a new mark was written.
	MarkRead(ctx context.Context, userID, messageID int64, at time.Time) (bool, error)
	// MarkConversationRead marks every unread message in a conversation as read in one statement.
	MarkConversationRead(ctx context.Context, userID, conversationID int64) (int64, error)
}

// PresenceStore persists presence rows.
type PresenceStore interface {
	// UpsertPresence writes the current online flag and last-seen timestamp.
	UpsertPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error
	// GetPresence returns presence for the given users. Unknown users are omitted.
	GetPresence(ctx context.Context, userIDs []int64) (map[int64]Presence, error)
	// ResetPresence marks every persisted row offline and returns how many changed.
	ResetPresence(ctx context.Context) (int64, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	ReadMarkStore
	PresenceStore
	Close() error
}
