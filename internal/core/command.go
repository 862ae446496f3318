package core

import "github.com/vovakirdan/relaychat-server/internal/store"

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandSubscribe attaches the connection to conversations.
	CommandSubscribe CommandKind = iota
	// CommandSend persists and fans out a message.
	CommandSend
	// CommandTypingStart announces that the user is typing.
	CommandTypingStart
	// CommandTypingStop announces that the user stopped typing.
	CommandTypingStop
	// CommandMarkRead marks a single message read.
	CommandMarkRead
	// CommandMarkConversationRead marks a whole conversation read.
	CommandMarkConversationRead
	// CommandEdit replaces the content of an own message.
	CommandEdit
	// CommandDelete soft-deletes an own message.
	CommandDelete
)

// Command represents an action requested by a connection.
type Command struct {
	Kind            CommandKind
	ConversationIDs []int64
	ConversationID  int64
	MessageID       int64
	Content         string
	Send            SendRequest
}

// Result is the synchronous outcome of a command.
type Result struct {
	Subscribed []int64        `json:"subscribed,omitempty"`
	Message    *store.Message `json:"message,omitempty"`
	Marked     int64          `json:"marked,omitempty"`
}
