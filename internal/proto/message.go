package proto

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	ProtocolVersion = 1

	InboundTypeSubscribe   = "subscribe"
	InboundTypeSend        = "send"
	InboundTypeTypingStart = "typing_start"
	InboundTypeTypingStop  = "typing_stop"
	InboundTypeMarkRead    = "mark_read"
	InboundTypeEdit        = "edit"
	InboundTypeDelete      = "delete"
	InboundTypePing        = "ping"

	OutboundTypeReady = "ready"
	OutboundTypeAck   = "ack"
	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
	OutboundTypePong  = "pong"
)

// SubscribeData asks to receive events of the listed conversations.
type SubscribeData struct {
	ConversationIDs []int64 `json:"conversation_ids"`
}

// AttachmentData references an uploaded file.
type AttachmentData struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// SendData is a chat message from the client.
type SendData struct {
	ConversationID int64           `json:"conversation_id"`
	Content        string          `json:"content"`
	Type           string          `json:"type,omitempty"`
	ReplyToID      *int64          `json:"reply_to_id,omitempty"`
	Attachment     *AttachmentData `json:"attachment,omitempty"`
	Priority       string          `json:"priority,omitempty"`
}

// TypingData carries the conversation a typing indicator refers to.
type TypingData struct {
	ConversationID int64 `json:"conversation_id"`
}

// MarkReadData marks either one message or a whole conversation read.
type MarkReadData struct {
	MessageID      int64 `json:"message_id,omitempty"`
	ConversationID int64 `json:"conversation_id,omitempty"`
}

// EditData replaces the content of a message.
type EditData struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteData removes a message.
type DeleteData struct {
	MessageID int64 `json:"message_id"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// ReadyData is sent once the connection is authenticated.
type ReadyData struct {
	Protocol     int    `json:"protocol"`
	ConnectionID string `json:"connection_id"`
	UserID       int64  `json:"user_id"`
	Username     string `json:"username"`
}

// AckData is the result of a successful inbound command.
type AckData struct {
	Subscribed []int64  `json:"subscribed,omitempty"`
	Message    *Message `json:"message,omitempty"`
	Marked     int64    `json:"marked,omitempty"`
}

// Message is the wire form of a persisted message.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	SenderID       int64           `json:"sender_id"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Attachment     *AttachmentData `json:"attachment,omitempty"`
	ReplyToID      *int64          `json:"reply_to_id,omitempty"`
	IsEdited       bool            `json:"is_edited"`
	IsDeleted      bool            `json:"is_deleted"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventTyping notifies that a user started or stopped typing.
type EventTyping struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
}

// EventPresence notifies a change of a peer's online state.
type EventPresence struct {
	UserID   int64      `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
