package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

const (
	// DefaultTopic receives notification intents when none is configured.
	DefaultTopic = "relaychat.notifications"
	// DefaultQueueSize bounds the number of messages awaiting fan-out.
	DefaultQueueSize = 1024

	previewRunes = 100
	writeTimeout = 5 * time.Second
)

// Writer is the subset of *kafka.Writer the worker needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OnlineChecker reports whether a user has a live connection on this node.
type OnlineChecker interface {
	IsOnline(userID int64) bool
}

// Intent asks the push collaborator to notify one recipient about a message.
type Intent struct {
	RecipientID    int64     `json:"recipient_id"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	SenderID       int64     `json:"sender_id"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewKafkaWriter builds a writer that keys partitions by recipient.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// Worker turns persisted messages into notification intents for members who
// are not connected. MessageCreated never blocks; a full queue drops the message.
type Worker struct {
	members ConversationMembers
	online  OnlineChecker
	writer  Writer
	log     *zerolog.Logger
	queue   chan store.Message
}

// ConversationMembers resolves who belongs to a conversation.
type ConversationMembers interface {
	ListMembers(ctx context.Context, conversationID int64) ([]int64, error)
}

// NewWorker creates a worker with a bounded queue.
func NewWorker(members ConversationMembers, online OnlineChecker, writer Writer, queueSize int, logger *zerolog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Worker{
		members: members,
		online:  online,
		writer:  writer,
		log:     logger,
		queue:   make(chan store.Message, queueSize),
	}
}

// MessageCreated queues msg for notification.
func (w *Worker) MessageCreated(msg store.Message) {
	select {
	case w.queue <- msg:
	default:
		w.log.Warn().
			Int64("message_id", msg.ID).
			Int64("conversation_id", msg.ConversationID).
			Msg("notification queue full, intent dropped")
	}
}

// Run processes queued messages until ctx is done. Messages still queued at
// that point are discarded.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			if err := w.process(ctx, msg); err != nil {
				w.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("notification failed")
			}
		}
	}
}

// Close releases the underlying writer.
func (w *Worker) Close() error {
	return w.writer.Close()
}

func (w *Worker) process(ctx context.Context, msg store.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	members, err := w.members.ListMembers(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	preview := Preview(msg)
	var out []kafka.Message
	for _, uid := range members {
		if uid == msg.SenderID || w.online.IsOnline(uid) {
			continue
		}
		value, err := json.Marshal(Intent{
			RecipientID:    uid,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			Preview:        preview,
			CreatedAt:      msg.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal intent: %w", err)
		}
		out = append(out, kafka.Message{
			Key:   []byte(strconv.FormatInt(uid, 10)),
			Value: value,
		})
	}
	if len(out) == 0 {
		return nil
	}
	if err := w.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("write intents: %w", err)
	}
	w.log.Debug().Int64("message_id", msg.ID).Int("recipients", len(out)).Msg("notification intents written")
	return nil
}

// Preview shortens message content for a notification body. Attachments
// without a caption are described by their type.
func Preview(msg store.Message) string {
	content := msg.Content
	if content == "" && msg.Type != store.MessageText {
		return "[" + string(msg.Type) + "]"
	}
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}
