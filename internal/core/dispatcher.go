package core

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/metrics"
	"github.com/vovakirdan/relaychat-server/internal/store"
)

// Default dispatch tuning.
const (
	DefaultWindow         = 100 * time.Millisecond
	DefaultMaxBatch       = 512
	DefaultStorageTimeout = 5 * time.Second
)

// Relay forwards locally produced broadcasts to peer nodes.
type Relay interface {
	Publish(b Broadcast)
}

// Notifier is told about every persisted message so recipients without a
// live connection can be reached out of band. It must not block.
type Notifier interface {
	MessageCreated(msg store.Message)
}

// DispatcherConfig tunes batching.
type DispatcherConfig struct {
	Window         time.Duration
	MaxBatch       int
	StorageTimeout time.Duration
}

// Dispatcher persists messages and fans them out through a micro-batch window.
//
// Per-conversation order equals persistence order: a conversation's sequencing
// lock spans persist and enqueue, the queue is FIFO, and every delivery
// (ticker flush or priority flush) happens under deliverMu after taking the
// queue under mu.
type Dispatcher struct {
	store    store.Store
	registry *Registry
	clock    clock.Clock
	log      *zerolog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	relay    Relay
	notifier Notifier
	cfg      DispatcherConfig

	seq *xsync.MapOf[int64, *sync.Mutex]

	mu        sync.Mutex
	pending   []Broadcast
	stopped   bool
	deliverMu sync.Mutex
	flushNow  chan struct{}
}

// NewDispatcher wires a dispatcher. relay and notifier may be nil.
func NewDispatcher(st store.Store, registry *Registry, clk clock.Clock, cfg DispatcherConfig, logger *zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Dispatcher{
		store:    st,
		registry: registry,
		clock:    clk,
		log:      logger,
		metrics:  m,
		validate: newValidator(),
		cfg:      cfg,
		seq:      xsync.NewMapOf[int64, *sync.Mutex](),
		flushNow: make(chan struct{}, 1),
	}
}

// SetRelay attaches a cross-node relay.
func (d *Dispatcher) SetRelay(r Relay) { d.relay = r }

// SetNotifier attaches an offline notifier.
func (d *Dispatcher) SetNotifier(n Notifier) { d.notifier = n }

// Run drives the flush ticker until ctx is done, then flushes what is left.
// From then on every enqueued broadcast is delivered inline.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.Ticker(d.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			if len(d.pending) == 0 {
				d.mu.Unlock()
				return
			}
			d.flushLocked()
			return
		case <-ticker.C:
			d.flush()
		case <-d.flushNow:
			d.flush()
		}
	}
}

func (d *Dispatcher) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.cfg.StorageTimeout)
}

func (d *Dispatcher) sequencer(conversationID int64) *sync.Mutex {
	mu, _ := d.seq.LoadOrCompute(conversationID, func() *sync.Mutex { return &sync.Mutex{} })
	return mu
}

// Send validates, authorizes and persists a message, then queues it for fan-out.
// Nothing is dispatched when persistence fails.
func (d *Dispatcher) Send(ctx context.Context, senderID int64, req SendRequest) (*store.Message, error) {
	req.normalize()
	if err := d.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	ctx, cancel := d.storageContext(ctx)
	defer cancel()

	member, err := d.store.IsMember(ctx, senderID, req.ConversationID)
	if err != nil {
		return nil, storageError("check membership", err)
	}
	if !member {
		return nil, ErrPermissionDenied
	}

	if req.ReplyToID != nil {
		parent, err := d.store.GetMessage(ctx, *req.ReplyToID)
		if err != nil {
			return nil, storageError("reply target", err)
		}
		if parent.ConversationID != req.ConversationID {
			return nil, validationFailed("reply target belongs to another conversation")
		}
	}

	msg := &store.Message{
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
		Type:           req.Type,
		ReplyToID:      req.ReplyToID,
	}
	if req.Attachment != nil {
		msg.FileURL = req.Attachment.URL
		msg.FileName = req.Attachment.Name
		msg.FileSize = req.Attachment.Size
	}

	seq := d.sequencer(req.ConversationID)
	seq.Lock()
	msg.CreatedAt = d.clock.Now().UTC()
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		seq.Unlock()
		d.log.Warn().Err(err).Int64("conversation_id", req.ConversationID).Int64("user_id", senderID).Msg("persist message failed")
		return nil, storageError("persist message", err)
	}
	d.enqueue(Broadcast{ConversationID: msg.ConversationID, Event: NewMessage{Message: *msg}}, req.Priority == PriorityHigh)
	seq.Unlock()

	d.metrics.MessagePersisted(string(msg.Type))
	if d.notifier != nil {
		d.notifier.MessageCreated(*msg)
	}
	return msg, nil
}

// Edit replaces the content of a message owned by userID and re-fans it out.
func (d *Dispatcher) Edit(ctx context.Context, userID, messageID int64, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, validationFailed("content required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, validationFailed("content too long")
	}

	return d.mutate(ctx, userID, messageID, func(ctx context.Context) (*store.Message, error) {
		return d.store.UpdateMessageContent(ctx, messageID, content, d.clock.Now())
	})
}

// Delete soft-deletes a message owned by userID and re-fans it out.
func (d *Dispatcher) Delete(ctx context.Context, userID, messageID int64) (*store.Message, error) {
	return d.mutate(ctx, userID, messageID, func(ctx context.Context) (*store.Message, error) {
		return d.store.SoftDeleteMessage(ctx, messageID, d.clock.Now())
	})
}

func (d *Dispatcher) mutate(ctx context.Context, userID, messageID int64, apply func(context.Context) (*store.Message, error)) (*store.Message, error) {
	ctx, cancel := d.storageContext(ctx)
	defer cancel()

	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storageError("load message", err)
	}
	if msg.IsDeleted {
		return nil, ErrNotFound
	}
	if msg.SenderID != userID {
		return nil, ErrPermissionDenied
	}
	member, err := d.store.IsMember(ctx, userID, msg.ConversationID)
	if err != nil {
		return nil, storageError("check membership", err)
	}
	if !member {
		return nil, ErrPermissionDenied
	}

	seq := d.sequencer(msg.ConversationID)
	seq.Lock()
	defer seq.Unlock()

	updated, err := apply(ctx)
	if err != nil {
		return nil, storageError("update message", err)
	}
	d.enqueue(Broadcast{ConversationID: updated.ConversationID, Event: MessageUpdated{Message: *updated}}, false)
	return updated, nil
}

// Typing rebroadcasts a typing indicator immediately to the other subscribers.
// The connection must be subscribed to the conversation.
func (d *Dispatcher) Typing(conn *Conn, conversationID int64, active bool) error {
	if !conn.subscribed(conversationID) {
		return ErrPermissionDenied
	}
	d.Broadcast(Broadcast{
		ConversationID: conversationID,
		ExcludeUserID:  conn.UserID,
		Event: Typing{
			ConversationID: conversationID,
			UserID:         conn.UserID,
			Username:       conn.Username,
			Active:         active,
		},
	})
	return nil
}

// Broadcast fans b out right away, bypassing the batch window, and relays it.
func (d *Dispatcher) Broadcast(b Broadcast) {
	d.deliverOne(b)
	if d.relay != nil {
		d.relay.Publish(b)
	}
}

// DeliverRemote fans out a broadcast received from a peer node without relaying it again.
func (d *Dispatcher) DeliverRemote(b Broadcast) {
	d.deliverOne(b)
}

func (d *Dispatcher) enqueue(b Broadcast, immediate bool) {
	d.mu.Lock()
	d.pending = append(d.pending, b)
	if immediate || d.stopped {
		d.flushLocked()
		return
	}
	full := len(d.pending) >= d.cfg.MaxBatch
	d.mu.Unlock()

	if full {
		select {
		case d.flushNow <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	d.flushLocked()
}

// flushLocked takes the queue and delivers it. It must be called with mu held
// and releases it once deliverMu is acquired.
func (d *Dispatcher) flushLocked() {
	batch := d.pending
	d.pending = make([]Broadcast, 0, len(batch))

	d.deliverMu.Lock()
	d.mu.Unlock()
	defer d.deliverMu.Unlock()

	start := d.clock.Now()
	for _, b := range batch {
		d.deliverOne(b)
		if d.relay != nil {
			d.relay.Publish(b)
		}
	}
	d.metrics.BatchFlushed(len(batch), d.clock.Since(start))
	d.log.Debug().Int("batch_size", len(batch)).Msg("dispatch batch flushed")
}

func (d *Dispatcher) deliverOne(b Broadcast) {
	var targets []*Conn
	if b.ConversationID != 0 {
		targets = d.registry.MembersOf(b.ConversationID)
	} else {
		for _, uid := range b.UserIDs {
			targets = append(targets, d.registry.ConnectionsOf(uid)...)
		}
	}

	for _, c := range targets {
		if b.ExcludeUserID != 0 && c.UserID == b.ExcludeUserID {
			continue
		}
		if c.deliver(b.Event) {
			continue
		}
		select {
		case <-c.Done():
		default:
			d.metrics.EventDropped()
			d.log.Warn().
				Str("conn_id", c.ID).
				Int64("user_id", c.UserID).
				Str("event", b.Event.Kind().String()).
				Msg("slow consumer, event dropped")
		}
	}
}
