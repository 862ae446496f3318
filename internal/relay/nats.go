package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/relaychat-server/internal/core"
	"github.com/vovakirdan/relaychat-server/internal/store"
	"github.com/vovakirdan/relaychat-server/internal/utils"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "relaychat.events"

// Publisher is the subset of *nats.Conn the relay publishes through.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Relay mirrors locally produced broadcasts to peer nodes over NATS and hands
// broadcasts from peers to a local deliver func. A node ignores its own envelopes.
type Relay struct {
	pub     Publisher
	nc      *nats.Conn
	subject string
	node    string
	log     *zerolog.Logger

	mu      sync.Mutex
	sub     *nats.Subscription
	deliver func(core.Broadcast)
}

// Connect dials NATS and returns a relay bound to subject. An empty node id
// gets a random one.
func Connect(url, subject, node string, logger *zerolog.Logger) (*Relay, error) {
	if node == "" {
		node = utils.NewID()
	}
	nc, err := nats.Connect(url,
		nats.Name("relaychat-"+node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil && logger != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if logger != nil {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	r := New(nc, subject, node, logger)
	r.nc = nc
	return r, nil
}

// New builds a relay over an existing publisher. Start is only available when
// the relay was created by Connect.
func New(pub Publisher, subject, node string, logger *zerolog.Logger) *Relay {
	if subject == "" {
		subject = DefaultSubject
	}
	if node == "" {
		node = utils.NewID()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Relay{pub: pub, subject: subject, node: node, log: logger}
}

// Node returns this node's id.
func (r *Relay) Node() string { return r.node }

// Publish sends b to the peers. Failures are logged and swallowed.
func (r *Relay) Publish(b core.Broadcast) {
	data, err := Encode(r.node, b)
	if err != nil {
		r.log.Warn().Err(err).Str("event", b.Event.Kind().String()).Msg("relay encode failed")
		return
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		r.log.Warn().Err(err).Str("subject", r.subject).Msg("relay publish failed")
	}
}

// Start subscribes to the relay subject and passes peer broadcasts to deliver.
func (r *Relay) Start(deliver func(core.Broadcast)) error {
	if r.nc == nil {
		return errors.New("relay: not connected")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = deliver
	sub, err := r.nc.Subscribe(r.subject, func(m *nats.Msg) {
		r.handle(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	r.log.Info().Str("subject", r.subject).Str("node", r.node).Msg("relay started")
	return nil
}

// Listen sets the deliver func without subscribing. Used when envelopes are
// fed through Handle by another transport.
func (r *Relay) Listen(deliver func(core.Broadcast)) {
	r.mu.Lock()
	r.deliver = deliver
	r.mu.Unlock()
}

// Handle decodes one envelope and delivers it unless it came from this node.
func (r *Relay) Handle(data []byte) {
	r.handle(data)
}

func (r *Relay) handle(data []byte) {
	b, node, err := Decode(data)
	if err != nil {
		r.log.Warn().Err(err).Msg("relay decode failed")
		return
	}
	if node == r.node {
		return
	}
	r.mu.Lock()
	deliver := r.deliver
	r.mu.Unlock()
	if deliver != nil {
		deliver(b)
	}
}

// Close unsubscribes and drains the connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.log.Warn().Err(err).Msg("relay unsubscribe failed")
		}
	}
	if r.nc != nil {
		return r.nc.Drain()
	}
	return nil
}

// Envelope is the wire form of a broadcast between nodes.
type Envelope struct {
	ID             string          `json:"id"`
	Node           string          `json:"node"`
	Kind           string          `json:"kind"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	UserIDs        []int64         `json:"user_ids,omitempty"`
	Exclude        int64           `json:"exclude,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

type typingPayload struct {
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
}

type presencePayload struct {
	UserID   int64      `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Encode wraps b into an envelope stamped with node.
func Encode(node string, b core.Broadcast) ([]byte, error) {
	if b.Event == nil {
		return nil, errors.New("relay: empty event")
	}
	var payload any
	switch ev := b.Event.(type) {
	case core.NewMessage:
		payload = ev.Message
	case core.MessageUpdated:
		payload = ev.Message
	case core.Typing:
		payload = typingPayload{ConversationID: ev.ConversationID, UserID: ev.UserID, Username: ev.Username}
	case core.PresenceChanged:
		payload = presencePayload{UserID: ev.UserID, Online: ev.Online, LastSeen: ev.LastSeen}
	default:
		return nil, fmt.Errorf("relay: unsupported event %T", b.Event)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{
		ID:             utils.NewID(),
		Node:           node,
		Kind:           b.Event.Kind().String(),
		ConversationID: b.ConversationID,
		UserIDs:        b.UserIDs,
		Exclude:        b.ExcludeUserID,
		Payload:        raw,
	})
}

// Decode parses an envelope and returns the broadcast with its origin node.
func Decode(data []byte) (core.Broadcast, string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.Broadcast{}, "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	b := core.Broadcast{
		ConversationID: env.ConversationID,
		UserIDs:        env.UserIDs,
		ExcludeUserID:  env.Exclude,
	}

	switch env.Kind {
	case core.EventNewMessage.String(), core.EventMessageUpdated.String():
		var msg store.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return core.Broadcast{}, "", fmt.Errorf("unmarshal message: %w", err)
		}
		if env.Kind == core.EventNewMessage.String() {
			b.Event = core.NewMessage{Message: msg}
		} else {
			b.Event = core.MessageUpdated{Message: msg}
		}
	case core.EventUserTyping.String(), core.EventUserStoppedTyping.String():
		var p typingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return core.Broadcast{}, "", fmt.Errorf("unmarshal typing: %w", err)
		}
		b.Event = core.Typing{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			Username:       p.Username,
			Active:         env.Kind == core.EventUserTyping.String(),
		}
	case core.EventPresenceChanged.String():
		var p presencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return core.Broadcast{}, "", fmt.Errorf("unmarshal presence: %w", err)
		}
		b.Event = core.PresenceChanged{UserID: p.UserID, Online: p.Online, LastSeen: p.LastSeen}
	default:
		return core.Broadcast{}, "", fmt.Errorf("relay: unknown kind %q", env.Kind)
	}
	return b, env.Node, nil
}
