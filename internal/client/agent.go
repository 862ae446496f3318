package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Reconnect defaults.
const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMaxAttempts     = 5
)

var (
	// ErrGaveUp is returned by Run once every reconnect attempt failed.
	ErrGaveUp = errors.New("client: reconnect attempts exhausted")
	// ErrUnauthorized is returned when the server rejects the credentials.
	// Retrying cannot help, so the agent stops.
	ErrUnauthorized = errors.New("client: unauthorized")
	// ErrNotConnected is returned when a command is sent without a live session.
	ErrNotConnected = errors.New("client: not connected")
)

// State is the connection state of an Agent.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures an Agent. Dial is required.
type Options struct {
	Dial func(ctx context.Context) (*Session, error)
	// OnFrame receives every frame read from a live session.
	OnFrame func(Frame)
	// OnState is told about each state transition.
	OnState func(State)

	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Jitter is the backoff randomization factor; zero keeps delays exact.
	Jitter      float64
	MaxAttempts int

	// Sleep waits between attempts; tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zerolog.Logger
}

// Agent keeps a session alive. When the connection drops it redials with
// exponential backoff and re-subscribes to the last conversation set. The
// attempt counter resets every time a session comes up.
type Agent struct {
	opts  Options
	state atomic.Int32

	mu      sync.Mutex
	session *Session
	subs    []int64
}

// NewAgent builds an agent, filling unset options with defaults.
func NewAgent(opts Options) *Agent {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Agent{opts: opts}
}

// State returns the current connection state.
func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) {
	if State(a.state.Swap(int32(s))) == s {
		return
	}
	if a.opts.OnState != nil {
		a.opts.OnState(s)
	}
}

func (a *Agent) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = a.opts.Jitter
	b.MaxInterval = a.opts.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and keeps reconnecting until ctx is cancelled, the credentials
// are rejected, or MaxAttempts consecutive dials fail.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(StateDisconnected)

	b := a.newBackOff()
	failures := 0
	for {
		a.setState(StateConnecting)
		sess, err := a.opts.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			failures++
			if failures >= a.opts.MaxAttempts {
				a.opts.Logger.Warn().Err(err).Int("attempts", failures).Msg("giving up on reconnect")
				return fmt.Errorf("%w: %w", ErrGaveUp, err)
			}
			wait := b.NextBackOff()
			a.opts.Logger.Info().Err(err).Int("attempt", failures).Dur("retry_in", wait).Msg("dial failed")
			a.setState(StateDisconnected)
			if err := a.opts.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		failures = 0
		b.Reset()
		err = a.serve(ctx, sess)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.opts.Logger.Info().Err(err).Msg("connection lost, reconnecting")
	}
}

func (a *Agent) serve(ctx context.Context, sess *Session) error {
	a.mu.Lock()
	a.session = sess
	subs := slices.Clone(a.subs)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
		_ = sess.Close()
		a.setState(StateDisconnected)
	}()

	a.setState(StateConnected)
	if len(subs) > 0 {
		if _, err := sess.Subscribe(ctx, subs); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	for {
		f, err := sess.Read(ctx)
		if err != nil {
			return err
		}
		if a.opts.OnFrame != nil {
			a.opts.OnFrame(f)
		}
	}
}

// Subscribe remembers conversationIDs for later reconnects and subscribes the
// live session, if any.
func (a *Agent) Subscribe(ctx context.Context, conversationIDs []int64) error {
	a.mu.Lock()
	for _, id := range conversationIDs {
		if !slices.Contains(a.subs, id) {
			a.subs = append(a.subs, id)
		}
	}
	sess := a.session
	a.mu.Unlock()

	if sess == nil {
		return nil
	}
	_, err := sess.Subscribe(ctx, conversationIDs)
	return err
}

// Send writes a command through the live session.
func (a *Agent) Send(ctx context.Context, typ string, data any) (string, error) {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return "", ErrNotConnected
	}
	return sess.Send(ctx, typ, data)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
