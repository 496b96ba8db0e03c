package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/framebridge/internal/logging"
)

// DefaultCallTimeout bounds a Call when the caller passes no timeout.
const DefaultCallTimeout = 5 * time.Second

// HandlerFunc answers an inbound envelope. For a tokenized request a nil
// error makes the bridge reply with the returned value; an error means no
// reply, which the caller observes as ErrNoAnswer.
type HandlerFunc func(ctx context.Context, details json.RawMessage) (any, error)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger for delivery failures and timeouts.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logging.OrDiscard(l)
	}
}

// WithCallTimeout sets the timeout used by Call when none is given.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithName labels log lines, usually with the surface key.
func WithName(name string) Option {
	return func(b *Bridge) {
		b.name = name
	}
}

// WithHandler registers h for typ before the bridge starts receiving, so
// envelopes already queued on the port reach it.
func WithHandler(typ string, h HandlerFunc) Option {
	return func(b *Bridge) {
		b.handlers[typ] = h
	}
}

type result struct {
	details json.RawMessage
	err     error
}

type pendingCall struct {
	typ   string
	done  chan result
	timer *time.Timer
}

// Bridge is the envelope and correlation layer over one Port.
type Bridge struct {
	port    Port
	logger  *slog.Logger
	timeout time.Duration
	name    string

	// prefix marks tokens minted by this bridge so that inbound envelopes
	// carrying one are always treated as replies, never as requests.
	prefix string

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string]HandlerFunc
	closed   bool

	inbox      *queue
	cancelRecv func()
	ctx        context.Context
	cancel     context.CancelFunc
}

// New attaches a Bridge to port and starts delivering inbound envelopes.
func New(port Port, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		port:     port,
		logger:   logging.Discard(),
		timeout:  DefaultCallTimeout,
		prefix:   uuid.NewString() + ".",
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string]HandlerFunc),
		inbox:    newQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.work()
	b.cancelRecv = port.OnMessage(b.receive)
	return b
}

// Handle registers the handler for inbound envelopes of type typ,
// replacing any previous one.
func (b *Bridge) Handle(typ string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if h == nil {
		delete(b.handlers, typ)
		return
	}
	b.handlers[typ] = h
}

// Notify sends a fire-and-forget envelope. Delivery is best effort and
// failures are only logged.
func (b *Bridge) Notify(typ string, details any) {
	payload, err := encodeDetails(details)
	if err != nil {
		b.logger.Debug("bridge notify encode failed", "bridge", b.name, "type", typ, "error", err)
		return
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	if err := b.port.Post(Envelope{Type: typ, Details: payload}); err != nil {
		b.logger.Debug("bridge notify dropped", "bridge", b.name, "type", typ, "error", err)
	}
}

// Call sends a tokenized request and waits for the matching reply.
// It returns ErrNoAnswer when no reply arrives within timeout (or the
// bridge default when timeout <= 0), ctx.Err() when ctx ends first and
// ErrClosed when the bridge closes. Exactly one outcome resolves a call;
// a reply arriving after that is discarded.
func (b *Bridge) Call(ctx context.Context, typ string, details any, timeout time.Duration) (json.RawMessage, error) {
	payload, err := encodeDetails(details)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", typ, err)
	}
	if timeout <= 0 {
		timeout = b.timeout
	}

	token := b.prefix + uuid.NewString()
	call := &pendingCall{typ: typ, done: make(chan result, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[token] = call
	call.timer = time.AfterFunc(timeout, func() {
		if b.resolve(token, result{err: ErrNoAnswer}) {
			b.logger.Debug("bridge call timed out", "bridge", b.name, "type", typ, "timeout", timeout)
		}
	})
	b.mu.Unlock()

	if err := b.port.Post(Envelope{Type: typ, Details: payload, Token: token}); err != nil {
		b.logger.Debug("bridge call not delivered", "bridge", b.name, "type", typ, "error", err)
		b.resolve(token, result{err: fmt.Errorf("%w: %v", ErrNoAnswer, err)})
	}

	select {
	case r := <-call.done:
		return r.details, r.err
	case <-ctx.Done():
		b.resolve(token, result{err: ctx.Err()})
		r := <-call.done
		return r.details, r.err
	}
}

// Pending returns the number of unresolved calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close resolves pending calls with ErrClosed, drops handlers and closes
// the port. It is idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.handlers = make(map[string]HandlerFunc)
	b.mu.Unlock()

	if b.cancelRecv != nil {
		b.cancelRecv()
	}
	b.cancel()
	b.inbox.close()

	for _, call := range pending {
		call.timer.Stop()
		call.done <- result{err: ErrClosed}
	}
	return b.port.Close()
}

// resolve completes the call registered under token. It reports false when
// the call was already resolved by another outcome.
func (b *Bridge) resolve(token string, r result) bool {
	b.mu.Lock()
	call, ok := b.pending[token]
	if ok {
		delete(b.pending, token)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	call.timer.Stop()
	call.done <- r
	return true
}

// receive runs on the port's delivery goroutine. Replies are resolved
// inline so that a handler blocked in Call cannot starve them; everything
// else is queued for the worker, preserving order.
func (b *Bridge) receive(env Envelope) {
	if env.Token != "" && strings.HasPrefix(env.Token, b.prefix) {
		if !b.resolve(env.Token, result{details: env.Details}) {
			b.logger.Debug("bridge late reply discarded", "bridge", b.name, "type", env.Type)
		}
		return
	}
	b.inbox.push(env)
}

func (b *Bridge) work() {
	for {
		env, ok := b.inbox.pop()
		if !ok {
			return
		}
		b.dispatch(env)
	}
}

func (b *Bridge) dispatch(env Envelope) {
	b.mu.Lock()
	h := b.handlers[env.Type]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return
	}
	if h == nil {
		b.logger.Debug("bridge message ignored", "bridge", b.name, "type", env.Type)
		return
	}

	value, err := b.invoke(h, env)
	if err != nil {
		b.logger.Debug("bridge handler failed", "bridge", b.name, "type", env.Type, "error", err)
		return
	}
	if env.Token == "" {
		return
	}

	payload, err := encodeDetails(value)
	if err != nil {
		b.logger.Debug("bridge reply encode failed", "bridge", b.name, "type", env.Type, "error", err)
		return
	}
	if err := b.port.Post(Envelope{Type: env.Type, Details: payload, Token: env.Token}); err != nil {
		b.logger.Debug("bridge reply dropped", "bridge", b.name, "type", env.Type, "error", err)
	}
}

func (b *Bridge) invoke(h HandlerFunc, env Envelope) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(b.ctx, env.Details)
}
