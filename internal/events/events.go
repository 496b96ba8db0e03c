package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrCompleted is returned by Emit once the subject has been completed.
var ErrCompleted = errors.New("events: subject completed")

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	replayEnabled bool
	cacheSize     int
	logger        *slog.Logger
}

// WithReplay keeps the last cacheSize events of every topic and delivers them
// to subscribers that ask for replay.
func WithReplay(cacheSize int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.replayEnabled = cacheSize > 0
		cfg.cacheSize = cacheSize
	}
}

// WithLogger sets a structured logger for event system errors
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// Emit delivers value to every subscriber of topic before returning.
// Handlers run on the caller's goroutine, outside the subject lock, so a
// handler may subscribe, unsubscribe or emit again. A subscriber already
// busy with an earlier event gets value queued behind it instead, and the
// goroutine delivering that earlier event delivers value too.
func Emit[T any](subject *Subject, topic string, value T) error {
	if subject == nil {
		return nil
	}

	evt := event{topic: topic, message: value}

	subject.mu.Lock()
	if subject.closed {
		subject.mu.Unlock()
		return ErrCompleted
	}
	if subject.config.replayEnabled {
		subject.addToCache(evt)
	}
	subs := subject.snapshot(topic)
	subject.mu.Unlock()

	atomic.AddInt64(&subject.eventCount, 1)
	for _, sub := range subs {
		subject.deliver(sub, evt)
	}
	return nil
}

// Subscribe subscribes a typed handler to the given topic.
// A Subscription is returned that can be used to unsubscribe from the topic.
// When replay is requested and the subject keeps a cache, cached events of the
// topic are delivered before Subscribe returns; each event reaches the new
// subscriber either by replay or by live delivery, never both, and live
// events emitted meanwhile arrive after the replayed ones.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error, replay ...bool) Subscription {
	wantsReplay := len(replay) > 0 && replay[0]

	wrappedHandler := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)
	sub := Subscription{
		Topic:       topic,
		Handler:     wrappedHandler,
		ID:          fmt.Sprintf("%s-%d", topic, subID),
		WantsReplay: wantsReplay,
		feed:        &feed{},
	}
	sub.Unsubscribe = func() {
		subject.removeSubscription(topic, sub.ID)
	}

	subject.mu.Lock()
	if subject.closed {
		subject.mu.Unlock()
		return sub
	}
	if subject.subscribers[topic] == nil {
		subject.subscribers[topic] = make(map[string]Subscription)
		subject.order[topic] = nil
	}
	subject.subscribers[topic][sub.ID] = sub
	subject.order[topic] = append(subject.order[topic], sub.ID)

	var cached []event
	if subject.config.replayEnabled && wantsReplay {
		cached = append(cached, subject.cache[topic]...)
	}
	if len(cached) == 0 {
		subject.mu.Unlock()
		return sub
	}
	// Claim the feed before any Emit can see the subscription.
	sub.feed.busy = true
	subject.mu.Unlock()

	for _, evt := range cached {
		subject.sendToSubscriber(sub, evt)
	}
	subject.drain(sub)
	return sub
}

// Complete shuts down the subject and drops every subscription.
// This function is idempotent and safe to call multiple times.
func Complete(s *Subject) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.subscribers = make(map[string]map[string]Subscription)
	s.order = make(map[string][]string)
	s.cache = nil
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	Handler     HandlerFunc
	ID          string
	WantsReplay bool
	Unsubscribe func()

	feed *feed
}

// feed serializes deliveries to one subscription. While busy, events queue
// in pending for the delivering goroutine.
type feed struct {
	mu      sync.Mutex
	busy    bool
	pending []event
}

// Subject fans events out to topic subscribers in subscription order.
type Subject struct {
	mu          sync.Mutex
	subscribers map[string]map[string]Subscription
	order       map[string][]string
	cache       map[string][]event
	nextSubID   int64
	eventCount  int64
	closed      bool

	// Configuration (read-only after creation)
	config subjectConfig
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	var cfg subjectConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subscribers: make(map[string]map[string]Subscription),
		order:       make(map[string][]string),
		config:      cfg,
	}
	if cfg.replayEnabled {
		s.cache = make(map[string][]event)
	}
	return s
}

// SubscriberCount returns the number of live subscriptions on topic.
func (s *Subject) SubscriberCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[topic])
}

// EventCount returns how many events have been emitted.
func (s *Subject) EventCount() int64 {
	return atomic.LoadInt64(&s.eventCount)
}

func (s *Subject) snapshot(topic string) []Subscription {
	ids := s.order[topic]
	subs := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		if sub, ok := s.subscribers[topic][id]; ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (s *Subject) removeSubscription(topic, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topicSubs, ok := s.subscribers[topic]
	if !ok {
		return
	}
	if _, ok := topicSubs[subID]; !ok {
		return
	}
	delete(topicSubs, subID)

	ids := s.order[topic]
	for i, id := range ids {
		if id == subID {
			s.order[topic] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(topicSubs) == 0 {
		delete(s.subscribers, topic)
		delete(s.order, topic)
	}
}

// addToCache must be called with s.mu held.
func (s *Subject) addToCache(evt event) {
	cached := s.cache[evt.topic]
	if len(cached) == s.config.cacheSize {
		cached = cached[1:]
	}
	s.cache[evt.topic] = append(cached[:len(cached):len(cached)], evt)
}

// deliver hands evt to sub, or queues it when sub is busy.
func (s *Subject) deliver(sub Subscription, evt event) {
	f := sub.feed
	f.mu.Lock()
	if f.busy {
		f.pending = append(f.pending, evt)
		f.mu.Unlock()
		return
	}
	f.busy = true
	f.mu.Unlock()

	s.sendToSubscriber(sub, evt)
	s.drain(sub)
}

// drain delivers queued events until the feed is empty, then releases it.
// The caller owns the busy feed.
func (s *Subject) drain(sub Subscription) {
	f := sub.feed
	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.busy = false
			f.mu.Unlock()
			return
		}
		evt := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		s.sendToSubscriber(sub, evt)
	}
}

// sendToSubscriber delivers an event to a subscriber. A failing or panicking
// handler is logged and never reaches the emitter or other subscribers.
func (s *Subject) sendToSubscriber(sub Subscription, evt event) {
	defer func() {
		if r := recover(); r != nil && s.config.logger != nil {
			s.config.logger.Warn("event handler panic recovered",
				"topic", evt.topic,
				"subscription_id", sub.ID,
				"panic", r)
		}
	}()

	if err := sub.Handler(context.Background(), evt.message); err != nil {
		if s.config.logger != nil {
			s.config.logger.Debug("event handler error",
				"topic", evt.topic,
				"error", err,
				"subscription_id", sub.ID)
		}
	}
}
