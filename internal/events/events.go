// Package events is a small topic-based pub/sub used for event fan-out: the
// relay gives every client session its own topic so all writes to one session
// socket are serialized through the single event loop, and the client router
// uses per-event-name topics to deliver CDP events to subscribers in
// registration order.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
	logger       *slog.Logger
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithLogger sets a structured logger for event system errors.
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// WithSyncDelivery forces synchronous (inline) event delivery.
// This serializes all handler calls within the single eventLoop goroutine,
// which is required when handlers must not run concurrently (WebSocket writes).
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// Emit emits an event to the given topic.
func Emit[T any](subject *Subject, topic string, value T) error {
	evt := event{
		topic:   topic,
		message: value,
	}

	select {
	case subject.events <- evt:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("failed to emit event: %v", value)
	}
}

// Subscribe subscribes a typed handler to the given topic.
// A Subscription is returned that can be used to unsubscribe from the topic.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrappedHandler := HandlerFunc(func(ctx context.Context, data any) error {
		if typed, ok := data.(T); ok {
			return handler(ctx, typed)
		}
		return fmt.Errorf("type assertion failed for %T, expected %T", data, *new(T))
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)

	sub := Subscription{
		Topic:     topic,
		CreatedAt: time.Now().UnixNano(),
		Handler:   wrappedHandler,
		ID:        fmt.Sprintf("%s-%d", topic, subID),
		order:     subID,
	}

	subject.addSubscription(sub)

	sub.Unsubscribe = func() {
		subject.removeSubscription(sub.ID)
	}

	return sub
}

// Complete shuts down the event system, stopping all goroutines and cleaning
// up resources. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}

	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			// Timeout waiting for goroutines
		}
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	CreatedAt   int64
	Handler     HandlerFunc
	ID          string
	Unsubscribe func()

	order int64
}

type subscriberMap map[string]map[string]Subscription

type Subject struct {
	// Lock-free state using atomics
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64
	eventCount  int64

	events   chan event
	shutdown chan struct{}

	// Configuration (read-only after creation)
	config subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		bufferSize: 512, // default
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}

	emptySubscribers := make(subscriberMap)
	s.subscribers.Store(&emptySubscribers)

	go s.eventLoop()
	return s
}

// eventLoop processes events and distributes them to subscribers. Handlers
// for one topic run in subscription order, so callback delivery order matches
// registration order.
func (s *Subject) eventLoop() {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			atomic.AddInt64(&s.eventCount, 1)

			subs := s.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range sortedByOrder(topicSubs) {
					s.sendToSubscriber(sub, evt, s.config.syncDelivery)
				}
			}
		}
	}
}

func sortedByOrder(topicSubs map[string]Subscription) []Subscription {
	out := make([]Subscription, 0, len(topicSubs))
	for _, sub := range topicSubs {
		out = append(out, sub)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].order < out[j-1].order; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// addSubscription adds a subscription using copy-on-write.
func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := s.copySubscribers(*oldSubs)

		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			break
		}
		// Retry if CAS failed (another goroutine modified it)
	}
}

// removeSubscription removes a subscription using copy-on-write.
func (s *Subject) removeSubscription(subID string) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := s.copySubscribers(*oldSubs)

		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}

		if !found {
			break // Subscription not found, nothing to do
		}

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			break
		}
		// Retry if CAS failed
	}
}

// copySubscribers creates a deep copy of the subscribers map.
func (s *Subject) copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}

// HasSubscribers reports whether any handler is subscribed to the topic.
func (s *Subject) HasSubscribers(topic string) bool {
	subs := s.subscribers.Load()
	return len((*subs)[topic]) > 0
}

// sendToSubscriber delivers an event to a subscriber.
// If sync is true, delivery is synchronous (blocking). If false, asynchronous.
func (s *Subject) sendToSubscriber(sub Subscription, evt event, sync bool) {
	deliverEvent := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := sub.Handler(ctx, evt.message); err != nil {
			if s.config.logger != nil {
				s.config.logger.Debug("event handler error",
					"topic", evt.topic,
					"error", err,
					"subscription_id", sub.ID)
			}
		}
	}

	if sync {
		deliverEvent()
	} else {
		go deliverEvent()
	}
}
