package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Emit after Complete.
var ErrClosed = errors.New("event subject closed")

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize     int
	emitTimeout    time.Duration
	handlerTimeout time.Duration
	logger         *slog.Logger
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithEmitTimeout bounds how long Emit waits for room in the buffer.
func WithEmitTimeout(d time.Duration) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.emitTimeout = d
	}
}

// WithLogger sets a structured logger for event system errors
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

// Emit emits an event to the given topic. Events on a topic nobody
// subscribes to are dropped.
func Emit[T any](subject *Subject, topic string, value T) error {
	if atomic.LoadInt32(&subject.closed) == 1 {
		return ErrClosed
	}

	evt := event{
		seq:     atomic.AddInt64(&subject.seq, 1),
		topic:   topic,
		message: value,
	}

	timer := time.NewTimer(subject.config.emitTimeout)
	defer timer.Stop()

	select {
	case subject.events <- evt:
		return nil
	case <-subject.shutdown:
		return ErrClosed
	case <-timer.C:
		return fmt.Errorf("failed to emit event on %s: buffer full", topic)
	}
}

// Subscribe subscribes a typed handler to the given topic.
// Only events emitted after Subscribe returns are delivered to it.
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
		since:     atomic.LoadInt64(&subject.seq),
	}

	// Add subscription using copy-on-write
	subject.addSubscription(sub)

	sub.Unsubscribe = func() {
		subject.removeSubscription(sub.ID)
	}

	return sub
}

// Complete delivers whatever is already queued, then stops the event loop.
// This function is idempotent and safe to call multiple times.
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
			if s.config.logger != nil {
				s.config.logger.Warn("event loop did not stop in time")
			}
		}
	}
}

type event struct {
	seq     int64
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

	since int64
}

type subscriberMap map[string]map[string]Subscription

// Subject is a topic bus with a single delivery goroutine: handlers are never
// called concurrently and see events in emit order. A slow handler delays
// every topic, so handlers hand work off instead of doing I/O.
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64
	seq         int64

	events   chan event
	shutdown chan struct{}

	config subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{
		bufferSize:     512,
		emitTimeout:    5 * time.Second,
		handlerTimeout: 10 * time.Second,
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

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

// eventLoop processes events and distributes them to subscribers
func (s *Subject) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			s.flush()
			return
		case evt := <-s.events:
			s.dispatch(evt)
		}
	}
}

func (s *Subject) flush() {
	for {
		select {
		case evt := <-s.events:
			s.dispatch(evt)
		default:
			return
		}
	}
}

func (s *Subject) dispatch(evt event) {
	subs := s.subscribers.Load()
	topicSubs, ok := (*subs)[evt.topic]
	if !ok {
		return
	}
	for _, sub := range topicSubs {
		if evt.seq <= sub.since {
			continue
		}
		s.deliver(sub, evt)
	}
}

// addSubscription adds a subscription using copy-on-write
func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			break
		}
	}
}

// removeSubscription removes a subscription using copy-on-write
func (s *Subject) removeSubscription(subID string) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

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
			break
		}

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			break
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}

func (s *Subject) deliver(sub Subscription, evt event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.handlerTimeout)
	defer cancel()

	if err := sub.Handler(ctx, evt.message); err != nil && s.config.logger != nil {
		s.config.logger.Debug("event handler error",
			"topic", evt.topic,
			"error", err,
			"subscription_id", sub.ID)
	}
}
