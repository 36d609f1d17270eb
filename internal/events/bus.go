package events

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infracollect/archivist/internal/engine"
)

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	topic   string
	handler Handler
}

type sessionState struct {
	mu  sync.Mutex
	seq uint64
}

// Bus is a synchronous pub-sub bus. Events of one session id are numbered and delivered
// in publication order, even when published from several goroutines; events of different
// sessions are not ordered relative to each other.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // topic -> subscriptions

	sessionsMu sync.Mutex
	sessions   map[engine.SessionID]*sessionState

	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscriptions: make(map[string][]subscription),
		sessions:      make(map[engine.SessionID]*sessionState),
		logger:        logger,
	}
}

// Subscribe registers a handler for a topic and returns the subscription id.
func (b *Bus) Subscribe(topic string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.subscriptions[topic] = append(b.subscriptions[topic], subscription{
		id:      id,
		topic:   topic,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(TopicAll, handler)
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[topic] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish numbers the event and dispatches it to topic subscribers first, then to
// wildcard subscribers. A panicking handler is logged and skipped. Publishing on a nil
// bus is a no-op. Handlers must not publish for the same session id synchronously.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}

	state := b.session(event.SessionID)
	state.mu.Lock()
	defer state.mu.Unlock()

	state.seq++
	event.Seq = state.seq
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subscriptions[event.Topic])+len(b.subscriptions[TopicAll]))
	subs = append(subs, b.subscriptions[event.Topic]...)
	if event.Topic != TopicAll {
		subs = append(subs, b.subscriptions[TopicAll]...)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.safeCall(sub.handler, event)
	}
}

// Forget drops the sequence state of a finished session.
func (b *Bus) Forget(id engine.SessionID) {
	if b == nil {
		return
	}
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()
	delete(b.sessions, id)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}

func (b *Bus) session(id engine.SessionID) *sessionState {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	state, ok := b.sessions[id]
	if !ok {
		state = &sessionState{}
		b.sessions[id] = state
	}
	return state
}

func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.Stringer("session_id", event.SessionID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	handler(event)
}
