package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Canonical topics emitted by the orchestration core.
const (
	TopicBatchStart      = "coordination:batch:start"
	TopicBatchComplete   = "coordination:batch:complete"
	TopicMessageSent     = "agent:message:sent"
	TopicMessageReceived = "agent:message:received"
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine and must not publish back to the same topic.
type Handler func(topic string, payload any)

// subscriber pairs a handler with its registration order token.
type subscriber struct {
	id int64
	fn Handler
}

// Bus is an in-process publish/subscribe hub with string topics.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID int64
	topics map[string][]subscriber
	taps   []subscriber

	// publishMu serializes publishes per topic so subscribers see a
	// topic's events in publish order.
	publishMu sync.Map // topic -> *sync.Mutex
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		topics: make(map[string][]subscriber),
	}
}

// Subscribe registers a handler for one topic and returns an unsubscribe
// function. Handlers on a topic are invoked in subscription order.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll registers a handler for every topic. Taps are invoked after
// the topic's own subscribers. Used by bridges and audit listeners.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.taps = append(b.taps, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.taps {
			if s.id == id {
				b.taps = append(b.taps[:i:i], b.taps[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the payload to every subscriber of the topic, then to
// every tap, synchronously and in subscription order.
func (b *Bus) Publish(topic string, payload any) {
	muIface, _ := b.publishMu.LoadOrStore(topic, &sync.Mutex{})
	topicMu := muIface.(*sync.Mutex)
	topicMu.Lock()
	defer topicMu.Unlock()

	b.mu.RLock()
	subs := make([]subscriber, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	taps := make([]subscriber, len(b.taps))
	copy(taps, b.taps)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(topic, payload)
	}
	for _, s := range taps {
		s.fn(topic, payload)
	}
}

// SubscriberCount returns the number of direct subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Reset removes all subscribers and taps. Test helper.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string][]subscriber)
	b.taps = nil
}
