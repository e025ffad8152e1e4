package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// Per-subscription delivery buffer. Publishes past a full buffer are dropped
// for that subscriber rather than blocking the publisher.
const subscriptionBuffer = 256

// memorySubscription is a subscription to a topic. Each subscription owns a
// buffered channel drained by a single goroutine, so one subscriber sees
// publishes to its topic in the order the bus accepted them.
type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	handler Handler
	id      uint64
	ch      chan *Message
	cancel  context.CancelFunc
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.unsubscribe(s.topic, s.id)
	return nil
}

// deliver drains the subscription's buffer in enqueue order
func (s *memorySubscription) deliver(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.ch:
			s.handler(ctx, msg)
		}
	}
}

// MemoryPubSub implements PubSub using an in-memory map.
// Suitable for single-instance deployments and tests.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

// NewMemoryPubSub creates a new in-memory pub/sub instance
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		logger:      slog.Default().With("component", "pubsub", "backend", "memory"),
	}
}

// Publish sends a message to all current subscribers of the topic.
// Zero subscribers is a successful no-op. Enqueue happens under the bus
// lock, so sequential publishes reach each subscriber in publish order.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrClosed
	}

	subs, ok := ps.subscribers[topic]
	if !ok || len(subs) == 0 {
		ps.logger.Debug("no subscribers for topic", "topic", topic, "msg_type", msg.Type)
		return nil
	}

	ps.logger.Debug("publishing to topic", "topic", topic, "msg_type", msg.Type, "subscriber_count", len(subs))

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
			ps.logger.Warn("subscriber buffer full, dropping message", "topic", topic, "sub_id", sub.id)
		}
	}

	return nil
}

// Subscribe registers a handler for the given topic
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	id := ps.nextID

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		ps:      ps,
		topic:   topic,
		handler: handler,
		id:      id,
		ch:      make(chan *Message, subscriptionBuffer),
		cancel:  cancel,
	}

	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][id] = sub

	go sub.deliver(subCtx)

	return sub, nil
}

func (ps *MemoryPubSub) unsubscribe(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if subs, ok := ps.subscribers[topic]; ok {
		if sub, ok := subs[id]; ok {
			sub.cancel()
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(ps.subscribers, topic)
		}
	}
}

// Close shuts down the pub/sub and prevents new operations
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.closed = true
	for _, subs := range ps.subscribers {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of subscribers for a topic (useful for testing)
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics (useful for testing)
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
