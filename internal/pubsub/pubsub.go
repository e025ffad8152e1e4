// Package pubsub provides the topic-based publish/subscribe bus that makes
// user reachability instance-independent: any process can publish to a
// user's home topic, and whichever process holds that user's sockets
// delivers. Backends: in-memory (single instance, tests) and Redis.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message is a published event. Payload carries the complete client-ready
// frame; subscribers forward it to the socket verbatim.
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription and releases its resources.
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// Delivery is at-most-once and best-effort: publishing to a topic with no
// active subscribers is a no-op, and there is no replay or durable queue.
// One subscriber sees publishes to its topic in the order the bus accepted
// them. All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all current subscribers of the topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler sees only messages published after the subscribe call.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// TopicBuilder constructs consistent topic names
type TopicBuilder struct{}

// Home returns the per-user topic carrying everything destined for that
// user's connections: presence of chat peers, typing, messages, new chats.
func (t TopicBuilder) Home(userID string) string {
	return "chats:home:" + userID
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
