// Package pubsub is the best-effort multicast used for presence heartbeats,
// typing signals and backend snapshot fan-out. Delivery is at-most-once and
// unordered across publishers.
package pubsub

import (
	"context"
)

// Message is the structure passed between sessions on the bus.
type Message struct {
	// Topic identifies the channel, e.g. "presence.main.beat".
	Topic string
	// SessionID identifies the publishing session.
	SessionID string
	// Payload is the JSON-encoded body.
	Payload []byte
	// Metadata carries optional key-value context.
	Metadata map[string]string
}

// Handler processes a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages. Subscribe returns once the subscription is
// active; handlers run until ctx is cancelled or the subscriber is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Bus is both ends of the multicast.
type Bus interface {
	Publisher
	Subscriber
}
