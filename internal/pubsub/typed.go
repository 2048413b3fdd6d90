package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event[T] binds a topic name to its payload type.
type Event[T any] struct {
	topic string
}

// NewEvent declares a typed topic.
func NewEvent[T any](topic string) Event[T] {
	return Event[T]{topic: topic}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topic
}

// Publish sends payload on event's topic, tagged with sessionID.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], sessionID string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.topic, err)
	}
	return p.Publish(ctx, Message{
		Topic:     event.topic,
		SessionID: sessionID,
		Payload:   data,
	})
}

// TypedHandler receives decoded payloads along with the publisher's session.
type TypedHandler[T any] func(ctx context.Context, sessionID string, payload T) error

// Subscribe decodes every message on event's topic into T. Undecodable
// payloads are reported to the subscriber as handler errors.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], handler TypedHandler[T]) error {
	return s.Subscribe(ctx, event.topic, func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.topic, err)
		}
		return handler(ctx, msg.SessionID, payload)
	})
}
