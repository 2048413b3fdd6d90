package pubsub

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys specific to room traffic.
const (
	attrSessionID  = attribute.Key("roomsync.session_id")
	attrRoom       = attribute.Key("roomsync.room")
	attrCollection = attribute.Key("roomsync.collection")
	attrTopicKind  = attribute.Key("roomsync.topic.kind")
	attrTopicEvent = attribute.Key("roomsync.topic.event")
)

// TracingMiddleware wraps message handling in a span per message. The span
// continues the trace started by the publisher when the context carries one.
func TracingMiddleware(tracer trace.Tracer) func(message.HandlerFunc) message.HandlerFunc {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx := msg.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			topic := msg.Metadata.Get(metaKeyTopic)
			spanCtx, span := tracer.Start(ctx, "pubsub.process."+topic,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(messageAttributes("process", topic, msg)...),
			)
			defer span.End()
			msg.SetContext(spanCtx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			return produced, nil
		}
	}
}

// PublisherTracingMiddleware wraps a publisher with a span per published
// message. Spans end once the underlying publish returned.
type PublisherTracingMiddleware struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

func NewPublisherTracingMiddleware(publisher message.Publisher, tracer trace.Tracer) *PublisherTracingMiddleware {
	return &PublisherTracingMiddleware{
		publisher: publisher,
		tracer:    tracer,
	}
}

// Publish implements message.Publisher.
func (p *PublisherTracingMiddleware) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		spanCtx, span := p.tracer.Start(ctx, "pubsub.publish."+topic,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(messageAttributes("publish", topic, msg)...),
		)
		msg.SetContext(spanCtx)
		spans = append(spans, span)
	}

	err := p.publisher.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

// Close closes the underlying publisher.
func (p *PublisherTracingMiddleware) Close() error {
	return p.publisher.Close()
}

func messageAttributes(operation, topic string, msg *message.Message) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.message_id", msg.UUID),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		attribute.String("messaging.message_payload_preview", payloadPreview(msg.Payload)),
	}
	if sessionID := msg.Metadata.Get(metaKeySessionID); sessionID != "" {
		attrs = append(attrs, attrSessionID.String(sessionID))
	}
	return append(attrs, topicAttributes(topic)...)
}

// topicAttributes describes a <kind>.<scope>.<event> topic. Presence and
// typing topics are scoped by room, backend topics by collection. Topics of
// any other shape only get their name.
func topicAttributes(topic string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("messaging.destination.name", topic)}
	kind, rest, ok := strings.Cut(topic, ".")
	if !ok {
		return attrs
	}
	scope, event, ok := strings.Cut(rest, ".")
	if !ok || scope == "" || event == "" || strings.Contains(event, ".") {
		return attrs
	}

	attrs = append(attrs, attrTopicKind.String(kind), attrTopicEvent.String(event))
	if kind == "backend" {
		return append(attrs, attrCollection.String(scope))
	}
	return append(attrs, attrRoom.String(scope))
}

func payloadPreview(payload []byte) string {
	const limit = 100
	if len(payload) > limit {
		return fmt.Sprintf("%s...", payload[:limit])
	}
	return string(payload)
}
