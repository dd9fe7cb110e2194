package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/crosslink/internal/queue"
)

// DefaultEventsTopic receives task lifecycle events when none is configured.
const DefaultEventsTopic = "crosslink.tasks"

// EventSink publishes queue lifecycle events to a topic, keyed by task id
// so every event for one task lands on the same partition.
type EventSink struct {
	producer Producer
	topic    string
}

// NewEventSink wraps producer. An empty topic means DefaultEventsTopic.
func NewEventSink(producer Producer, topic string) *EventSink {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	return &EventSink{producer: producer, topic: topic}
}

func (s *EventSink) Name() string { return "kafka" }

func (s *EventSink) Publish(ctx context.Context, ev queue.Event) error {
	ctx, span := otel.Tracer("kafka").Start(ctx, "kafka.publish_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", s.topic),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("task.id", ev.Task.ID),
	)

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if err := s.producer.Publish(ctx, s.topic, ev.Task.ID, value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// Close closes the underlying producer.
func (s *EventSink) Close() error { return s.producer.Close() }

// DecodeEvent parses a message written by EventSink.
func DecodeEvent(msg Message) (queue.Event, error) {
	var ev queue.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	if ev.Task == nil {
		return ev, fmt.Errorf("decode event at offset %d: missing task", msg.Offset)
	}
	return ev, nil
}
