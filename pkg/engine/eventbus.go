package engine

import (
	"context"
	"fmt"

	"github.com/blueprintd/blueprintd/pkg/telemetry"
)

// TelemetryBus adapts the telemetry event publisher to the EventBus contract.
type TelemetryBus struct {
	publisher *telemetry.EventPublisher
}

// NewTelemetryBus creates an event bus backed by the given publisher.
func NewTelemetryBus(publisher *telemetry.EventPublisher) *TelemetryBus {
	return &TelemetryBus{publisher: publisher}
}

// Publish converts a lifecycle event and hands it to the publisher.
func (b *TelemetryBus) Publish(_ context.Context, topic string, event Event) error {
	level := telemetry.EventLevelInfo
	if event.Kind == EventProcessingFailed {
		level = telemetry.EventLevelError
	}

	return b.publisher.Publish(telemetry.Event{
		Timestamp:  event.Timestamp,
		Type:       string(event.Kind),
		Topic:      topic,
		Source:     "engine",
		InstanceID: event.InstanceID,
		SessionID:  event.SessionID,
		Operation:  event.Operation,
		Message:    describeEvent(event),
		Level:      level,
		Data:       event.Payload,
	})
}

// describeEvent renders a one-line message for logs and event stores.
func describeEvent(event Event) string {
	switch event.Kind {
	case EventStageStarted, EventStageEnded:
		return fmt.Sprintf("%s %v/%v of %s on %s", event.Kind,
			event.Payload["stage"], event.Payload["list"], event.Operation, event.InstanceID)
	case EventProcessingFailed:
		return fmt.Sprintf("%s %s on %s: %v", event.Kind, event.Operation, event.InstanceID, event.Payload["error"])
	default:
		return fmt.Sprintf("%s %s on %s", event.Kind, event.Operation, event.InstanceID)
	}
}

// nopBus discards events.
type nopBus struct{}

func (nopBus) Publish(context.Context, string, Event) error { return nil }

// nopNotifier discards notifications.
type nopNotifier struct{}

func (nopNotifier) NotifyResult(context.Context, Notification) error { return nil }
