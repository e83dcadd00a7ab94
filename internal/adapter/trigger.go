package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
)

// FromSQSMessage converts a queue message. The id is the producer's event_id
// attribute when present, then the id of a wrapped EventBridge envelope, then
// the SQS message id.
func FromSQSMessage(msg events.SQSMessage) InboundEvent {
	ev := InboundEvent{
		ID:         msg.MessageId,
		Source:     stringAttr(msg, aws.AttrSource),
		DetailType: stringAttr(msg, aws.AttrDetailType),
		Detail:     json.RawMessage(msg.Body),
	}
	if ms, err := strconv.ParseInt(msg.Attributes["SentTimestamp"], 10, 64); err == nil {
		ev.ReceivedAt = time.UnixMilli(ms).UTC()
	}

	var envelope events.EventBridgeEvent
	if err := json.Unmarshal([]byte(msg.Body), &envelope); err == nil && envelope.DetailType != "" && len(envelope.Detail) > 0 {
		ev.Detail = envelope.Detail
		ev.Source = envelope.Source
		ev.DetailType = envelope.DetailType
		if envelope.ID != "" {
			ev.ID = envelope.ID
		}
		if !envelope.Time.IsZero() {
			ev.ReceivedAt = envelope.Time
		}
	}

	if id := stringAttr(msg, aws.AttrEventID); id != "" {
		ev.ID = id
	}
	return ev
}

// FromEventBridge converts an event-bus notification.
func FromEventBridge(e events.EventBridgeEvent) InboundEvent {
	return InboundEvent{
		ID:         e.ID,
		Source:     e.Source,
		DetailType: e.DetailType,
		Detail:     e.Detail,
		ReceivedAt: e.Time,
	}
}

// HandleSQS handles a batch and reports the messages that must be redelivered.
// The event source mapping needs ReportBatchItemFailures enabled.
func (a *Adapter[T]) HandleSQS(ctx context.Context, batch events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, msg := range batch.Records {
		if _, err := a.Handle(ctx, FromSQSMessage(msg)); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: msg.MessageId,
			})
		}
	}
	if n := len(resp.BatchItemFailures); n > 0 {
		a.logger.WithField("failed", n).WithField("batch", len(batch.Records)).Warn("batch partially failed")
	}
	return resp, nil
}

// HandleEventBridge handles one event-bus notification. A returned error makes
// the bus retry the delivery.
func (a *Adapter[T]) HandleEventBridge(ctx context.Context, e events.EventBridgeEvent) (Result, error) {
	return a.Handle(ctx, FromEventBridge(e))
}

func stringAttr(msg events.SQSMessage, name string) string {
	if attr, ok := msg.MessageAttributes[name]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}
