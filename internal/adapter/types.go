package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/imrishuroy/go-reliable-taskflow/internal/dedup"
)

// InboundEvent is one trigger delivery. It lives for a single invocation.
type InboundEvent struct {
	ID         string
	Source     string
	DetailType string
	Detail     json.RawMessage
	ReceivedAt time.Time
}

// Options controls error containment and deduplication.
type Options struct {
	// ContinueOnError acknowledges failed events instead of returning the
	// error to the transport for redelivery.
	ContinueOnError     bool
	EnableDeduplication bool
	DeduplicationTTL    time.Duration
	// Verbose logs every stage at info level instead of debug.
	Verbose bool
}

// DefaultOptions mirrors the behaviour of an adapter built without options.
func DefaultOptions() Options {
	return Options{
		ContinueOnError:     true,
		EnableDeduplication: true,
		DeduplicationTTL:    dedup.DefaultTTL,
	}
}

// Result is the outcome of handling one event. Skipped is set for a
// duplicate within the dedup window and counts as success.
type Result struct {
	EventID string
	Success bool
	Skipped bool
	Err     error
}

// UseCase is the business logic an adapter guards.
type UseCase[T any] func(ctx context.Context, input T) error

// Schema turns a raw payload into a validated T.
type Schema[T any] interface {
	Decode(raw []byte) (T, error)
}

// Deduplicator runs action at most once per event id within ttl.
type Deduplicator interface {
	ProcessWithDeduplication(ctx context.Context, eventID string, ttl time.Duration, action func(ctx context.Context) error) (bool, error)
}

// Recorder counts adapter outcomes.
type Recorder interface {
	Record(ctx context.Context, adapter, metric string)
}

const (
	MetricReceived  = "EventReceived"
	MetricDuplicate = "EventDuplicate"
	MetricSucceeded = "EventSucceeded"
	MetricFailed    = "EventFailed"
	MetricRejected  = "EventRejected"
)

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, string, string) {}
