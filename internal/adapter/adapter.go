// Package adapter guards a use-case behind payload validation, event
// deduplication and per-event error containment.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

// Deps are the collaborators of an Adapter. Dedup is required when
// deduplication is enabled.
type Deps struct {
	Dedup    Deduplicator
	Recorder Recorder
	Logger   logrus.FieldLogger
}

// Adapter handles inbound events for one use-case.
type Adapter[T any] struct {
	name     string
	schema   Schema[T]
	useCase  UseCase[T]
	opts     Options
	dedup    Deduplicator
	recorder Recorder
	logger   logrus.FieldLogger
	nowFunc  func() time.Time
}

// New builds an Adapter named name.
func New[T any](name string, schema Schema[T], useCase UseCase[T], opts Options, deps Deps) (*Adapter[T], error) {
	if schema == nil || useCase == nil {
		return nil, errors.New("adapter: schema and use-case are required")
	}
	if opts.EnableDeduplication && deps.Dedup == nil {
		return nil, errors.New("adapter: deduplication enabled without a deduplicator")
	}
	if opts.DeduplicationTTL <= 0 {
		opts.DeduplicationTTL = DefaultOptions().DeduplicationTTL
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Adapter[T]{
		name:     name,
		schema:   schema,
		useCase:  useCase,
		opts:     opts,
		dedup:    deps.Dedup,
		recorder: deps.Recorder,
		logger:   deps.Logger.WithField("adapter", name),
		nowFunc:  time.Now,
	}, nil
}

// Name returns the adapter name used in logs and metrics.
func (a *Adapter[T]) Name() string { return a.name }

// Handle runs one event through validation, deduplication and the use-case.
//
// A returned error means the transport should redeliver the event, which is how
// the transport's dead-letter policy sees it. Failures are contained in the
// Result only with ContinueOnError. Permanent failures are counted as rejected
// rather than failed.
func (a *Adapter[T]) Handle(ctx context.Context, ev InboundEvent) (Result, error) {
	a.record(ctx, MetricReceived)
	log := a.logger.WithFields(logrus.Fields{"source": ev.Source, "detail_type": ev.DetailType})
	a.trace(log, "event received")

	if isEmptyDetail(ev.Detail) {
		err := apperror.Newf(apperror.KindMissingDetail, "adapter.handle", "event %q has no detail", ev.ID)
		return a.fail(ctx, log, Result{EventID: ev.ID}, err)
	}

	input, err := a.schema.Decode(ev.Detail)
	if err != nil {
		return a.fail(ctx, log, Result{EventID: ev.ID}, err)
	}

	eventID := a.eventID(ev)
	res := Result{EventID: eventID}
	log = log.WithField("event_id", eventID)

	run := func(ctx context.Context) error { return a.useCase(ctx, input) }

	if !a.opts.EnableDeduplication {
		if err := run(ctx); err != nil {
			return a.fail(ctx, log, res, err)
		}
		return a.succeed(ctx, log, res), nil
	}

	executed, err := a.dedup.ProcessWithDeduplication(ctx, eventID, a.opts.DeduplicationTTL, run)
	if err != nil {
		return a.fail(ctx, log, res, err)
	}
	if !executed {
		a.record(ctx, MetricDuplicate)
		log.Info("duplicate event skipped")
		res.Success = true
		res.Skipped = true
		return res, nil
	}
	return a.succeed(ctx, log, res), nil
}

// eventID picks the transport id, then an id embedded in the payload, then a
// composite of source, detail-type and receipt time.
func (a *Adapter[T]) eventID(ev InboundEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Detail, &embedded); err == nil && embedded.ID != "" {
		return embedded.ID
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = a.nowFunc()
	}
	return fmt.Sprintf("%s-%s-%d", ev.Source, ev.DetailType, received.UnixMilli())
}

func (a *Adapter[T]) succeed(ctx context.Context, log logrus.FieldLogger, res Result) Result {
	a.record(ctx, MetricSucceeded)
	a.trace(log, "event processed")
	res.Success = true
	return res
}

func (a *Adapter[T]) fail(ctx context.Context, log logrus.FieldLogger, res Result, err error) (Result, error) {
	res.Err = err
	log = log.WithError(err).WithField("kind", apperror.Code(err))

	if apperror.IsPermanent(err) {
		a.record(ctx, MetricRejected)
		if a.opts.ContinueOnError {
			log.Warn("event rejected, acknowledged")
			return res, nil
		}
		log.Warn("event rejected, returning for dead-lettering")
		return res, err
	}

	a.record(ctx, MetricFailed)
	if a.opts.ContinueOnError {
		log.Error("event failed, acknowledged")
		return res, nil
	}
	log.Error("event failed, returning for redelivery")
	return res, err
}

func (a *Adapter[T]) record(ctx context.Context, metric string) {
	a.recorder.Record(ctx, a.name, metric)
}

func (a *Adapter[T]) trace(log logrus.FieldLogger, msg string) {
	if a.opts.Verbose {
		log.Info(msg)
		return
	}
	log.Debug(msg)
}

func isEmptyDetail(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
