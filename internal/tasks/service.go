package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/credits"
	"github.com/imrishuroy/go-reliable-taskflow/internal/generation"
	"github.com/imrishuroy/go-reliable-taskflow/internal/retry"
	"github.com/imrishuroy/go-reliable-taskflow/internal/saga"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

var (
	errAlreadyCompleted = errors.New("task already completed")
	errRefundPending    = errors.New("task has an unrefunded debit")
)

// CreditAdjuster mutates credit balances.
type CreditAdjuster interface {
	Adjust(ctx context.Context, req credits.AdjustRequest) (int64, error)
}

// ServiceDeps wires a Service.
type ServiceDeps struct {
	Store     *Store
	Credits   CreditAdjuster
	Generator generation.Generator
	// Retry wraps every model call.
	Retry   retry.Policy
	Cost    int64
	Journal saga.Journal
	Logger  logrus.FieldLogger
}

type job struct {
	msg          validation.TaskMessage
	cost         int64
	result       string
	failure      string
	refundFailed bool
}

// Service generates tasks: claim, debit, generate, persist. A failure after
// the debit refunds it; a failed refund leaves the task REFUND_FAILED so it is
// never charged twice.
type Service struct {
	saga   *saga.Saga[job]
	cost   int64
	logger logrus.FieldLogger
}

// NewService builds the generation saga.
func NewService(d ServiceDeps) *Service {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	gen := generation.WithRetry(d.Generator, d.Retry, d.Logger)

	b := saga.NewBuilder[job]("task-generation").
		AddStep("claim_task",
			func(ctx context.Context, j *job) error {
				status, err := d.Store.Claim(ctx, Task{
					TaskID: j.msg.TaskID,
					UserID: j.msg.UserID,
					KeyID:  j.msg.KeyID,
					Prompt: j.msg.Prompt,
					Cost:   j.cost,
				})
				if errors.Is(err, ErrStatusMismatch) {
					switch status {
					case StatusCompleted:
						return errAlreadyCompleted
					case StatusRefundFailed:
						return fmt.Errorf("task %s: %w", j.msg.TaskID, errRefundPending)
					}
					return fmt.Errorf("task %s is %s: %w", j.msg.TaskID, status, err)
				}
				return err
			},
			func(ctx context.Context, j *job) error {
				status := StatusFailed
				if j.refundFailed {
					status = StatusRefundFailed
				}
				return d.Store.Fail(ctx, j.msg.TaskID, status, j.failure)
			}).
		AddStep("debit_credits",
			func(ctx context.Context, j *job) error {
				if j.cost == 0 {
					return nil
				}
				_, err := d.Credits.Adjust(ctx, credits.AdjustRequest{
					UserID: j.msg.UserID, Amount: j.cost, Direction: credits.Decrement, KeyID: j.msg.KeyID,
				})
				if err != nil {
					j.failure = "debit: " + err.Error()
				}
				return err
			},
			func(ctx context.Context, j *job) error {
				if j.cost == 0 {
					return nil
				}
				_, err := d.Credits.Adjust(ctx, credits.AdjustRequest{
					UserID: j.msg.UserID, Amount: j.cost, Direction: credits.Increment, KeyID: j.msg.KeyID,
				})
				if err != nil {
					j.refundFailed = true
				}
				return err
			}).
		AddStep("generate",
			func(ctx context.Context, j *job) error {
				out, err := gen.Generate(ctx, j.msg.Prompt)
				if err != nil {
					j.failure = "generate: " + err.Error()
					return err
				}
				j.result = out
				return nil
			}, nil).
		AddStep("persist_result",
			func(ctx context.Context, j *job) error {
				err := d.Store.Complete(ctx, j.msg.TaskID, j.result)
				if err != nil {
					j.failure = "persist: " + err.Error()
				}
				return err
			}, nil)

	return &Service{
		saga:   b.Build(d.Journal, d.Logger),
		cost:   d.Cost,
		logger: d.Logger,
	}
}

// Execute runs one task message. Its signature matches adapter.UseCase.
//
// Errors are classified for the transport: an already completed task is a
// no-op; insufficient credits, prompts the model refuses and failed refunds
// are permanent; a task claimed by another worker is a Conflict; everything
// else is Downstream and may be redelivered.
func (s *Service) Execute(ctx context.Context, msg validation.TaskMessage) error {
	log := s.logger.WithFields(logrus.Fields{"task_id": msg.TaskID, "user_id": msg.UserID})
	_, err := s.saga.Run(ctx, msg.TaskID, &job{msg: msg, cost: s.cost})

	switch {
	case err == nil:
		log.Info("task completed")
		return nil
	case errors.Is(err, errAlreadyCompleted):
		log.Info("task already completed, skipping")
		return nil
	case apperror.KindOf(err) == apperror.KindRollbackFailure:
		return err
	case errors.Is(err, errRefundPending):
		return apperror.New(apperror.KindRollbackFailure, "tasks.execute", err)
	case apperror.Has(err, apperror.KindInsufficientCredits):
		return apperror.New(apperror.KindInsufficientCredits, "tasks.execute", err)
	case errors.Is(err, generation.ErrContentBlocked), errors.Is(err, generation.ErrRejected):
		return apperror.Validation("tasks.execute", map[string]string{"prompt": "rejected by model"}, err)
	case errors.Is(err, ErrStatusMismatch):
		return apperror.New(apperror.KindConflict, "tasks.execute", err)
	default:
		return apperror.New(apperror.KindDownstream, "tasks.execute", err)
	}
}
