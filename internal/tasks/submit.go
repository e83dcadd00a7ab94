package tasks

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

// DetailTypeTaskRequested labels queued task messages.
const DetailTypeTaskRequested = "task.requested"

// Publisher enqueues a payload under an event id.
type Publisher interface {
	Publish(ctx context.Context, detailType, eventID string, payload interface{}) (string, error)
}

// CreditChecker reports whether a user can afford an amount.
type CreditChecker interface {
	Check(ctx context.Context, userID string, amount int64) (bool, error)
}

// Submitter accepts task requests: it checks the balance, records a pending
// task and enqueues it for the worker.
type Submitter struct {
	store     *Store
	credits   CreditChecker
	publisher Publisher
	cost      int64
	logger    logrus.FieldLogger
}

// NewSubmitter creates a Submitter charging cost per task.
func NewSubmitter(store *Store, checker CreditChecker, publisher Publisher, cost int64, logger logrus.FieldLogger) *Submitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Submitter{store: store, credits: checker, publisher: publisher, cost: cost, logger: logger}
}

// Submit queues a task for req. The balance check is advisory; the worker's
// debit is authoritative.
func (s *Submitter) Submit(ctx context.Context, req validation.CreateTaskRequest) (*Task, error) {
	ok, err := s.credits.Check(ctx, req.UserID, s.cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.Newf(apperror.KindInsufficientCredits, "tasks.submit",
			"user %s cannot afford %d credits", req.UserID, s.cost)
	}

	t := Task{
		TaskID: uuid.NewString(),
		UserID: req.UserID,
		KeyID:  req.KeyID,
		Prompt: req.Prompt,
		Cost:   s.cost,
	}
	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrTaskExists) {
			return nil, apperror.New(apperror.KindConflict, "tasks.submit", err)
		}
		return nil, apperror.New(apperror.KindDownstream, "tasks.submit", err)
	}

	msg := validation.TaskMessage{
		ID:     t.TaskID,
		TaskID: t.TaskID,
		UserID: t.UserID,
		Prompt: t.Prompt,
		KeyID:  t.KeyID,
	}
	msgID, err := s.publisher.Publish(ctx, DetailTypeTaskRequested, t.TaskID, msg)
	if err != nil {
		reason := map[string]types.AttributeValue{
			"failure_reason": &types.AttributeValueMemberS{Value: "enqueue: " + err.Error()},
		}
		if uerr := s.store.UpdateStatus(ctx, t.TaskID, StatusPending, StatusFailed, reason); uerr != nil {
			s.logger.WithField("task_id", t.TaskID).WithError(uerr).Warn("mark unqueued task failed")
		}
		return nil, apperror.New(apperror.KindDownstream, "tasks.submit", err)
	}

	s.logger.WithFields(logrus.Fields{"task_id": t.TaskID, "message_id": msgID}).Info("task queued")
	return s.store.Get(ctx, t.TaskID)
}

// Get returns a task by id.
func (s *Submitter) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.store.Get(ctx, taskID)
}
