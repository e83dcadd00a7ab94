// Package saga runs an ordered list of steps and, on the first failure,
// compensates the steps that completed in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

// Builder accumulates the steps of a saga.
type Builder[S any] struct {
	name  string
	steps []Step[S]
}

// NewBuilder starts a saga named name.
func NewBuilder[S any](name string) *Builder[S] {
	return &Builder[S]{name: name}
}

// AddStep appends a step. compensate may be nil for steps with nothing to undo.
func (b *Builder[S]) AddStep(name string, execute, compensate func(ctx context.Context, state *S) error) *Builder[S] {
	b.steps = append(b.steps, Step[S]{Name: name, Execute: execute, Compensate: compensate})
	return b
}

// Build returns the saga. journal and logger may be nil.
func (b *Builder[S]) Build(journal Journal, logger logrus.FieldLogger) *Saga[S] {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	steps := make([]Step[S], len(b.steps))
	copy(steps, b.steps)
	return &Saga[S]{
		name:    b.name,
		steps:   steps,
		journal: journal,
		logger:  logger.WithField("saga", b.name),
		nowFunc: time.Now,
	}
}

// Saga is an immutable list of steps. Run may be called many times.
type Saga[S any] struct {
	name    string
	steps   []Step[S]
	journal Journal
	logger  logrus.FieldLogger
	nowFunc func() time.Time
}

// Run executes every step in order against state. Steps are not retried.
//
// On success the execution is completed and the error is nil. When step k
// fails, steps k-1..0 are compensated in that order and the error has kind
// SagaStepFailure; if any compensation fails the remaining ones still run, the
// execution ends rollback_failed and the error has kind RollbackFailure. The
// execution is never left in a non-terminal state.
func (s *Saga[S]) Run(ctx context.Context, key string, state *S) (*Execution, error) {
	now := s.nowFunc().UTC()
	exec := &Execution{
		ID:            uuid.NewString(),
		Saga:          s.name,
		Key:           key,
		Status:        StatusPending,
		LastCompleted: -1,
		Steps:         make([]StepOutcome, len(s.steps)),
		StartedAt:     now,
		UpdatedAt:     now,
	}
	for i, st := range s.steps {
		exec.Steps[i].Name = st.Name
	}
	log := s.logger.WithFields(logrus.Fields{"execution_id": exec.ID, "key": key})

	s.transition(ctx, exec, StatusRunning)

	for i, st := range s.steps {
		if err := st.Execute(ctx, state); err != nil {
			exec.FailedStep = st.Name
			exec.Steps[i].Error = err.Error()
			log.WithField("step", st.Name).WithError(err).Warn("saga step failed, rolling back")
			s.rollback(ctx, log, exec, state, err)
			return exec, exec.Err
		}
		exec.Steps[i].Executed = true
		exec.LastCompleted = i
		log.WithField("step", st.Name).Debug("saga step completed")
	}

	s.transition(ctx, exec, StatusCompleted)
	log.Info("saga completed")
	return exec, nil
}

func (s *Saga[S]) rollback(ctx context.Context, log logrus.FieldLogger, exec *Execution, state *S, cause error) {
	s.transition(ctx, exec, StatusRollingBack)

	// Compensation runs to the end even if the caller gives up.
	cctx := context.WithoutCancel(ctx)
	for i := exec.LastCompleted; i >= 0; i-- {
		st := s.steps[i]
		if st.Compensate == nil {
			continue
		}
		if err := st.Compensate(cctx, state); err != nil {
			exec.Steps[i].CompensationErr = err.Error()
			exec.CompensationErrors = append(exec.CompensationErrors, fmt.Errorf("compensate %s: %w", st.Name, err))
			log.WithField("step", st.Name).WithError(err).Error("saga compensation failed")
			continue
		}
		exec.Steps[i].Compensated = true
	}

	stepErr := apperror.New(apperror.KindSagaStepFailure, s.name, fmt.Errorf("step %s: %w", exec.FailedStep, cause))
	if len(exec.CompensationErrors) > 0 {
		exec.Err = apperror.New(apperror.KindRollbackFailure, s.name,
			errors.Join(append([]error{stepErr}, exec.CompensationErrors...)...))
		s.transition(cctx, exec, StatusRollbackFailed)
		log.WithField("failed_step", exec.FailedStep).Error("saga rollback incomplete, manual recovery required")
		return
	}
	exec.Err = stepErr
	s.transition(cctx, exec, StatusRolledBack)
	log.WithField("failed_step", exec.FailedStep).Info("saga rolled back")
}

func (s *Saga[S]) transition(ctx context.Context, exec *Execution, status Status) {
	exec.Status = status
	exec.UpdatedAt = s.nowFunc().UTC()
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(ctx, exec); err != nil {
		s.logger.WithFields(logrus.Fields{"execution_id": exec.ID, "status": status}).
			WithError(err).Warn("saga journal write failed")
	}
}
