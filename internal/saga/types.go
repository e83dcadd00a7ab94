package saga

import (
	"context"
	"time"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusRollingBack    Status = "rolling_back"
	StatusRolledBack     Status = "rolled_back"
	StatusRollbackFailed Status = "rollback_failed"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusRollbackFailed:
		return true
	}
	return false
}

// Step is one forward action and its best-effort inverse. State is shared by
// all steps of a saga, so a value produced by one Execute is read by later
// steps and by its own Compensate.
type Step[S any] struct {
	Name       string
	Execute    func(ctx context.Context, state *S) error
	Compensate func(ctx context.Context, state *S) error
}

// StepOutcome is what happened to one step during a run.
type StepOutcome struct {
	Name            string `dynamodbav:"name" json:"name"`
	Executed        bool   `dynamodbav:"executed" json:"executed"`
	Compensated     bool   `dynamodbav:"compensated" json:"compensated"`
	Error           string `dynamodbav:"error,omitempty" json:"error,omitempty"`
	CompensationErr string `dynamodbav:"compensation_error,omitempty" json:"compensation_error,omitempty"`
}

// Execution is the record of one saga run.
type Execution struct {
	ID     string `dynamodbav:"execution_id"` // PK
	Saga   string `dynamodbav:"saga"`
	Key    string `dynamodbav:"entity_key,omitempty"`
	Status Status `dynamodbav:"status"`
	// LastCompleted is the index of the highest step whose Execute succeeded,
	// -1 when none did.
	LastCompleted int           `dynamodbav:"last_completed"`
	FailedStep    string        `dynamodbav:"failed_step,omitempty"`
	Steps         []StepOutcome `dynamodbav:"steps"`
	StartedAt     time.Time     `dynamodbav:"started_at"`
	UpdatedAt     time.Time     `dynamodbav:"updated_at"`

	// Err is the step failure, or the rollback failure when a compensation
	// also failed.
	Err error `dynamodbav:"-"`
	// CompensationErrors holds every compensation failure in the order they
	// happened.
	CompensationErrors []error `dynamodbav:"-"`
}

// Journal persists executions as they progress.
type Journal interface {
	Save(ctx context.Context, exec *Execution) error
}
