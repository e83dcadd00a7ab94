package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

type trace struct {
	calls []string
}

type stepDef struct {
	name               string
	failExec, failComp bool
}

func stepFuncs(name string, failExec, failComp bool) (func(context.Context, *trace) error, func(context.Context, *trace) error) {
	exec := func(ctx context.Context, s *trace) error {
		s.calls = append(s.calls, name+".execute")
		if failExec {
			return errors.New(name + " failed")
		}
		return nil
	}
	comp := func(ctx context.Context, s *trace) error {
		s.calls = append(s.calls, name+".compensate")
		if failComp {
			return errors.New(name + " undo failed")
		}
		return nil
	}
	return exec, comp
}

type memJournal struct {
	statuses []Status
}

func (j *memJournal) Save(_ context.Context, exec *Execution) error {
	j.statuses = append(j.statuses, exec.Status)
	return nil
}

func build(t *testing.T, journal Journal, defs ...stepDef) *Saga[trace] {
	t.Helper()
	b := NewBuilder[trace]("test")
	for _, s := range defs {
		exec, comp := stepFuncs(s.name, s.failExec, s.failComp)
		b.AddStep(s.name, exec, comp)
	}
	return b.Build(journal, nil)
}

func TestRun_MiddleStepFailureRollsBack(t *testing.T) {
	journal := &memJournal{}
	s := build(t, journal, stepDef{name: "A"}, stepDef{name: "B", failExec: true}, stepDef{name: "C"})
	state := &trace{}

	exec, err := s.Run(context.Background(), "u1", state)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindSagaStepFailure))
	assert.Equal(t, []string{"A.execute", "B.execute", "A.compensate"}, state.calls)
	assert.Equal(t, StatusRolledBack, exec.Status)
	assert.Equal(t, 0, exec.LastCompleted)
	assert.Equal(t, "B", exec.FailedStep)
	assert.True(t, exec.Steps[0].Compensated)
	assert.False(t, exec.Steps[1].Compensated)
	assert.False(t, exec.Steps[2].Executed)
	assert.Equal(t, []Status{StatusRunning, StatusRollingBack, StatusRolledBack}, journal.statuses)
}

func TestRun_CompensatesInReverseOrder(t *testing.T) {
	s := build(t, nil, stepDef{name: "A"}, stepDef{name: "B"}, stepDef{name: "C"}, stepDef{name: "D", failExec: true})
	state := &trace{}

	_, err := s.Run(context.Background(), "", state)
	require.Error(t, err)
	assert.Equal(t, []string{
		"A.execute", "B.execute", "C.execute", "D.execute",
		"C.compensate", "B.compensate", "A.compensate",
	}, state.calls)
}

func TestRun_CompensationFailureContinuesRollback(t *testing.T) {
	s := build(t, nil, stepDef{name: "A"}, stepDef{name: "B", failComp: true}, stepDef{name: "C", failExec: true})
	state := &trace{}

	exec, err := s.Run(context.Background(), "u2", state)
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindRollbackFailure))
	assert.Equal(t, StatusRollbackFailed, exec.Status)
	assert.Equal(t, []string{"A.execute", "B.execute", "C.execute", "B.compensate", "A.compensate"}, state.calls)
	require.Len(t, exec.CompensationErrors, 1)
	assert.Contains(t, exec.CompensationErrors[0].Error(), "B undo failed")
	assert.True(t, exec.Steps[0].Compensated)
	assert.Contains(t, err.Error(), "C failed")
}

func TestRun_Completed(t *testing.T) {
	journal := &memJournal{}
	s := build(t, journal, stepDef{name: "A"}, stepDef{name: "B"})
	state := &trace{}

	exec, err := s.Run(context.Background(), "u3", state)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.True(t, exec.Status.Terminal())
	assert.Equal(t, 1, exec.LastCompleted)
	assert.Equal(t, []string{"A.execute", "B.execute"}, state.calls)
	assert.Equal(t, []Status{StatusRunning, StatusCompleted}, journal.statuses)
}

func TestRun_FirstStepFailureCompensatesNothing(t *testing.T) {
	s := build(t, nil, stepDef{name: "A", failExec: true}, stepDef{name: "B"})
	state := &trace{}

	exec, err := s.Run(context.Background(), "", state)
	require.Error(t, err)
	assert.Equal(t, StatusRolledBack, exec.Status)
	assert.Equal(t, -1, exec.LastCompleted)
	assert.Equal(t, []string{"A.execute"}, state.calls)
}

func TestRun_StatePassesBetweenSteps(t *testing.T) {
	type provisioning struct {
		key     string
		revoked string
	}
	s := NewBuilder[provisioning]("issue").
		AddStep("issue", func(ctx context.Context, p *provisioning) error {
			p.key = "k-123"
			return nil
		}, func(ctx context.Context, p *provisioning) error {
			p.revoked = p.key
			return nil
		}).
		AddStep("persist", func(ctx context.Context, p *provisioning) error {
			return errors.New("store down")
		}, nil).
		Build(nil, nil)

	var p provisioning
	_, err := s.Run(context.Background(), "", &p)
	require.Error(t, err)
	assert.Equal(t, "k-123", p.revoked)
}

func TestRun_CompensationSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compCtxErr error
	s := NewBuilder[struct{}]("cancel").
		AddStep("A", func(ctx context.Context, _ *struct{}) error { return nil },
			func(ctx context.Context, _ *struct{}) error {
				compCtxErr = ctx.Err()
				return nil
			}).
		AddStep("B", func(ctx context.Context, _ *struct{}) error {
			cancel()
			return ctx.Err()
		}, nil).
		Build(nil, nil)

	exec, err := s.Run(ctx, "", &struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoError(t, compCtxErr)
	assert.Equal(t, StatusRolledBack, exec.Status)
}
