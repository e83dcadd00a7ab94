package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/validation"
)

type fakePublisher struct {
	err       error
	published []validation.TaskMessage
	eventIDs  []string
}

func (p *fakePublisher) Publish(ctx context.Context, detailType, eventID string, payload interface{}) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, payload.(validation.TaskMessage))
	p.eventIDs = append(p.eventIDs, eventID)
	return "msg-" + eventID, nil
}

func TestSubmit_QueuesPendingTask(t *testing.T) {
	e := newEnv(t, 5)
	pub := &fakePublisher{}
	sub := NewSubmitter(e.store, e.ledger, pub, 2, nil)

	task, err := sub.Submit(context.Background(), validation.CreateTaskRequest{UserID: "u1", Prompt: "hello", KeyID: "k1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, int64(2), task.Cost)

	require.Len(t, pub.published, 1)
	assert.Equal(t, task.TaskID, pub.eventIDs[0])
	assert.Equal(t, task.TaskID, pub.published[0].TaskID)
	assert.Equal(t, "hello", pub.published[0].Prompt)
	// submitting never charges
	assert.Equal(t, int64(5), e.balance(t))
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	e := newEnv(t, 1)
	pub := &fakePublisher{}
	sub := NewSubmitter(e.store, e.ledger, pub, 2, nil)

	_, err := sub.Submit(context.Background(), validation.CreateTaskRequest{UserID: "u1", Prompt: "hello"})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindInsufficientCredits))
	assert.Empty(t, pub.published)
	assert.Empty(t, e.fake.Items("Tasks"))
}

func TestSubmit_PublishFailureMarksTaskFailed(t *testing.T) {
	e := newEnv(t, 5)
	pub := &fakePublisher{err: errors.New("queue unavailable")}
	sub := NewSubmitter(e.store, e.ledger, pub, 2, nil)

	_, err := sub.Submit(context.Background(), validation.CreateTaskRequest{UserID: "u1", Prompt: "hello"})
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindDownstream))

	items := e.fake.Items("Tasks")
	require.Len(t, items, 1)
	var task Task
	require.NoError(t, attributevalue.UnmarshalMap(items[0], &task))
	assert.Equal(t, StatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "queue unavailable")
}
