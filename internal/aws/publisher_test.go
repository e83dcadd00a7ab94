package aws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{MessageId: sdkaws.String("msg-1")}, nil
}

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, m.err
}

func TestPublisher_Publish(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/tasks", "taskflow.api")

	id, err := p.Publish(context.Background(), "task.requested", "task-1", map[string]string{"task_id": "task-1"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.Len(t, mock.inputs, 1)
	in := mock.inputs[0]
	assert.Equal(t, "https://sqs.local/tasks", *in.QueueUrl)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &body))
	assert.Equal(t, "task-1", body["task_id"])

	assert.Equal(t, "task.requested", *in.MessageAttributes[AttrDetailType].StringValue)
	assert.Equal(t, "taskflow.api", *in.MessageAttributes[AttrSource].StringValue)
	assert.Equal(t, "task-1", *in.MessageAttributes[AttrEventID].StringValue)
}

func TestPublisher_SendError(t *testing.T) {
	p := NewPublisher(&mockSQS{err: errors.New("throttled")}, "q", "")
	_, err := p.Send(context.Background(), "{}", nil)
	assert.ErrorContains(t, err, "send message: throttled")
}

func TestMetricRecorder_Record(t *testing.T) {
	mock := &mockCloudWatch{}
	r := NewMetricRecorder(mock, "Taskflow", nil)

	r.Record(context.Background(), "TASK-WORKER", "Duplicate")

	require.Len(t, mock.inputs, 1)
	datum := mock.inputs[0].MetricData[0]
	assert.Equal(t, "Taskflow", *mock.inputs[0].Namespace)
	assert.Equal(t, "Duplicate", *datum.MetricName)
	assert.Equal(t, "TASK-WORKER", *datum.Dimensions[0].Value)
}

func TestMetricRecorder_ErrorIsSwallowed(t *testing.T) {
	r := NewMetricRecorder(&mockCloudWatch{err: errors.New("denied")}, "Taskflow", nil)
	assert.NotPanics(t, func() { r.Record(context.Background(), "A", "Failed") })
}
