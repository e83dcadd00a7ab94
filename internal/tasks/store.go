package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
)

var (
	// ErrTaskExists is returned by Create when the task id is taken.
	ErrTaskExists = errors.New("task already exists")
	// ErrStatusMismatch is returned when a transition's expected status does not hold.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

// Store encapsulates operations on the tasks table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new tasks Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create persists a new pending task. Returns ErrTaskExists if the id is taken.
func (s *Store) Create(ctx context.Context, t Task) error {
	now := s.nowFunc().UTC()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(task_id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrTaskExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches a task by task_id.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            taskKey(taskID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, apperror.Newf(apperror.KindNotFound, "tasks.get", "task %s not found", taskID)
	}
	var t Task
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// Claim moves a task to PROCESSING for a worker, creating it if the API never
// did, and counts the attempt. Only absent, PENDING or FAILED tasks can be
// claimed; otherwise ErrStatusMismatch is returned with the current status.
func (s *Store) Claim(ctx context.Context, t Task) (string, error) {
	now := s.nowFunc().UTC().Format(time.RFC3339Nano)
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       taskKey(t.TaskID),
		UpdateExpression: awsString("SET #s = :processing, user_id = :u, prompt = :p, key_id = :k, cost = :c, " +
			"created_at = if_not_exists(created_at, :now), updated_at = :now, attempts = if_not_exists(attempts, :zero) + :inc"),
		ConditionExpression:      awsString("attribute_not_exists(task_id) OR #s = :pending OR #s = :failed"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: StatusProcessing},
			":pending":    &types.AttributeValueMemberS{Value: StatusPending},
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":u":          &types.AttributeValueMemberS{Value: t.UserID},
			":p":          &types.AttributeValueMemberS{Value: t.Prompt},
			":k":          &types.AttributeValueMemberS{Value: t.KeyID},
			":c":          &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Cost, 10)},
			":now":        &types.AttributeValueMemberS{Value: now},
			":zero":       &types.AttributeValueMemberN{Value: "0"},
			":inc":        &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err == nil {
		return StatusProcessing, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return "", fmt.Errorf("claim task: %w", err)
	}
	current, getErr := s.Get(ctx, t.TaskID)
	if getErr != nil {
		return "", fmt.Errorf("claim task: %w", getErr)
	}
	return current.Status, ErrStatusMismatch
}

// Complete stores the result of a PROCESSING task.
func (s *Store) Complete(ctx context.Context, taskID, result string) error {
	return s.UpdateStatus(ctx, taskID, StatusProcessing, StatusCompleted, map[string]types.AttributeValue{
		"result": &types.AttributeValueMemberS{Value: result},
	})
}

// Fail moves a PROCESSING task to status (FAILED or REFUND_FAILED) with reason.
func (s *Store) Fail(ctx context.Context, taskID, status, reason string) error {
	return s.UpdateStatus(ctx, taskID, StatusProcessing, status, map[string]types.AttributeValue{
		"failure_reason": &types.AttributeValueMemberS{Value: reason},
	})
}

// UpdateStatus conditionally updates the task status from expected -> newStatus
// and sets extra attributes. Returns ErrStatusMismatch if the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, taskID, expectedStatus, newStatus string, extra map[string]types.AttributeValue) error {
	now := s.nowFunc().UTC()
	updateExpr := "SET #s = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: newStatus},
		":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":expected": &types.AttributeValueMemberS{Value: expectedStatus},
	}
	names := map[string]string{"#s": "status"}
	i := 0
	for attr, v := range extra {
		n := strconv.Itoa(i)
		updateExpr += ", #x" + n + " = :x" + n
		names["#x"+n] = attr
		values[":x"+n] = v
		i++
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       taskKey(taskID),
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("#s = :expected"),
	})
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func taskKey(taskID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"task_id": &types.AttributeValueMemberS{Value: taskID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
