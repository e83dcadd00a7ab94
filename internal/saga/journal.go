package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
)

// journalItem adds the flattened error text to an Execution.
type journalItem struct {
	Execution
	Error              string   `dynamodbav:"error,omitempty"`
	CompensationErrors []string `dynamodbav:"compensation_errors,omitempty"`
}

// DynamoJournal stores executions in a table keyed by execution_id.
type DynamoJournal struct {
	client    aws.DynamoDBAPI
	tableName string
}

// NewDynamoJournal returns a journal writing into tableName.
func NewDynamoJournal(client aws.DynamoDBAPI, tableName string) *DynamoJournal {
	return &DynamoJournal{client: client, tableName: tableName}
}

// Save overwrites the execution item with its current state.
func (j *DynamoJournal) Save(ctx context.Context, exec *Execution) error {
	item := journalItem{Execution: *exec}
	if exec.Err != nil {
		item.Error = exec.Err.Error()
	}
	for _, err := range exec.CompensationErrors {
		item.CompensationErrors = append(item.CompensationErrors, err.Error())
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := j.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &j.tableName,
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put execution: %w", err)
	}
	return nil
}

// Get loads an execution. Err and CompensationErrors are rebuilt from their
// stored text.
func (j *DynamoJournal) Get(ctx context.Context, executionID string) (*Execution, error) {
	out, err := j.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &j.tableName,
		Key: map[string]types.AttributeValue{
			"execution_id": &types.AttributeValueMemberS{Value: executionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, apperror.Newf(apperror.KindNotFound, "saga.journal", "execution %s not found", executionID)
	}

	var item journalItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	exec := item.Execution
	if item.Error != "" {
		exec.Err = errors.New(item.Error)
	}
	for _, msg := range item.CompensationErrors {
		exec.CompensationErrors = append(exec.CompensationErrors, errors.New(msg))
	}
	return &exec, nil
}
