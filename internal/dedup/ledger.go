package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
)

// ErrAlreadyRecorded is returned by MarkProcessed when an unexpired record for
// the event already exists, i.e. a concurrent delivery finished first.
var ErrAlreadyRecorded = errors.New("event already recorded")

const markCondition = "attribute_not_exists(event_id) OR expires_at <= :now"

// Ledger tracks which inbound event identifiers have been processed.
//
// ProcessWithDeduplication is lookup, then act, then record. Two deliveries of
// the same event racing inside that window can both run the action; the
// conditional write only lets the first one record it. Use-cases must
// therefore stay safe to repeat.
type Ledger struct {
	client    aws.DynamoDBAPI
	tableName string
	logger    logrus.FieldLogger
	nowFunc   func() time.Time
}

// NewLedger returns a Ledger bound to tableName.
func NewLedger(client aws.DynamoDBAPI, tableName string, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{
		client:    client,
		tableName: tableName,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Get returns the unexpired record for eventID, or (nil, nil).
func (l *Ledger) Get(ctx context.Context, eventID string) (*Record, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &l.tableName,
		Key:            eventKey(eventID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if rec.Expired(l.nowFunc()) {
		return nil, nil
	}
	return &rec, nil
}

// HasProcessed reports whether eventID was processed inside its TTL window.
func (l *Ledger) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	rec, err := l.Get(ctx, eventID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// MarkProcessed records eventID with processed_at = now and
// expires_at = now + ttl. The write succeeds only when no unexpired record
// exists; otherwise ErrAlreadyRecorded is returned.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.nowFunc()
	rec := Record{
		EventID:     eventID,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &l.tableName,
		Item:                item,
		ConditionExpression: awsString(markCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrAlreadyRecorded
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// ProcessWithDeduplication runs action unless eventID was already processed
// and reports whether it ran. If action fails nothing is recorded and the
// error is returned, so a redelivery is processed again.
func (l *Ledger) ProcessWithDeduplication(ctx context.Context, eventID string, ttl time.Duration, action func(ctx context.Context) error) (bool, error) {
	log := l.logger.WithField("event_id", eventID)

	seen, err := l.HasProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		log.Info("duplicate event detected, skipping")
		return false, nil
	}

	if err := action(ctx); err != nil {
		return false, err
	}

	if err := l.MarkProcessed(ctx, eventID, ttl); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			log.Warn("event processed concurrently by another delivery")
			return true, nil
		}
		return true, fmt.Errorf("dedup record: %w", err)
	}
	return true, nil
}

// Forget deletes the record for eventID so the next delivery is processed.
func (l *Ledger) Forget(ctx context.Context, eventID string) error {
	_, err := l.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &l.tableName,
		Key:       eventKey(eventID),
	})
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

func eventKey(eventID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"event_id": &types.AttributeValueMemberS{Value: eventID},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
