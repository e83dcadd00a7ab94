package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
	"github.com/imrishuroy/go-reliable-taskflow/internal/retry"
)

var errVersionConflict = errors.New("credit account modified concurrently")

// Ledger mutates per-user credit balances. Each mutation is one DynamoDB
// transaction: a version-checked balance update plus the transaction append,
// so the balance never drifts from the sum of its transactions and concurrent
// writers cannot lose updates.
type Ledger struct {
	client          aws.DynamoDBAPI
	accountsTable   string
	historyTable    string
	logger          logrus.FieldLogger
	conflictRetries retry.Policy
	nowFunc         func() time.Time
}

// NewLedger returns a Ledger over the accounts and transaction tables.
func NewLedger(client aws.DynamoDBAPI, accountsTable, historyTable string, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Ledger{
		client:        client,
		accountsTable: accountsTable,
		historyTable:  historyTable,
		logger:        logger,
		nowFunc:       time.Now,
	}
	l.conflictRetries = retry.Policy{
		Retries:     5,
		Delay:       20 * time.Millisecond,
		Exponential: true,
		Retryable:   func(err error) bool { return errors.Is(err, errVersionConflict) },
		OnRetry: func(err error, attempt int, wait time.Duration) {
			l.logger.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Debug("credit update conflict, retrying")
		},
	}
	return l
}

// Account returns the stored account, or a zero-balance account if absent.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &l.accountsTable,
		Key:            userKey(userID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, apperror.New(apperror.KindDownstream, "credits.account", fmt.Errorf("get item: %w", err))
	}
	if len(out.Item) == 0 {
		return &Account{UserID: userID}, nil
	}
	var acc Account
	if err := attributevalue.UnmarshalMap(out.Item, &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account: %w", err)
	}
	return &acc, nil
}

// Balance returns the current balance for userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Check reports whether userID can afford amount.
func (l *Ledger) Check(ctx context.Context, userID string, amount int64) (bool, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Adjust applies req and returns the new balance. A decrement larger than the
// balance fails with KindInsufficientCredits and writes nothing; an increment
// that would overflow the balance fails with KindValidation.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (int64, error) {
	if fields := req.validate(); len(fields) > 0 {
		return 0, apperror.Validation("credits.adjust", fields, errors.New("invalid adjust request"))
	}

	log := l.logger.WithFields(logrus.Fields{
		"user_id":   req.UserID,
		"amount":    req.Amount,
		"direction": req.Direction,
	})

	adjust := retry.WithRetry(l.adjustOnce, l.conflictRetries)
	balance, err := adjust(ctx, req)
	if err != nil {
		if errors.Is(err, errVersionConflict) {
			log.Warn("credit update abandoned after repeated conflicts")
			return 0, apperror.New(apperror.KindConflict, "credits.adjust", err)
		}
		if apperror.Is(err, apperror.KindInsufficientCredits) {
			log.Info("insufficient credits")
		}
		return 0, err
	}

	log.WithField("balance", balance).Info("credits adjusted")
	return balance, nil
}

func (l *Ledger) adjustOnce(ctx context.Context, req AdjustRequest) (int64, error) {
	acc, err := l.Account(ctx, req.UserID)
	if err != nil {
		return 0, err
	}

	var (
		next   int64
		signed int64
		txType TransactionType
	)
	switch req.Direction {
	case Increment:
		if req.Amount > math.MaxInt64-acc.Balance {
			return 0, apperror.Validation("credits.adjust",
				map[string]string{"amount": "would overflow balance"},
				fmt.Errorf("balance %d cannot grow by %d", acc.Balance, req.Amount))
		}
		next = acc.Balance + req.Amount
		signed = req.Amount
		txType = TypeCredit
	case Decrement:
		if acc.Balance < req.Amount {
			return 0, apperror.Newf(apperror.KindInsufficientCredits, "credits.adjust",
				"balance %d is less than %d", acc.Balance, req.Amount)
		}
		next = acc.Balance - req.Amount
		signed = -req.Amount
		txType = TypeDebit
	}

	now := l.nowFunc().UTC()
	tx := Transaction{
		UserID:        req.UserID,
		Timestamp:     now.Format(timestampLayout),
		TransactionID: uuid.NewString(),
		Amount:        signed,
		Type:          txType,
		KeyID:         req.KeyID,
		BalanceAfter:  next,
	}
	txItem, err := attributevalue.MarshalMap(tx)
	if err != nil {
		return 0, fmt.Errorf("marshal transaction: %w", err)
	}

	values := map[string]types.AttributeValue{
		":bal":  &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		":next": &types.AttributeValueMemberN{Value: strconv.FormatInt(acc.Version+1, 10)},
		":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	condition := "attribute_not_exists(user_id)"
	if acc.Version > 0 {
		condition = "#v = :prev"
		values[":prev"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(acc.Version, 10)}
	}

	_, err = l.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                 &l.accountsTable,
					Key:                       userKey(req.UserID),
					UpdateExpression:          awsString("SET balance = :bal, #v = :next, updated_at = :ua"),
					ConditionExpression:       &condition,
					ExpressionAttributeNames:  map[string]string{"#v": "version"},
					ExpressionAttributeValues: values,
				},
			},
			{
				Put: &types.Put{
					TableName:           &l.historyTable,
					Item:                txItem,
					ConditionExpression: awsString("attribute_not_exists(user_id)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && hasConditionFailure(tce) {
			return 0, errVersionConflict
		}
		return 0, apperror.New(apperror.KindDownstream, "credits.adjust", fmt.Errorf("transact write: %w", err))
	}
	return next, nil
}

// Transactions returns every recorded transaction for userID, oldest first.
func (l *Ledger) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	input := &dyn.QueryInput{
		TableName:              &l.historyTable,
		KeyConditionExpression: awsString("user_id = :u"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: awsBool(true),
	}

	var txs []Transaction
	for {
		out, err := l.client.Query(ctx, input)
		if err != nil {
			return nil, apperror.New(apperror.KindDownstream, "credits.transactions", fmt.Errorf("query: %w", err))
		}
		var page []Transaction
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal transactions: %w", err)
		}
		txs = append(txs, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return txs, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func hasConditionFailure(tce *types.TransactionCanceledException) bool {
	for _, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
