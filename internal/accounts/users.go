package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
)

// ErrUserExists is returned by Create when the user id is taken.
var ErrUserExists = errors.New("user already exists")

// UserStore encapsulates operations on the users table.
type UserStore struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewUserStore creates a new UserStore.
func NewUserStore(client aws.DynamoDBAPI, tableName string) *UserStore {
	return &UserStore{client: client, tableName: tableName, nowFunc: time.Now}
}

// Create inserts a pending user. Returns ErrUserExists if the id is taken.
func (s *UserStore) Create(ctx context.Context, nu NewUser) (*User, error) {
	u := User{
		UserID:    nu.UserID,
		Email:     nu.Email,
		Name:      nu.Name,
		Claims:    PendingClaims(),
		CreatedAt: s.nowFunc().UTC(),
	}
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		return nil, fmt.Errorf("marshal user: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(user_id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("put user: %w", err)
	}
	return &u, nil
}

// Get fetches a user by id.
func (s *UserStore) Get(ctx context.Context, userID string) (*User, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       userKey(userID),
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, apperror.Newf(apperror.KindNotFound, "accounts.get_user", "user %s not found", userID)
	}
	var u User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// Delete removes a user. Deleting a missing user is not an error.
func (s *UserStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key:       userKey(userID),
	}); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// AttachKey records keyID as the user's API key. An empty keyID detaches it.
func (s *UserStore) AttachKey(ctx context.Context, userID, keyID string) error {
	return s.set(ctx, userID, "api_key_id", &types.AttributeValueMemberS{Value: keyID})
}

// SetClaims replaces the user's claims.
func (s *UserStore) SetClaims(ctx context.Context, userID string, claims Claims) error {
	av, err := attributevalue.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	return s.set(ctx, userID, "claims", av)
}

func (s *UserStore) set(ctx context.Context, userID, attr string, value types.AttributeValue) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       userKey(userID),
		UpdateExpression:          awsString("SET #a = :v"),
		ConditionExpression:       awsString("attribute_exists(user_id)"),
		ExpressionAttributeNames:  map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": value},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return apperror.Newf(apperror.KindNotFound, "accounts.update_user", "user %s not found", userID)
		}
		return fmt.Errorf("update user %s: %w", attr, err)
	}
	return nil
}

func userKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}
