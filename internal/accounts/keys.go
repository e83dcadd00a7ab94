package accounts

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
	"github.com/imrishuroy/go-reliable-taskflow/internal/aws"
)

const secretBytes = 24

// KeyStore issues, verifies and revokes API keys.
type KeyStore struct {
	client     aws.DynamoDBAPI
	tableName  string
	bcryptCost int
	nowFunc    func() time.Time
}

// NewKeyStore creates a KeyStore over the user keys table.
func NewKeyStore(client aws.DynamoDBAPI, tableName string) *KeyStore {
	return &KeyStore{
		client:     client,
		tableName:  tableName,
		bcryptCost: bcrypt.DefaultCost,
		nowFunc:    time.Now,
	}
}

// Issue creates an active key for userID and returns its token. The token is
// not stored and cannot be recovered.
func (s *KeyStore) Issue(ctx context.Context, userID string) (*IssuedKey, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	key := APIKey{
		KeyID:     uuid.NewString(),
		UserID:    userID,
		Hash:      string(hash),
		Status:    KeyActive,
		CreatedAt: s.nowFunc().UTC(),
	}
	item, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(key_id)"),
	}); err != nil {
		return nil, fmt.Errorf("put key: %w", err)
	}

	return &IssuedKey{KeyID: key.KeyID, Token: key.KeyID + "." + secret}, nil
}

// Revoke marks a key revoked. The item is kept for audit.
func (s *KeyStore) Revoke(ctx context.Context, keyID string) error {
	revokedAt := s.nowFunc().UTC().Format(time.RFC3339Nano)
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyKey(keyID),
		UpdateExpression:         awsString("SET #s = :revoked, revoked_at = :at"),
		ConditionExpression:      awsString("attribute_exists(key_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":revoked": &types.AttributeValueMemberS{Value: KeyRevoked},
			":at":      &types.AttributeValueMemberS{Value: revokedAt},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return apperror.Newf(apperror.KindNotFound, "accounts.revoke_key", "key %s not found", keyID)
		}
		return fmt.Errorf("revoke key: %w", err)
	}
	return nil
}

// Get fetches a key by id.
func (s *KeyStore) Get(ctx context.Context, keyID string) (*APIKey, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       keyKey(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, apperror.Newf(apperror.KindNotFound, "accounts.get_key", "key %s not found", keyID)
	}
	var k APIKey
	if err := attributevalue.UnmarshalMap(out.Item, &k); err != nil {
		return nil, fmt.Errorf("unmarshal key: %w", err)
	}
	return &k, nil
}

// Verify checks a token and returns its active key. Unknown, revoked and
// mismatched tokens all yield KindUnauthorized.
func (s *KeyStore) Verify(ctx context.Context, token string) (*APIKey, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return nil, apperror.Newf(apperror.KindUnauthorized, "accounts.verify", "malformed api key")
	}
	k, err := s.Get(ctx, keyID)
	if err != nil {
		if apperror.Is(err, apperror.KindNotFound) {
			return nil, apperror.Newf(apperror.KindUnauthorized, "accounts.verify", "unknown api key")
		}
		return nil, apperror.New(apperror.KindDownstream, "accounts.verify", err)
	}
	if k.Status != KeyActive {
		return nil, apperror.Newf(apperror.KindUnauthorized, "accounts.verify", "api key %s is %s", k.KeyID, k.Status)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(secret)); err != nil {
		return nil, apperror.Newf(apperror.KindUnauthorized, "accounts.verify", "api key mismatch")
	}
	return k, nil
}

func keyKey(keyID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key_id": &types.AttributeValueMemberS{Value: keyID},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
