package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-auth-api/internal/domain"
)

// TokenRepo manages persisted token records (refresh, reset, verify, otp).
// PK: user_id, SK: "<kind>#<token>". Keying by user scopes OTP codes per
// (user, kind); signed tokens are addressed from their verified claims, so
// no token-value GSI is needed.
type TokenRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewTokenRepo(client *dynamodb.Client, tableName string) *TokenRepo {
	return &TokenRepo{client: client, tableName: tableName}
}

func tokenSK(kind domain.TokenKind, token string) string {
	return string(kind) + "#" + token
}

func (r *TokenRepo) Put(ctx context.Context, t *domain.TokenRecord) error {
	t.SK = tokenSK(t.Kind, t.Token)
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

// Consume atomically deletes the record if it exists, is not blacklisted and
// has not expired, returning the deleted record. Exactly one of two
// concurrent callers racing on the same token wins; the loser gets
// ErrNotFound. This is the single store primitive behind OTP consumption,
// refresh rotation and reset-token use.
func (r *TokenRepo) Consume(ctx context.Context, userID string, kind domain.TokenKind, token string) (*domain.TokenRecord, error) {
	now := time.Now().Unix()
	out, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 compositeKey("user_id", userID, "sk", tokenSK(kind, token)),
		ConditionExpression: aws.String("blacklisted = :f AND expires_at > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f":   &types.AttributeValueMemberBOOL{Value: false},
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("token record missing, blacklisted or expired: %w", domain.ErrNotFound)
		}
		return nil, err
	}
	if out.Attributes == nil {
		return nil, fmt.Errorf("token record missing: %w", domain.ErrNotFound)
	}
	var rec domain.TokenRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get fetches a record without consuming it. Blacklisted or expired rows
// are reported as missing.
func (r *TokenRepo) Get(ctx context.Context, userID string, kind domain.TokenKind, token string) (*domain.TokenRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       compositeKey("user_id", userID, "sk", tokenSK(kind, token)),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("token record missing: %w", domain.ErrNotFound)
	}
	var rec domain.TokenRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, err
	}
	if rec.Blacklisted || rec.ExpiresAt <= time.Now().Unix() {
		return nil, fmt.Errorf("token record blacklisted or expired: %w", domain.ErrNotFound)
	}
	return &rec, nil
}

// Delete removes a record unconditionally. Absence is not an error, so
// revocation can be retried safely.
func (r *TokenRepo) Delete(ctx context.Context, userID string, kind domain.TokenKind, token string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       compositeKey("user_id", userID, "sk", tokenSK(kind, token)),
	})
	return err
}

// DeleteAllByKind removes every record of the given kinds for a user.
// Used after a password reset to force re-login everywhere.
func (r *TokenRepo) DeleteAllByKind(ctx context.Context, userID string, kinds ...domain.TokenKind) error {
	var firstErr error
	for _, kind := range kinds {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("user_id = :uid AND begins_with(sk, :p)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":uid": &types.AttributeValueMemberS{Value: userID},
				":p":   &types.AttributeValueMemberS{Value: string(kind) + "#"},
			},
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, item := range out.Items {
			skAttr, ok := item["sk"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.tableName),
				Key:       compositeKey("user_id", userID, "sk", skAttr.Value),
			})
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
