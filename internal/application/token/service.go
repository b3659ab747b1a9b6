package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-auth-api/internal/domain"
	jwtinfra "github.com/go-auth-api/internal/infrastructure/jwt"
)

type tokenStore interface {
	Put(ctx context.Context, t *domain.TokenRecord) error
	Consume(ctx context.Context, userID string, kind domain.TokenKind, token string) (*domain.TokenRecord, error)
	Delete(ctx context.Context, userID string, kind domain.TokenKind, token string) error
}

type codec interface {
	Issue(userID string, kind domain.TokenKind, ttl time.Duration) (string, time.Time, error)
	Verify(token string, kind domain.TokenKind) (*jwtinfra.Claims, error)
}

// Service mints, rotates and revokes access/refresh token pairs.
type Service interface {
	MintPair(ctx context.Context, userID string) (*domain.TokenPair, error)
	Rotate(ctx context.Context, refreshToken string) (*domain.TokenPair, string, error)
	Revoke(ctx context.Context, refreshToken string) error
}

type service struct {
	tokenRepo  tokenStore
	codec      codec
	accessTTL  time.Duration
	refreshTTL time.Duration
}

type ServiceDeps struct {
	TokenRepo  tokenStore
	Codec      codec
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func NewService(deps ServiceDeps) Service {
	return &service{
		tokenRepo:  deps.TokenRepo,
		codec:      deps.Codec,
		accessTTL:  deps.AccessTTL,
		refreshTTL: deps.RefreshTTL,
	}
}

// MintPair issues a short-lived access token and a longer-lived refresh
// token for the subject. Only the refresh token is persisted; access tokens
// verify statelessly.
func (s *service) MintPair(ctx context.Context, userID string) (*domain.TokenPair, error) {
	access, accessExp, err := s.codec.Issue(userID, domain.TokenKindAccess, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, refreshExp, err := s.codec.Issue(userID, domain.TokenKindRefresh, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	rec := &domain.TokenRecord{
		UserID:    userID,
		Token:     refresh,
		Kind:      domain.TokenKindRefresh,
		ExpiresAt: refreshExp.Unix(),
	}
	if err := s.tokenRepo.Put(ctx, rec); err != nil {
		return nil, err
	}
	return &domain.TokenPair{
		Access:  domain.TokenDetail{Token: access, Expires: accessExp},
		Refresh: domain.TokenDetail{Token: refresh, Expires: refreshExp},
	}, nil
}

// Rotate exchanges a valid refresh token for a fresh pair. The old record is
// consumed atomically first, so a refresh token that has been rotated once
// can never produce another pair; a raced or replayed rotation observes
// ErrTokenRevoked. Returns the new pair and the subject user id.
func (s *service) Rotate(ctx context.Context, refreshToken string) (*domain.TokenPair, string, error) {
	claims, err := s.codec.Verify(refreshToken, domain.TokenKindRefresh)
	if err != nil {
		return nil, "", err
	}
	if _, err := s.tokenRepo.Consume(ctx, claims.Subject, domain.TokenKindRefresh, refreshToken); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, "", fmt.Errorf("refresh token not recognized: %w", domain.ErrTokenRevoked)
		}
		return nil, "", err
	}
	pair, err := s.MintPair(ctx, claims.Subject)
	if err != nil {
		return nil, "", err
	}
	return pair, claims.Subject, nil
}

// Revoke deletes the refresh token's record. Idempotent: an unknown, already
// revoked or malformed token is not an error, so logout can be retried.
func (s *service) Revoke(ctx context.Context, refreshToken string) error {
	claims, err := s.codec.Verify(refreshToken, domain.TokenKindRefresh)
	if err != nil {
		return nil
	}
	return s.tokenRepo.Delete(ctx, claims.Subject, domain.TokenKindRefresh, refreshToken)
}
