package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-auth-api/internal/domain"
	jwtinfra "github.com/go-auth-api/internal/infrastructure/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTokenStore is an in-memory token store with the same atomic
// consume-on-delete contract as the DynamoDB repo.
type memTokenStore struct {
	mu   sync.Mutex
	recs map[string]domain.TokenRecord
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{recs: make(map[string]domain.TokenRecord)}
}

func (m *memTokenStore) key(userID string, kind domain.TokenKind, token string) string {
	return userID + "|" + string(kind) + "#" + token
}

func (m *memTokenStore) Put(_ context.Context, t *domain.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[m.key(t.UserID, t.Kind, t.Token)] = *t
	return nil
}

func (m *memTokenStore) Consume(_ context.Context, userID string, kind domain.TokenKind, token string) (*domain.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(userID, kind, token)
	rec, ok := m.recs[k]
	if !ok || rec.Blacklisted || rec.ExpiresAt <= time.Now().Unix() {
		return nil, fmt.Errorf("token record missing: %w", domain.ErrNotFound)
	}
	delete(m.recs, k)
	return &rec, nil
}

func (m *memTokenStore) Delete(_ context.Context, userID string, kind domain.TokenKind, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, m.key(userID, kind, token))
	return nil
}

func (m *memTokenStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func newTestService(t *testing.T, store *memTokenStore) Service {
	t.Helper()
	codec, err := jwtinfra.NewProvider("test-secret")
	require.NoError(t, err)
	return NewService(ServiceDeps{
		TokenRepo:  store,
		Codec:      codec,
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	})
}

func TestMintPair(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Access.Token)
	assert.NotEmpty(t, pair.Refresh.Token)
	assert.NotEqual(t, pair.Access.Token, pair.Refresh.Token)
	assert.True(t, pair.Refresh.Expires.After(pair.Access.Expires))

	// only the refresh token is persisted
	assert.Equal(t, 1, store.len())
}

func TestRotate_HappyPath(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	newPair, userID, err := svc.Rotate(context.Background(), pair.Refresh.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.NotEmpty(t, newPair.Access.Token)
	assert.NotEqual(t, pair.Refresh.Token, newPair.Refresh.Token)
}

func TestRotate_ReuseAfterRotateFails(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	_, _, err = svc.Rotate(context.Background(), pair.Refresh.Token)
	require.NoError(t, err)

	// signature and natural expiry are still valid, but the record is gone
	_, _, err = svc.Rotate(context.Background(), pair.Refresh.Token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTokenRevoked))
}

func TestRotate_ForgedToken(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	_, _, err := svc.Rotate(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidToken))
}

func TestRotate_AccessTokenRejected(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	_, _, err = svc.Rotate(context.Background(), pair.Access.Token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidToken))
}

func TestRotate_ExpiredToken(t *testing.T) {
	store := newMemTokenStore()
	codec, err := jwtinfra.NewProvider("test-secret")
	require.NoError(t, err)
	svc := NewService(ServiceDeps{
		TokenRepo:  store,
		Codec:      codec,
		AccessTTL:  time.Minute,
		RefreshTTL: -time.Minute,
	})

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	_, _, err = svc.Rotate(context.Background(), pair.Refresh.Token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExpiredToken))
}

func TestRotate_ConcurrentExactlyOneWins(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.Rotate(context.Background(), pair.Refresh.Token)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, domain.ErrTokenRevoked))
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRevoke(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), pair.Refresh.Token))
	assert.Equal(t, 0, store.len())

	// a revoked refresh token can never rotate again
	_, _, err = svc.Rotate(context.Background(), pair.Refresh.Token)
	assert.True(t, errors.Is(err, domain.ErrTokenRevoked))
}

func TestRevoke_Idempotent(t *testing.T) {
	store := newMemTokenStore()
	svc := newTestService(t, store)

	pair, err := svc.MintPair(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(context.Background(), pair.Refresh.Token))
	require.NoError(t, svc.Revoke(context.Background(), pair.Refresh.Token))
	require.NoError(t, svc.Revoke(context.Background(), "garbage"))
}
