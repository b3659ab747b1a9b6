package user

import (
	"context"
	"errors"
	"testing"

	"github.com/go-auth-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- mocks ---

type mockUserStore struct{ mock.Mock }

func (m *mockUserStore) Get(ctx context.Context, userID string) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if u, _ := args.Get(0).(*domain.User); u != nil {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockUserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if u, _ := args.Get(0).(*domain.User); u != nil {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockUserStore) Update(ctx context.Context, userID string, updates map[string]interface{}) error {
	return m.Called(ctx, userID, updates).Error(0)
}

func ptr[T any](v T) *T { return &v }

// --- Update tests ---

func TestUpdate_EmptyRequest_ReturnsExistingUser(t *testing.T) {
	us := &mockUserStore{}
	existing := &domain.User{UserID: "u1", Email: "a@x.com"}
	us.On("Get", mock.Anything, "u1").Return(existing, nil)

	svc := NewService(us)
	u, err := svc.Update(context.Background(), "u1", domain.UpdateUserRequest{})

	require.NoError(t, err)
	assert.Equal(t, existing, u)
	us.AssertExpectations(t)
}

func TestUpdate_EmailConflict(t *testing.T) {
	us := &mockUserStore{}
	us.On("GetByEmail", mock.Anything, "taken@x.com").Return(&domain.User{UserID: "someone-else"}, nil)

	svc := NewService(us)
	_, err := svc.Update(context.Background(), "u1", domain.UpdateUserRequest{
		Email: ptr("Taken@X.com"),
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEmailTaken))
	us.AssertExpectations(t)
}

func TestUpdate_OwnEmailIsNotAConflict(t *testing.T) {
	us := &mockUserStore{}
	updated := &domain.User{UserID: "u1", Email: "a@x.com"}
	us.On("GetByEmail", mock.Anything, "a@x.com").Return(&domain.User{UserID: "u1"}, nil)
	us.On("Update", mock.Anything, "u1", mock.Anything).Return(nil)
	us.On("Get", mock.Anything, "u1").Return(updated, nil)

	svc := NewService(us)
	u, err := svc.Update(context.Background(), "u1", domain.UpdateUserRequest{
		Email: ptr("a@x.com"),
	})

	require.NoError(t, err)
	assert.Equal(t, "a@x.com", u.Email)
	us.AssertExpectations(t)
}

func TestUpdate_EmailChangeResetsVerification(t *testing.T) {
	us := &mockUserStore{}
	us.On("GetByEmail", mock.Anything, "new@x.com").Return(nil, domain.ErrNotFound)
	us.On("Update", mock.Anything, "u1", mock.MatchedBy(func(updates map[string]interface{}) bool {
		return updates[fieldEmail] == "new@x.com" && updates[fieldEmailVerified] == false
	})).Return(nil)
	us.On("Get", mock.Anything, "u1").Return(&domain.User{UserID: "u1", Email: "new@x.com"}, nil)

	svc := NewService(us)
	_, err := svc.Update(context.Background(), "u1", domain.UpdateUserRequest{
		Email: ptr("  New@X.com "),
	})

	require.NoError(t, err)
	us.AssertExpectations(t)
}

func TestUpdate_Name(t *testing.T) {
	us := &mockUserStore{}
	updated := &domain.User{UserID: "u1", Name: "Bob"}
	us.On("Update", mock.Anything, "u1", mock.MatchedBy(func(updates map[string]interface{}) bool {
		return updates[fieldName] == "Bob"
	})).Return(nil)
	us.On("Get", mock.Anything, "u1").Return(updated, nil)

	svc := NewService(us)
	u, err := svc.Update(context.Background(), "u1", domain.UpdateUserRequest{Name: ptr("Bob")})

	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Name)
	us.AssertExpectations(t)
}

// --- ToggleTwoFactor tests ---

func TestToggleTwoFactor_EnablesWhenDisabled(t *testing.T) {
	us := &mockUserStore{}
	us.On("Get", mock.Anything, "u1").Return(&domain.User{UserID: "u1", TwoFactorEnabled: false}, nil)
	us.On("Update", mock.Anything, "u1", mock.MatchedBy(func(updates map[string]interface{}) bool {
		return updates[fieldTwoFactorEnabled] == true
	})).Return(nil)

	svc := NewService(us)
	u, err := svc.ToggleTwoFactor(context.Background(), "u1")

	require.NoError(t, err)
	assert.True(t, u.TwoFactorEnabled)
	us.AssertExpectations(t)
}

func TestToggleTwoFactor_DisablesWhenEnabled(t *testing.T) {
	us := &mockUserStore{}
	us.On("Get", mock.Anything, "u1").Return(&domain.User{UserID: "u1", TwoFactorEnabled: true}, nil)
	us.On("Update", mock.Anything, "u1", mock.MatchedBy(func(updates map[string]interface{}) bool {
		return updates[fieldTwoFactorEnabled] == false
	})).Return(nil)

	svc := NewService(us)
	u, err := svc.ToggleTwoFactor(context.Background(), "u1")

	require.NoError(t, err)
	assert.False(t, u.TwoFactorEnabled)
	us.AssertExpectations(t)
}

func TestToggleTwoFactor_UnknownUser(t *testing.T) {
	us := &mockUserStore{}
	us.On("Get", mock.Anything, "ghost").Return(nil, domain.ErrNotFound)

	svc := NewService(us)
	_, err := svc.ToggleTwoFactor(context.Background(), "ghost")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// --- ChangePassword tests ---

func TestChangePassword_WrongCurrentPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("real-password"), bcrypt.MinCost)
	require.NoError(t, err)

	us := &mockUserStore{}
	us.On("Get", mock.Anything, "u1").Return(&domain.User{UserID: "u1", PasswordHash: string(hash)}, nil)

	svc := NewService(us)
	err = svc.ChangePassword(context.Background(), "u1", "guess", "new-password-1")

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidCredentials))
	us.AssertExpectations(t)
}

func TestChangePassword_HappyPath(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("real-password"), bcrypt.MinCost)
	require.NoError(t, err)

	us := &mockUserStore{}
	us.On("Get", mock.Anything, "u1").Return(&domain.User{UserID: "u1", PasswordHash: string(hash)}, nil)
	us.On("Update", mock.Anything, "u1", mock.MatchedBy(func(updates map[string]interface{}) bool {
		newHash, ok := updates[fieldPasswordHash].(string)
		if !ok {
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(newHash), []byte("new-password-1")) == nil
	})).Return(nil)

	svc := NewService(us)
	err = svc.ChangePassword(context.Background(), "u1", "real-password", "new-password-1")

	require.NoError(t, err)
	us.AssertExpectations(t)
}
