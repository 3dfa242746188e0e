package user

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/repository"
)

// --- モック ---

type mockUserStore struct {
	findByIDFn   func(ctx context.Context, id string) (*model.User, error)
	deleteByIDFn func(ctx context.Context, id string) error
	calls        *[]string
}

func (m *mockUserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return &model.User{ID: id, Email: "alice@example.com"}, nil
}

func (m *mockUserStore) DeleteByID(ctx context.Context, id string) error {
	if m.calls != nil {
		*m.calls = append(*m.calls, "delete_user")
	}
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

type mockRevoker struct {
	revokeFn func(ctx context.Context, userID string) error
	calls    *[]string
}

func (m *mockRevoker) RevokeUserTokens(ctx context.Context, userID string) error {
	if m.calls != nil {
		*m.calls = append(*m.calls, "revoke_tokens")
	}
	if m.revokeFn != nil {
		return m.revokeFn(ctx, userID)
	}
	return nil
}

// --- テスト ---

func TestProfile_ReturnsUser(t *testing.T) {
	svc := NewService(&mockUserStore{}, &mockRevoker{})

	user, err := svc.Profile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
}

func TestProfile_NotFound_ReturnsAPIError(t *testing.T) {
	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, repository.ErrNotFound
		},
	}
	svc := NewService(users, &mockRevoker{})

	_, err := svc.Profile(context.Background(), "missing")

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeUserNotFound, apiErr.Code)
}

func TestProfile_StoreFailure_IsWrapped(t *testing.T) {
	dbErr := errors.New("connection reset")
	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, dbErr
		},
	}
	svc := NewService(users, &mockRevoker{})

	_, err := svc.Profile(context.Background(), "user-1")
	assert.ErrorIs(t, err, dbErr)
}

func TestWithdraw_RevokesTokensBeforeDeletingUser(t *testing.T) {
	var calls []string
	svc := NewService(&mockUserStore{calls: &calls}, &mockRevoker{calls: &calls})

	require.NoError(t, svc.Withdraw(context.Background(), "user-1"))
	assert.Equal(t, []string{"revoke_tokens", "delete_user"}, calls)
}

func TestWithdraw_RevokeFailure_KeepsUser(t *testing.T) {
	var calls []string
	revoker := &mockRevoker{
		calls: &calls,
		revokeFn: func(ctx context.Context, userID string) error {
			return errors.New("redis down")
		},
	}
	svc := NewService(&mockUserStore{calls: &calls}, revoker)

	err := svc.Withdraw(context.Background(), "user-1")
	require.Error(t, err)
	assert.Equal(t, []string{"revoke_tokens"}, calls)
}

func TestWithdraw_UnknownUser_ReturnsNotFound(t *testing.T) {
	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, repository.ErrNotFound
		},
	}
	var calls []string
	svc := NewService(users, &mockRevoker{calls: &calls})

	err := svc.Withdraw(context.Background(), "missing")

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeUserNotFound, apiErr.Code)
	assert.Empty(t, calls)
}

func TestWithdraw_DeleteRace_ReturnsNotFound(t *testing.T) {
	users := &mockUserStore{
		deleteByIDFn: func(ctx context.Context, id string) error {
			return repository.ErrNotFound
		},
	}
	svc := NewService(users, &mockRevoker{})

	err := svc.Withdraw(context.Background(), "user-1")

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
}
