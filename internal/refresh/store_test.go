package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/repository"
)

// memRepo はテスト用のインメモリRefreshTokenRepository。
type memRepo struct {
	mu      sync.Mutex
	tokens  map[string]*model.RefreshToken
	failErr error
}

func newMemRepo() *memRepo {
	return &memRepo{tokens: make(map[string]*model.RefreshToken)}
}

func (m *memRepo) Create(_ context.Context, t *model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	cp := *t
	m.tokens[t.TokenHash] = &cp
	return nil
}

func (m *memRepo) FindByHash(_ context.Context, h string) (*model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	t, ok := m.tokens[h]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memRepo) Rotate(_ context.Context, oldHash, newHash string, expiresAt time.Time) (*model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	old, ok := m.tokens[oldHash]
	if !ok || !old.IsActive(time.Now()) {
		return nil, repository.ErrNotFound
	}
	now := time.Now()
	old.RevokedAt = &now
	old.ReplacedBy = newHash
	next := &model.RefreshToken{TokenHash: newHash, UserID: old.UserID, TokenVersion: old.TokenVersion, ExpiresAt: expiresAt, CreatedAt: now}
	m.tokens[newHash] = next
	cp := *next
	return &cp, nil
}

func (m *memRepo) Revoke(_ context.Context, h string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[h]; ok && t.RevokedAt == nil {
		now := time.Now()
		t.RevokedAt = &now
	}
	return nil
}

func (m *memRepo) RevokeAllByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, t := range m.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &now
		}
	}
	return nil
}

func TestStore_Issue_ReturnsHexTokenAndStoresOnlyHash(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, 0)

	issued, err := s.Issue(context.Background(), "user-1", 1)
	require.NoError(t, err)

	assert.Len(t, issued.Raw, 80)
	assert.Regexp(t, `^[0-9a-f]{80}$`, issued.Raw)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), issued.ExpiresAt, time.Minute)

	_, rawStored := repo.tokens[issued.Raw]
	assert.False(t, rawStored, "raw token must not be used as storage key")
	_, hashStored := repo.tokens[Hash(issued.Raw)]
	assert.True(t, hashStored)
}

func TestStore_Issue_ProducesDistinctTokens(t *testing.T) {
	s := NewStore(newMemRepo(), time.Hour)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		issued, err := s.Issue(context.Background(), "user-1", 1)
		require.NoError(t, err)
		require.False(t, seen[issued.Raw], "duplicate token generated")
		seen[issued.Raw] = true
	}
}

func TestStore_Issue_StorageFailure_IsNotErrInvalid(t *testing.T) {
	repo := newMemRepo()
	repo.failErr = errors.New("db down")
	s := NewStore(repo, time.Hour)

	_, err := s.Issue(context.Background(), "user-1", 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestStore_Lookup(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, time.Hour)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "user-1", 1)
	require.NoError(t, err)

	rec, err := s.Lookup(ctx, issued.Raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)

	_, err = s.Lookup(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Lookup(ctx, "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_Lookup_Expired_ReturnsErrInvalid(t *testing.T) {
	s := NewStore(newMemRepo(), time.Hour)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "user-1", 1)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Lookup(ctx, issued.Raw)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_Rotate_IsSingleUse(t *testing.T) {
	s := NewStore(newMemRepo(), time.Hour)
	ctx := context.Background()

	first, err := s.Issue(ctx, "user-1", 1)
	require.NoError(t, err)

	second, err := s.Rotate(ctx, first.Raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", second.UserID)
	assert.NotEqual(t, first.Raw, second.Raw)

	_, err = s.Rotate(ctx, first.Raw)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Lookup(ctx, first.Raw)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = s.Lookup(ctx, second.Raw)
	assert.NoError(t, err)
}

func TestStore_Rotate_CarriesTokenVersionToSuccessor(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, time.Hour)
	ctx := context.Background()

	first, err := s.Issue(ctx, "user-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.TokenVersion)
	assert.Equal(t, int64(4), repo.tokens[Hash(first.Raw)].TokenVersion)

	second, err := s.Rotate(ctx, first.Raw)
	require.NoError(t, err)
	assert.Equal(t, int64(4), second.TokenVersion)

	rec, err := s.Lookup(ctx, second.Raw)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.TokenVersion)
}

func TestStore_Rotate_EmptyToken_ReturnsErrInvalid(t *testing.T) {
	s := NewStore(newMemRepo(), time.Hour)
	_, err := s.Rotate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_Revoke_IsIdempotent(t *testing.T) {
	s := NewStore(newMemRepo(), time.Hour)
	ctx := context.Background()

	issued, err := s.Issue(ctx, "user-1", 1)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, issued.Raw))
	require.NoError(t, s.Revoke(ctx, issued.Raw))
	require.NoError(t, s.Revoke(ctx, "never-issued"))
	require.NoError(t, s.Revoke(ctx, ""))

	_, err = s.Lookup(ctx, issued.Raw)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStore_RevokeAll_OnlyAffectsThatUser(t *testing.T) {
	s := NewStore(newMemRepo(), time.Hour)
	ctx := context.Background()

	a1, _ := s.Issue(ctx, "user-a", 1)
	a2, _ := s.Issue(ctx, "user-a", 1)
	b1, _ := s.Issue(ctx, "user-b", 1)

	require.NoError(t, s.RevokeAll(ctx, "user-a"))

	for _, raw := range []string{a1.Raw, a2.Raw} {
		_, err := s.Lookup(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalid)
	}
	_, err := s.Lookup(ctx, b1.Raw)
	assert.NoError(t, err)
}

func TestHash_IsDeterministicSHA256Hex(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Hash("abc"))
}
