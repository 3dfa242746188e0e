package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/token"
)

type mockVerifier struct {
	verifyFn func(raw string) (*token.Claims, error)
}

func (m *mockVerifier) Verify(raw string) (*token.Claims, error) {
	return m.verifyFn(raw)
}

type mockUserFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.findByIDFn(ctx, id)
}

var _ TokenVerifier = (*mockVerifier)(nil)
var _ UserFinder = (*mockUserFinder)(nil)

func TestGuard_EmptyToken_ReturnsErrUnauthorized(t *testing.T) {
	rec := newCountingRecorder()
	g := NewGuard(&mockVerifier{}, &mockUserFinder{}, rec)

	_, err := g.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Authenticate() error = %v, want %v", err, ErrUnauthorized)
	}
	if rec.rejections["missing_token"] != 1 {
		t.Errorf("missing_token rejections = %d, want 1", rec.rejections["missing_token"])
	}
}

func TestGuard_CodecFailures_PassThroughAsAuthFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"expired", token.ErrExpired, "token_expired"},
		{"malformed", token.ErrMalformed, "token_malformed"},
		{"signature", token.ErrSignatureMismatch, "signature_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newCountingRecorder()
			finderCalled := false
			g := NewGuard(
				&mockVerifier{verifyFn: func(string) (*token.Claims, error) { return nil, tt.err }},
				&mockUserFinder{findByIDFn: func(context.Context, string) (*model.User, error) {
					finderCalled = true
					return nil, nil
				}},
				rec,
			)

			_, err := g.Authenticate(context.Background(), "raw")
			if !errors.Is(err, tt.err) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.err)
			}
			if !IsAuthFailure(err) {
				t.Error("expected auth failure")
			}
			if finderCalled {
				t.Error("user store must not be consulted for an invalid token")
			}
			if rec.rejections[tt.reason] != 1 {
				t.Errorf("rejections[%s] = %d, want 1", tt.reason, rec.rejections[tt.reason])
			}
		})
	}
}

func TestGuard_VersionMismatch_ReturnsErrTokenRevoked(t *testing.T) {
	g := NewGuard(
		&mockVerifier{verifyFn: func(string) (*token.Claims, error) {
			return &token.Claims{UserID: "user-1", Email: "a@example.com", TokenVersion: 3}, nil
		}},
		&mockUserFinder{findByIDFn: func(context.Context, string) (*model.User, error) {
			return &model.User{ID: "user-1", TokenVersion: 4}, nil
		}},
		nil,
	)

	_, err := g.Authenticate(context.Background(), "raw")
	if !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Authenticate() error = %v, want %v", err, ErrTokenRevoked)
	}
}

func TestGuard_VersionMatch_ReturnsClaims(t *testing.T) {
	g := NewGuard(
		&mockVerifier{verifyFn: func(string) (*token.Claims, error) {
			return &token.Claims{UserID: "user-1", Email: "a@example.com", TokenVersion: 4}, nil
		}},
		&mockUserFinder{findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, TokenVersion: 4}, nil
		}},
		nil,
	)

	claims, err := g.Authenticate(context.Background(), "raw")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "user-1")
	}
}

func TestGuard_StoreFailure_IsInfrastructureError(t *testing.T) {
	rec := newCountingRecorder()
	g := NewGuard(
		&mockVerifier{verifyFn: func(string) (*token.Claims, error) {
			return &token.Claims{UserID: "user-1", Email: "a@example.com", TokenVersion: 1}, nil
		}},
		&mockUserFinder{findByIDFn: func(context.Context, string) (*model.User, error) {
			return nil, errors.New("connection refused")
		}},
		rec,
	)

	_, err := g.Authenticate(context.Background(), "raw")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsAuthFailure(err) {
		t.Errorf("store failure must not be an auth failure: %v", err)
	}
	if len(rec.rejections) != 0 {
		t.Errorf("rejections = %v, want none", rec.rejections)
	}
}

func TestGuard_DeletedUser_ReturnsErrTokenRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Login(ctx, "alice@example.com", testPassword)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := f.users.DeleteByID(ctx, f.user.ID); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}

	if _, err := f.guard.Authenticate(ctx, sess.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Authenticate() error = %v, want %v", err, ErrTokenRevoked)
	}
}

func TestGuard_TokenFromOtherSecret_ReturnsSignatureMismatch(t *testing.T) {
	f := newFixture(t)
	other, err := token.NewCodec(token.Config{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	raw, _, err := other.Issue(token.Claims{UserID: f.user.ID, Email: f.user.Email, TokenVersion: f.user.TokenVersion})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := f.guard.Authenticate(context.Background(), raw); !errors.Is(err, token.ErrSignatureMismatch) {
		t.Errorf("Authenticate() error = %v, want %v", err, token.ErrSignatureMismatch)
	}
}

func TestIsAuthFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrInvalidCredentials, true},
		{ErrTokenRevoked, true},
		{ErrRefreshTokenInvalid, true},
		{token.ErrExpired, true},
		{token.ErrMalformed, true},
		{token.ErrSignatureMismatch, true},
		{errors.New("db down"), false},
		{ErrEmailTaken, false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsAuthFailure(tt.err); got != tt.want {
			t.Errorf("IsAuthFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
