package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/repository"
	"github.com/hitoshi/walletwiz/internal/token"
)

// TokenVerifier はアクセストークンの署名・期限を検証する。
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// UserFinder はIDでユーザーを取得する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Guard は保護されたリソースへのアクセス可否を判定する。
// トークン自体の検証に加え、token_versionが現在値と一致することを確認する。
type Guard struct {
	verifier TokenVerifier
	users    UserFinder
	recorder Recorder
}

// NewGuard はGuardを生成する。recorderがnilの場合は計測しない。
func NewGuard(verifier TokenVerifier, users UserFinder, recorder Recorder) *Guard {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Guard{verifier: verifier, users: users, recorder: recorder}
}

// Authenticate は生のアクセストークンを検証し、有効であればクレームを返す。
// 認証失敗はIsAuthFailureがtrueになるエラー、ストレージ障害はそれ以外のエラーを返す。
func (g *Guard) Authenticate(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := g.authenticate(ctx, raw)
	if err != nil && IsAuthFailure(err) {
		g.recorder.ObserveGuardRejection(Reason(err))
	}
	return claims, err
}

func (g *Guard) authenticate(ctx context.Context, raw string) (*token.Claims, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}

	claims, err := g.verifier.Verify(raw)
	if err != nil {
		return nil, err
	}

	user, err := g.users.FindByID(ctx, claims.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTokenRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token owner: %w", err)
	}

	if user.TokenVersion != claims.TokenVersion {
		slog.Info("stale access token rejected",
			slog.String("user_id", user.ID),
			slog.Int64("token_version", claims.TokenVersion),
			slog.Int64("current_version", user.TokenVersion),
		)
		return nil, ErrTokenRevoked
	}

	return claims, nil
}
