// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/repository"
)

// UserStore はユーザーの取得と削除を行う。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	DeleteByID(ctx context.Context, id string) error
}

// TokenRevoker はユーザーの全リフレッシュトークンを失効させる。auth.Serviceが実装する。
type TokenRevoker interface {
	RevokeUserTokens(ctx context.Context, userID string) error
}

// Service はユーザー管理のサービス層。
type Service struct {
	users   UserStore
	revoker TokenRevoker
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserStore, revoker TokenRevoker) *Service {
	return &Service{
		users:   users,
		revoker: revoker,
	}
}

// Profile はユーザーのプロフィールを返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: リフレッシュトークン失効 → user（refresh_tokensはCASCADE削除）
// 失効を先に行うため、ユーザー削除に失敗しても既存セッションは使えない。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	if _, err := s.Profile(ctx, userID); err != nil {
		return err
	}

	slog.Info("withdrawal started", slog.String("user_id", userID))

	if err := s.revoker.RevokeUserTokens(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	if err := s.users.DeleteByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}

	slog.Info("withdrawal completed", slog.String("user_id", userID))
	return nil
}
