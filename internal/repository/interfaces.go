// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/walletwiz/internal/model"
)

var (
	// ErrNotFound は対象レコードが存在しない（または有効でない）ことを示す。
	// ストレージ障害とは区別して扱う。
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateEmail はメールアドレスの一意制約違反を示す。
	ErrDuplicateEmail = errors.New("email already registered")
)

// UserRepository はユーザー（認証主体）データの永続化インターフェース。
// emailは呼び出し側で正規化済みであることを前提とする。
type UserRepository interface {
	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はErrNotFoundを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はErrNotFoundを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレス重複時はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// IncrementTokenVersion はtoken_versionをアトミックに1増やし、更新後のユーザーを返す。
	IncrementTokenVersion(ctx context.Context, id string) (*model.User, error)

	// ChangePasswordHash はパスワードハッシュを更新し、同じ更新でtoken_versionを1増やす。
	// 更新後のユーザーを返す。
	ChangePasswordHash(ctx context.Context, id, passwordHash string) (*model.User, error)

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するrefresh_tokensはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// RefreshTokenRepository はリフレッシュトークン（ハッシュ）の永続化インターフェース。
type RefreshTokenRepository interface {
	// Create はリフレッシュトークンを保存する。
	Create(ctx context.Context, token *model.RefreshToken) error

	// FindByHash はハッシュでトークンを取得する。見つからない場合はErrNotFoundを返す。
	// 失効済み・期限切れのレコードもそのまま返す。
	FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error)

	// Rotate は有効なトークンoldHashを消費し、同じユーザー・同じTokenVersionの後継トークンを保存する。
	// oldHashが存在しない・失効済み・期限切れ・既に消費済みの場合はErrNotFoundを返す。
	// 同一トークンに対する並行呼び出しのうち成功するのは高々1つ。
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (*model.RefreshToken, error)

	// Revoke はトークンを失効させる。存在しない・失効済みでもエラーにしない。
	Revoke(ctx context.Context, tokenHash string) error

	// RevokeAllByUser は指定ユーザーの全トークンを失効させる。
	RevokeAllByUser(ctx context.Context, userID string) error
}
