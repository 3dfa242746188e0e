// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User は家計簿サービスの利用ユーザー（認証主体）を表す。
// TokenVersion はアクセストークン一括無効化のための世代番号で、
// ストレージ層のアトミックなインクリメントでのみ増加する。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	TokenVersion int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshToken はサーバー側で保持するリフレッシュトークンのレコードを表す。
// 生のトークン値は保持せず、SHA-256ハッシュのみを保存する。
type RefreshToken struct {
	TokenHash string
	UserID    string
	// TokenVersion は発行時点のユーザーのtoken_version。後継トークンに引き継がれる。
	TokenVersion int64
	ExpiresAt    time.Time
	CreatedAt    time.Time
	RevokedAt    *time.Time
	ReplacedBy   string
}

// IsActive は失効しておらず有効期限内であればtrueを返す。
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// NormalizeEmail はメールアドレスを検索・保存用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
