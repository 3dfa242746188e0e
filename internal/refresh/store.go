// Package refresh はリフレッシュトークンの発行・照合・ローテーション・失効を扱う。
// 生のトークン値は呼び出し元に一度だけ返し、永続化するのはSHA-256ハッシュのみ。
package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/repository"
)

// DefaultTTL はリフレッシュトークンの既定の有効期間。
const DefaultTTL = 7 * 24 * time.Hour

// tokenBytes はトークン生成に使う乱数のバイト数（16進で80文字）。
const tokenBytes = 40

// ErrInvalid はトークンが未知・失効済み・期限切れ・消費済みであることを示す。
var ErrInvalid = errors.New("refresh token invalid")

// Issued は新規発行したトークン。Rawはこの値でしか取得できない。
type Issued struct {
	Raw          string
	UserID       string
	TokenVersion int64
	ExpiresAt    time.Time
}

// Store はリフレッシュトークンの操作を提供する。
type Store struct {
	repo repository.RefreshTokenRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewStore はStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewStore(repo repository.RefreshTokenRepository, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{repo: repo, ttl: ttl, now: time.Now}
}

// TTL はリフレッシュトークンの有効期間を返す。
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Issue はユーザーに新しいトークンを発行して保存する。
// tokenVersionには発行時点のユーザーのtoken_versionを渡す。
func (s *Store) Issue(ctx context.Context, userID string, tokenVersion int64) (*Issued, error) {
	raw, err := generate()
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &model.RefreshToken{
		TokenHash:    Hash(raw),
		UserID:       userID,
		TokenVersion: tokenVersion,
		ExpiresAt:    now.Add(s.ttl),
		CreatedAt:    now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &Issued{Raw: raw, UserID: userID, TokenVersion: tokenVersion, ExpiresAt: rec.ExpiresAt}, nil
}

// Lookup は有効なトークンのレコードを返す。
// 未知・失効済み・期限切れの場合はErrInvalidを返す。
func (s *Store) Lookup(ctx context.Context, raw string) (*model.RefreshToken, error) {
	if raw == "" {
		return nil, ErrInvalid
	}

	rec, err := s.repo.FindByHash(ctx, Hash(raw))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if !rec.IsActive(s.now()) {
		return nil, ErrInvalid
	}
	return rec, nil
}

// Rotate は提示されたトークンを消費し、同じユーザーの後継トークンを発行する。
// 後継トークンは消費したトークンのTokenVersionを引き継ぐ。
// トークンは一度しか使えず、並行して同じトークンを提示した場合は1つだけが成功する。
func (s *Store) Rotate(ctx context.Context, raw string) (*Issued, error) {
	if raw == "" {
		return nil, ErrInvalid
	}

	nextRaw, err := generate()
	if err != nil {
		return nil, err
	}
	expiresAt := s.now().Add(s.ttl)

	oldHash := Hash(raw)
	next, err := s.repo.Rotate(ctx, oldHash, Hash(nextRaw), expiresAt)
	if errors.Is(err, repository.ErrNotFound) {
		slog.Debug("refresh token rotation rejected", slog.String("token_hash_prefix", oldHash[:8]))
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return &Issued{Raw: nextRaw, UserID: next.UserID, TokenVersion: next.TokenVersion, ExpiresAt: next.ExpiresAt}, nil
}

// Revoke はトークンを失効させる。未知・失効済みでもエラーにしない。
func (s *Store) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	if err := s.repo.Revoke(ctx, Hash(raw)); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll はユーザーの全トークンを失効させる。
func (s *Store) RevokeAll(ctx context.Context, userID string) error {
	if err := s.repo.RevokeAllByUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke all refresh tokens: %w", err)
	}
	return nil
}

// Hash はトークンの保存用ハッシュ（SHA-256の16進表現）を返す。
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generate は暗号論的乱数からトークン値を生成する。
func generate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
