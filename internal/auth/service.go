// Package auth はログイン、リフレッシュ、ログアウト、全セッション無効化と、
// アクセストークンの検証（ガード）を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/walletwiz/internal/model"
	"github.com/hitoshi/walletwiz/internal/refresh"
	"github.com/hitoshi/walletwiz/internal/repository"
	"github.com/hitoshi/walletwiz/internal/token"
)

// TokenIssuer はアクセストークンを発行する。
type TokenIssuer interface {
	Issue(claims token.Claims) (string, time.Time, error)
}

// RefreshStore はリフレッシュトークンの永続化操作。
type RefreshStore interface {
	Issue(ctx context.Context, userID string, tokenVersion int64) (*refresh.Issued, error)
	Rotate(ctx context.Context, raw string) (*refresh.Issued, error)
	Revoke(ctx context.Context, raw string) error
	RevokeAll(ctx context.Context, userID string) error
}

// Recorder は認証イベントを計測する。metrics.Collectorが実装する。
type Recorder interface {
	ObserveLogin(result string)
	ObserveRefresh(result string)
	ObserveGuardRejection(reason string)
	ObserveInvalidation()
}

type noopRecorder struct{}

func (noopRecorder) ObserveLogin(string)          {}
func (noopRecorder) ObserveRefresh(string)        {}
func (noopRecorder) ObserveGuardRejection(string) {}
func (noopRecorder) ObserveInvalidation()         {}

// NameSanitizer は氏名を保存前に無害化する。security.NameSanitizerが実装する。
type NameSanitizer interface {
	Sanitize(name string) string
}

type trimSanitizer struct{}

func (trimSanitizer) Sanitize(name string) string { return strings.TrimSpace(name) }

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// ExtraClaims はアクセストークンに載せる追加クレームを返す。nilの場合は氏名を載せる。
	ExtraClaims func(user *model.User) map[string]string
	// Recorder はnilの場合計測しない。
	Recorder Recorder
	// Names はnilの場合前後の空白のみ除去する。
	Names NameSanitizer
}

// Session はログイン・リフレッシュの結果。
// RefreshTokenはクッキーでのみクライアントに渡すこと。
type Session struct {
	User             *model.User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// SignupInput はユーザー登録の入力。
type SignupInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Service はセッションのライフサイクルを管理する。
// プロセス内に可変な認証状態は持たず、原子性はストレージ層に委ねる。
type Service struct {
	users     repository.UserRepository
	refresh   RefreshStore
	tokens    TokenIssuer
	hasher    PasswordHasher
	config    ServiceConfig
	dummyHash string
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	refreshStore RefreshStore,
	tokens TokenIssuer,
	hasher PasswordHasher,
	config ServiceConfig,
) (*Service, error) {
	if config.ExtraClaims == nil {
		config.ExtraClaims = profileClaims
	}
	if config.Recorder == nil {
		config.Recorder = noopRecorder{}
	}
	if config.Names == nil {
		config.Names = trimSanitizer{}
	}

	// 未登録メールアドレスでも照合コストを揃えるためのダミーハッシュ
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &Service{
		users:     users,
		refresh:   refreshStore,
		tokens:    tokens,
		hasher:    hasher,
		config:    config,
		dummyHash: dummy,
	}, nil
}

// Signup は新しいユーザーを登録する。token_versionは1から始まる。
func (s *Service) Signup(ctx context.Context, in SignupInput) (*model.User, error) {
	email := model.NormalizeEmail(in.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, ErrInvalidEmail
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		FirstName:    s.config.Names.Sanitize(in.FirstName),
		LastName:     s.config.Names.Sanitize(in.LastName),
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered", slog.String("user_id", user.ID))
	return user, nil
}

// Login はメールアドレスとパスワードを検証し、セッションを発行する。
// 未登録のメールアドレスとパスワード不一致は同じErrInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	sess, err := s.login(ctx, email, password)
	s.config.Recorder.ObserveLogin(resultLabel(err))
	return sess, err
}

func (s *Service) login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.users.FindByEmail(ctx, model.NormalizeEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		_ = s.hasher.Compare(s.dummyHash, password)
		slog.Info("login rejected", slog.String("reason", "unknown_email"))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		if !errors.Is(err, errPasswordMismatch) {
			slog.Warn("stored password hash is unusable",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
		slog.Info("login rejected",
			slog.String("reason", "wrong_password"),
			slog.String("user_id", user.ID),
		)
		return nil, ErrInvalidCredentials
	}

	issued, err := s.refresh.Issue(ctx, user.ID, user.TokenVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	sess, err := s.newSession(ctx, user, issued)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return sess, nil
}

// Refresh はリフレッシュトークンをローテーションし、
// 現在のtoken_versionで新しいアクセストークンを発行する。
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*Session, error) {
	sess, err := s.rotate(ctx, rawRefresh)
	s.config.Recorder.ObserveRefresh(resultLabel(err))
	return sess, err
}

func (s *Service) rotate(ctx context.Context, rawRefresh string) (*Session, error) {
	issued, err := s.refresh.Rotate(ctx, rawRefresh)
	if errors.Is(err, refresh.ErrInvalid) {
		slog.Info("refresh rejected", slog.String("reason", "refresh_token_invalid"))
		return nil, ErrRefreshTokenInvalid
	}
	if err != nil {
		return nil, err
	}

	user, err := s.users.FindByID(ctx, issued.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		// 退会済みユーザーのトークン。発行した後継も無効化しておく
		s.discard(ctx, issued, "user_not_found")
		return nil, ErrRefreshTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	// 全セッション無効化より前に発行された系列。全失効が取りこぼしてもここで止まる
	if issued.TokenVersion != user.TokenVersion {
		s.discard(ctx, issued, "token_version_mismatch")
		return nil, ErrRefreshTokenInvalid
	}

	return s.newSession(ctx, user, issued)
}

// discard はローテーションで発行済みの後継トークンを使わずに失効させる。
func (s *Service) discard(ctx context.Context, issued *refresh.Issued, reason string) {
	slog.Info("refresh rejected",
		slog.String("reason", reason),
		slog.String("user_id", issued.UserID),
	)
	if err := s.refresh.Revoke(ctx, issued.Raw); err != nil {
		slog.Warn("failed to revoke discarded refresh token",
			slog.String("user_id", issued.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// Logout はリフレッシュトークンを失効させる。何度呼んでも成功する。
// 発行済みのアクセストークンは期限切れまで有効なまま残る。
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	if rawRefresh == "" {
		return nil
	}
	if err := s.refresh.Revoke(ctx, rawRefresh); err != nil {
		return err
	}
	slog.Info("user logged out")
	return nil
}

// InvalidateAll はtoken_versionを進めて既存のアクセストークンをすべて無効にし、
// ユーザーの全リフレッシュトークンも失効させる。更新後のユーザーを返す。
//
// バージョンを進めた時点で旧トークンはアクセス・リフレッシュともに使えなくなる。
// 全失効はストレージの掃除であり、失敗しても無効化自体は成立している。
func (s *Service) InvalidateAll(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.IncrementTokenVersion(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment token version: %w", err)
	}
	if err := s.revokeAfterBump(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// revokeAfterBump はバージョンを進めた後の全失効と記録を行う。
func (s *Service) revokeAfterBump(ctx context.Context, user *model.User) error {
	s.config.Recorder.ObserveInvalidation()
	slog.Info("all sessions invalidated",
		slog.String("user_id", user.ID),
		slog.Int64("token_version", user.TokenVersion),
	)

	if err := s.refresh.RevokeAll(ctx, user.ID); err != nil {
		// 残ったトークンはバージョン不一致で拒否される。呼び出し側には失敗として返し再試行させる
		return err
	}
	return nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードを設定し、
// 全セッションを無効化する。パスワードの更新とtoken_versionの加算は同じ書き込みで行う。
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}

	if err := s.hasher.Compare(user.PasswordHash, current); err != nil {
		return ErrCurrentPasswordWrong
	}
	if err := validatePassword(next); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	changed, err := s.users.ChangePasswordHash(ctx, userID, hash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if err := s.revokeAfterBump(ctx, changed); err != nil {
		return err
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// RevokeUserTokens はユーザーの全リフレッシュトークンを失効させる（退会処理用）。
func (s *Service) RevokeUserTokens(ctx context.Context, userID string) error {
	return s.refresh.RevokeAll(ctx, userID)
}

// newSession はリフレッシュトークンが保存済みであることを前提に、アクセストークンを発行する。
func (s *Service) newSession(ctx context.Context, user *model.User, issued *refresh.Issued) (*Session, error) {
	access, expiresAt, err := s.tokens.Issue(token.Claims{
		UserID:       user.ID,
		Email:        user.Email,
		TokenVersion: user.TokenVersion,
		Extra:        s.config.ExtraClaims(user),
	})
	if err != nil {
		// 保存済みのリフレッシュトークンを残さない
		if rerr := s.refresh.Revoke(ctx, issued.Raw); rerr != nil {
			slog.Warn("failed to revoke refresh token after signing error", slog.String("error", rerr.Error()))
		}
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	return &Session{
		User:             user,
		AccessToken:      access,
		AccessExpiresAt:  expiresAt,
		RefreshToken:     issued.Raw,
		RefreshExpiresAt: issued.ExpiresAt,
	}, nil
}

// profileClaims は氏名を追加クレームとして返す。
func profileClaims(user *model.User) map[string]string {
	extra := make(map[string]string, 2)
	if user.FirstName != "" {
		extra["firstname"] = user.FirstName
	}
	if user.LastName != "" {
		extra["lastname"] = user.LastName
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsAuthFailure(err):
		return Reason(err)
	default:
		return "error"
	}
}
