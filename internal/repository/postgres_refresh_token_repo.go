package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/walletwiz/internal/model"
)

// PostgresRefreshTokenRepo はPostgreSQLを使用したリフレッシュトークンリポジトリ。
type PostgresRefreshTokenRepo struct {
	db *sql.DB
}

// NewPostgresRefreshTokenRepo はPostgresRefreshTokenRepoを生成する。
func NewPostgresRefreshTokenRepo(db *sql.DB) *PostgresRefreshTokenRepo {
	return &PostgresRefreshTokenRepo{db: db}
}

// Create はリフレッシュトークンを保存する。
func (r *PostgresRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, user_id, token_version, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.TokenHash, token.UserID, token.TokenVersion, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// FindByHash はハッシュでトークンを取得する。見つからない場合はErrNotFoundを返す。
func (r *PostgresRefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	var replacedBy sql.NullString
	var revokedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, token_version, expires_at, created_at, revoked_at, replaced_by
		 FROM refresh_tokens
		 WHERE token_hash = $1`,
		tokenHash,
	).Scan(&token.TokenHash, &token.UserID, &token.TokenVersion, &token.ExpiresAt, &token.CreatedAt, &revokedAt, &replacedBy)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}

	if revokedAt.Valid {
		t := revokedAt.Time
		token.RevokedAt = &t
	}
	token.ReplacedBy = replacedBy.String
	return token, nil
}

// Rotate は旧トークンの失効と後継トークンの保存を同一トランザクションで行う。
// 条件付きUPDATEの行ロックにより、同一トークンの並行ローテーションは1つだけが成功する。
func (r *PostgresRefreshTokenRepo) Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (*model.RefreshToken, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var tokenVersion int64
	err = tx.QueryRowContext(ctx,
		`UPDATE refresh_tokens
		 SET revoked_at = now(), replaced_by = $2
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()
		 RETURNING user_id, token_version`,
		oldHash, newHash,
	).Scan(&userID, &tokenVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	next := &model.RefreshToken{
		TokenHash:    newHash,
		UserID:       userID,
		TokenVersion: tokenVersion,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, user_id, token_version, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		next.TokenHash, next.UserID, next.TokenVersion, next.ExpiresAt, next.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return next, nil
}

// Revoke はトークンを失効させる。既に失効済み・存在しない場合も成功とする。
func (r *PostgresRefreshTokenRepo) Revoke(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now()
		 WHERE token_hash = $1 AND revoked_at IS NULL`,
		tokenHash,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllByUser は指定ユーザーの未失効トークンをすべて失効させる。
func (r *PostgresRefreshTokenRepo) RevokeAllByUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = now()
		 WHERE user_id = $1 AND revoked_at IS NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RefreshTokenRepository = (*PostgresRefreshTokenRepo)(nil)
