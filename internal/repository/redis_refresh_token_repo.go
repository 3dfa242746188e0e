package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/walletwiz/internal/model"
)

// DefaultRedisKeyPrefix はRedisリフレッシュトークンストアのキー名前空間。
const DefaultRedisKeyPrefix = "wwiz"

// redisRefreshRecord はRedisに保存するトークンレコードのJSON表現。
type redisRefreshRecord struct {
	UserID       string    `json:"user_id"`
	TokenVersion int64     `json:"token_version"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// RedisRefreshTokenRepo はRedisを使用したリフレッシュトークンリポジトリ。
//
// キー構成:
//
//	<prefix>:rt:<hash>    トークンレコード（有効期限までのTTL付き）
//	<prefix>:rtu:<userID> ユーザーが保持するトークンハッシュの集合
//
// 失効したトークンはレコードごと削除するため、FindByHashはErrNotFoundを返す。
type RedisRefreshTokenRepo struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisRefreshTokenRepo はRedisRefreshTokenRepoを生成する。
func NewRedisRefreshTokenRepo(rdb redis.UniversalClient, prefix string) *RedisRefreshTokenRepo {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisRefreshTokenRepo{rdb: rdb, prefix: prefix}
}

func (r *RedisRefreshTokenRepo) tokenKey(tokenHash string) string {
	return r.prefix + ":rt:" + tokenHash
}

func (r *RedisRefreshTokenRepo) userKey(userID string) string {
	return r.prefix + ":rtu:" + userID
}

// Create はリフレッシュトークンを保存する。
func (r *RedisRefreshTokenRepo) Create(ctx context.Context, token *model.RefreshToken) error {
	if err := r.store(ctx, token, ""); err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// FindByHash はハッシュでトークンを取得する。見つからない場合はErrNotFoundを返す。
func (r *RedisRefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	data, err := r.rdb.Get(ctx, r.tokenKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find refresh token: %w", err)
	}
	return decodeRedisRecord(tokenHash, data)
}

// Rotate はGETDELで旧トークンを取り出すことで消費をアトミックに行う。
// 並行呼び出しのうちGETDELで値を得られるのは1つだけである。
// GETDELと後継の書き込みの間にRevokeAllByUserが走ると後継は残るが、
// TokenVersionを引き継ぐため呼び出し側のバージョン照合で拒否できる。
func (r *RedisRefreshTokenRepo) Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (*model.RefreshToken, error) {
	data, err := r.rdb.GetDel(ctx, r.tokenKey(oldHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	old, err := decodeRedisRecord(oldHash, data)
	if err != nil {
		return nil, err
	}
	if !old.IsActive(time.Now()) {
		if err := r.rdb.SRem(ctx, r.userKey(old.UserID), oldHash).Err(); err != nil {
			// 索引に残ったハッシュは次回のRevokeAllByUserか索引のTTLで消える
			slog.Warn("failed to remove expired refresh token from user index",
				slog.String("user_id", old.UserID),
				slog.String("error", err.Error()),
			)
		}
		return nil, ErrNotFound
	}

	next := &model.RefreshToken{
		TokenHash:    newHash,
		UserID:       old.UserID,
		TokenVersion: old.TokenVersion,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now(),
	}
	if err := r.store(ctx, next, oldHash); err != nil {
		return nil, fmt.Errorf("failed to store rotated refresh token: %w", err)
	}
	return next, nil
}

// Revoke はトークンを削除する。存在しない場合も成功とする。
func (r *RedisRefreshTokenRepo) Revoke(ctx context.Context, tokenHash string) error {
	data, err := r.rdb.GetDel(ctx, r.tokenKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	old, err := decodeRedisRecord(tokenHash, data)
	if err != nil {
		return err
	}
	if err := r.rdb.SRem(ctx, r.userKey(old.UserID), tokenHash).Err(); err != nil {
		return fmt.Errorf("failed to update user token index: %w", err)
	}
	return nil
}

// RevokeAllByUser は指定ユーザーの全トークンを削除する。
// SMEMBERSとDELの間に作成されたトークンは対象外となる。
func (r *RedisRefreshTokenRepo) RevokeAllByUser(ctx context.Context, userID string) error {
	userKey := r.userKey(userID)

	hashes, err := r.rdb.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list user refresh tokens: %w", err)
	}

	if len(hashes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, r.tokenKey(h))
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, userKey, toAny(hashes)...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return nil
}

// store はトークンレコードとユーザー索引を1つのトランザクションで書き込む。
// replacedHashが指定された場合は索引から取り除く。
func (r *RedisRefreshTokenRepo) store(ctx context.Context, token *model.RefreshToken, replacedHash string) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired at %s", token.ExpiresAt.Format(time.RFC3339))
	}

	data, err := json.Marshal(redisRefreshRecord{
		UserID:       token.UserID,
		TokenVersion: token.TokenVersion,
		ExpiresAt:    token.ExpiresAt,
		CreatedAt:    token.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}

	userKey := r.userKey(token.UserID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.tokenKey(token.TokenHash), data, ttl)
		pipe.SAdd(ctx, userKey, token.TokenHash)
		if replacedHash != "" {
			pipe.SRem(ctx, userKey, replacedHash)
		}
		// 索引は最後に発行したトークンの寿命まで保持する
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	return err
}

func decodeRedisRecord(tokenHash string, data []byte) (*model.RefreshToken, error) {
	var rec redisRefreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}
	return &model.RefreshToken{
		TokenHash:    tokenHash,
		UserID:       rec.UserID,
		TokenVersion: rec.TokenVersion,
		ExpiresAt:    rec.ExpiresAt,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// compile-time interface check
var _ RefreshTokenRepository = (*RedisRefreshTokenRepo)(nil)
