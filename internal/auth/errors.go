package auth

import (
	"errors"

	"github.com/hitoshi/walletwiz/internal/token"
)

// 認証失敗の理由。クライアントにはすべて同一の401として返し、
// 区別はサーバー側のログとメトリクスでのみ行う。
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrTokenRevoked         = errors.New("token revoked")
	ErrRefreshTokenInvalid  = errors.New("refresh token invalid")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrEmailTaken           = errors.New("email already registered")
	ErrInvalidEmail         = errors.New("invalid email")
	ErrWeakPassword         = errors.New("password does not satisfy requirements")
	ErrCurrentPasswordWrong = errors.New("current password is wrong")
)

// IsAuthFailure はerrが認証失敗（クライアント起因の401）であればtrueを返す。
// それ以外のエラーはインフラ障害として扱う。
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrRefreshTokenInvalid) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, token.ErrExpired) ||
		errors.Is(err, token.ErrMalformed) ||
		errors.Is(err, token.ErrSignatureMismatch)
}

// Reason は認証失敗の理由をログ・メトリクス用のラベルに変換する。
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, ErrRefreshTokenInvalid):
		return "refresh_token_invalid"
	case errors.Is(err, ErrUnauthorized):
		return "missing_token"
	case errors.Is(err, token.ErrExpired):
		return "token_expired"
	case errors.Is(err, token.ErrMalformed):
		return "token_malformed"
	case errors.Is(err, token.ErrSignatureMismatch):
		return "signature_mismatch"
	default:
		return "error"
	}
}
