// Package token はアクセストークン（HS256署名のJWT）の発行と検証を行う。
// 純粋な計算のみを行い、ストレージには触れない。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL はアクセストークンの既定の有効期間。
const DefaultTTL = 10 * time.Hour

// MinSecretLength は署名鍵に要求する最小バイト長。
const MinSecretLength = 32

// 検証失敗の理由。呼び出し側はerrors.Isで判別する。
var (
	ErrMalformed         = errors.New("token malformed")
	ErrSignatureMismatch = errors.New("token signature mismatch")
	ErrExpired           = errors.New("token expired")
)

// Claims はアクセストークンのペイロード。
// id, email, token_version は必須。Extraは任意の追加クレーム。
type Claims struct {
	UserID       string            `json:"id"`
	Email        string            `json:"email"`
	TokenVersion int64             `json:"token_version"`
	Extra        map[string]string `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// Config はCodecの設定。オプションは列挙したものに限定する。
type Config struct {
	Secret   []byte
	TTL      time.Duration
	Issuer   string
	Audience string
}

// Codec はアクセストークンの発行・検証を行う。並行利用しても安全。
type Codec struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	now      func() time.Time
}

// NewCodec はCodecを生成する。TTLが0の場合はDefaultTTLを使う。
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, errors.New("token TTL must be positive")
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &Codec{
		secret:   secret,
		ttl:      ttl,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      time.Now,
	}, nil
}

// TTL はアクセストークンの有効期間を返す。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue はクレームに署名して文字列化したトークンと有効期限を返す。
// exp, iat, iss, aud はCodecの設定で上書きする。
func (c *Codec) Issue(claims Claims) (string, time.Time, error) {
	if claims.UserID == "" {
		return "", time.Time{}, errors.New("token claims require user id")
	}

	now := c.now()
	expiresAt := now.Add(c.ttl)

	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    c.issuer,
	}
	if c.audience != "" {
		claims.Audience = jwt.ClaimStrings{c.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	// JWTのexpは秒精度のため、返す値もそれに揃える
	return signed, expiresAt.Truncate(time.Second), nil
}

// Verify は署名・有効期限・必須クレームを検証し、クレームを返す。
// token_versionの照合は行わない（呼び出し側の責務）。
func (c *Codec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	if c.audience != "" {
		opts = append(opts, jwt.WithAudience(c.audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}

	if claims.UserID == "" || claims.Email == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// classify はjwtライブラリのエラーを検証失敗の理由に変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}
