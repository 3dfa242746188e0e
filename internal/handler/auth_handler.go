// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/walletwiz/internal/auth"
	"github.com/hitoshi/walletwiz/internal/middleware"
	"github.com/hitoshi/walletwiz/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, in auth.SignupInput) (*model.User, error)
	Login(ctx context.Context, email, password string) (*auth.Session, error)
	Refresh(ctx context.Context, rawRefresh string) (*auth.Session, error)
	Logout(ctx context.Context, rawRefresh string) error
	InvalidateAll(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookie  CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookie CookieConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookie:  cookie,
	}
}

type signupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// tokenResponse はアクセストークンのレスポンス。リフレッシュトークンはCookieでのみ返す。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

// Signup はユーザーを登録する。
// POST /auth/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidRequest(w, "リクエストボディが不正です。")
		return
	}

	user, err := h.service.Signup(r.Context(), auth.SignupInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidRequest(w, "リクエストボディが不正です。")
		return
	}
	if req.Email == "" || req.Password == "" {
		// 入力不足も認証失敗と同じ応答にする
		handleServiceError(w, r, auth.ErrInvalidCredentials)
		return
	}

	sess, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.writeSession(w, sess)
}

// Refresh はリフレッシュトークンCookieをローテーションし、新しいアクセストークンを返す。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := refreshTokenFromRequest(r)
	if raw == "" {
		clearRefreshCookie(w, h.cookie)
		handleServiceError(w, r, auth.ErrRefreshTokenInvalid)
		return
	}

	sess, err := h.service.Refresh(r.Context(), raw)
	if err != nil {
		if auth.IsAuthFailure(err) {
			clearRefreshCookie(w, h.cookie)
		}
		handleServiceError(w, r, err)
		return
	}

	h.writeSession(w, sess)
}

// Logout はリフレッシュトークンを失効させ、Cookieを削除する。
// 失効処理の成否に関わらず204を返す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), refreshTokenFromRequest(r)); err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
		// ログアウト失敗してもCookieはクリアする
	}

	clearRefreshCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll は呼び出したユーザーの全セッションを無効化する。
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	if _, err := h.service.InvalidateAll(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	clearRefreshCookie(w, h.cookie)
	w.WriteHeader(http.StatusNoContent)
}

// writeSession はリフレッシュトークンCookieを設定し、アクセストークンを返す。
func (h *AuthHandler) writeSession(w http.ResponseWriter, sess *auth.Session) {
	setRefreshCookie(w, h.cookie, sess.RefreshToken, sess.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: sess.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   sess.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
}
