package handler

import (
	"net/http"
	"time"
)

const (
	// refreshCookieName はリフレッシュトークンを保持するCookieの名前。
	refreshCookieName = "refresh_token"
	// refreshCookiePath は/auth配下にのみ送信させる。
	refreshCookiePath = "/auth"
)

// CookieConfig はリフレッシュトークンCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool // BASE_URLがhttpsの場合true
}

// setRefreshCookie はリフレッシュトークンをHttpOnly Cookieに設定する。
func setRefreshCookie(w http.ResponseWriter, cfg CookieConfig, raw string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    raw,
		Path:     refreshCookiePath,
		Domain:   cfg.Domain,
		Expires:  expiresAt.UTC(),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearRefreshCookie はリフレッシュトークンCookieを削除する。
func clearRefreshCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   cfg.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// refreshTokenFromRequest はリクエストのCookieからリフレッシュトークンを取り出す。
func refreshTokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
