package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/walletwiz/internal/middleware"
)

// HealthChecker は依存先の疎通を確認する。*sql.DBのPingContextを包む。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// healthCheckTimeout は/healthでの疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	Logger            *slog.Logger
	HTTPObserver      middleware.HTTPObserver

	// 認証
	AuthService AuthServiceInterface
	Cookie      CookieConfig

	// ユーザー
	UserService     UserServiceInterface
	PasswordChanger PasswordChanger

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//	/auth/*: RateLimit(Auth) [→ CSRF（Cookie認証のrefresh/logout）]
//	/api/*, /auth/logout-all: AccessGuard → RateLimit(General)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Cookie.Secure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookie)
	userHandler := NewUserHandler(deps.UserService, deps.PasswordChanger, deps.Cookie)
	requireAccess := middleware.NewAccessGuardMiddleware(deps.Authenticator)

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証ルート ---
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())

		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		r.Post("/signup", authHandler.Signup)
		r.Post("/login", authHandler.Login)

		// リフレッシュトークンCookieで認証するためCSRF検証が必要
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
			r.Post("/refresh", authHandler.Refresh)
			r.Post("/logout", authHandler.Logout)
		})

		r.With(requireAccess, deps.RateLimiter.GeneralMiddleware()).Post("/logout-all", authHandler.LogoutAll)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(requireAccess)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/users/me", func(r chi.Router) {
			r.Get("/", userHandler.Me)
			r.Delete("/", userHandler.Withdraw)
			r.Put("/password", userHandler.ChangePassword)
		})
	})

	return r
}

// healthHandler はDBの疎通を確認し、200または503を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
