// Package app はサブコマンドごとの依存関係のワイヤリングとプロセスのライフサイクルを提供する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/walletwiz/internal/auth"
	"github.com/hitoshi/walletwiz/internal/config"
	"github.com/hitoshi/walletwiz/internal/database"
	"github.com/hitoshi/walletwiz/internal/handler"
	"github.com/hitoshi/walletwiz/internal/logger"
	"github.com/hitoshi/walletwiz/internal/metrics"
	"github.com/hitoshi/walletwiz/internal/middleware"
	"github.com/hitoshi/walletwiz/internal/refresh"
	"github.com/hitoshi/walletwiz/internal/repository"
	"github.com/hitoshi/walletwiz/internal/security"
	"github.com/hitoshi/walletwiz/internal/token"
	"github.com/hitoshi/walletwiz/internal/user"
	"github.com/hitoshi/walletwiz/internal/worker/cleanup"
)

const (
	shutdownTimeout = 30 * time.Second
	connectTimeout  = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, commandArgs(args))
	case CommandUserAdd:
		return runUserAdd(cfg, commandArgs(args))
	default:
		return runServe(cfg)
	}
}

// components はserveとuseraddで共有する認証まわりの依存関係。
type components struct {
	users       *repository.PostgresUserRepo
	codec       *token.Codec
	authService *auth.Service
	guard       *auth.Guard
	close       func() error
}

// buildComponents はリポジトリ・トークン・認証サービスを組み立てる。
// REDIS_URLが設定されていればリフレッシュトークンをRedisに保存する。
func buildComponents(ctx context.Context, cfg *config.Config, db *sql.DB, recorder auth.Recorder) (*components, error) {
	users := repository.NewPostgresUserRepo(db)

	refreshRepo, closeRepo, err := newRefreshTokenRepository(ctx, cfg, db)
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.Config{
		Secret:   []byte(cfg.JWTSecret),
		TTL:      cfg.AccessTokenTTL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		closeRepo()
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	store := refresh.NewStore(refreshRepo, cfg.RefreshTokenTTL)
	authService, err := auth.NewService(users, store, codec, auth.NewBcryptHasher(0), auth.ServiceConfig{
		Recorder: recorder,
		Names:    security.NewNameSanitizer(),
	})
	if err != nil {
		closeRepo()
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	return &components{
		users:       users,
		codec:       codec,
		authService: authService,
		guard:       auth.NewGuard(codec, users, recorder),
		close:       closeRepo,
	}, nil
}

// newRefreshTokenRepository はリフレッシュトークンの保存先を選択する。
func newRefreshTokenRepository(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.RefreshTokenRepository, func() error, error) {
	if cfg.RedisURL == "" {
		slog.Info("refresh token store: postgres")
		return repository.NewPostgresRefreshTokenRepo(db), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("refresh token store: redis", slog.String("addr", opts.Addr))
	return repository.NewRedisRefreshTokenRepo(rdb, repository.DefaultRedisKeyPrefix), rdb.Close, nil
}

// newRegistry はプロセスメトリクスを含むPrometheusレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	db, err := database.OpenAndPing(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newRouterDeps はAPIサーバーのルーター依存関係を組み立てる。
func newRouterDeps(cfg *config.Config, db *sql.DB, c *components, collector *metrics.Collector, reg prometheus.Gatherer, limiter *middleware.RateLimiter) *handler.RouterDeps {
	return &handler.RouterDeps{
		Authenticator:     c.guard,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:       slog.Default(),
		HTTPObserver: collector,

		AuthService: c.authService,
		Cookie: handler.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
		},

		UserService:     user.NewService(c.users, c.authService),
		PasswordChanger: c.authService,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	}
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	c, err := buildComponents(ctx, cfg, db, collector)
	cancel()
	if err != nil {
		return err
	}
	defer c.close()

	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAuth, cfg.RateLimitGeneral))
	defer limiter.Stop()

	router := handler.NewRouter(newRouterDeps(cfg, db, c, collector, reg, limiter))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serveUntilSignal(server)
}

// serveUntilSignal はサーバーを起動し、シグナル受信でグレースフルシャットダウンする。
func serveUntilSignal(server *http.Server) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}

	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runWorker はリフレッシュトークンのクリーンアップワーカーを起動する。
// 削除件数は/metricsで公開する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	job := cleanup.NewCleanupJob(db, slog.Default(), collector, cfg.RefreshTokenRetention)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		job.Start(ctx, cfg.CleanupInterval)
		close(done)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	err = serveUntilSignal(server)
	cancel()
	<-done

	slog.Info("worker stopped gracefully")
	return err
}

// runMigrate はデータベースマイグレーションを実行する。
//
//	migrate            未適用のマイグレーションをすべて適用する
//	migrate down [N]   直近N件（既定1件）を戻す
//	migrate version    現在のバージョンを表示する
func runMigrate(cfg *config.Config, args []string) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	action := "up"
	if len(args) > 0 {
		action = args[0]
	}

	switch action {
	case "up":
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[1], err)
			}
			steps = n
		}
		if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	case "version":
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}

	slog.Info("database migrations completed successfully", slog.String("action", action))
	return nil
}

// runUserAdd は端末からパスワードを受け取り、ユーザーを作成する。
func runUserAdd(cfg *config.Config, args []string) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	c, err := buildComponents(ctx, cfg, db, nil)
	if err != nil {
		return err
	}
	defer c.close()

	// パスワード入力を待つため、接続用のタイムアウトは引き継がない
	return addUser(context.Background(), c.authService, args, newTerminalPrompter(os.Stdin, os.Stderr), os.Stdout)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
