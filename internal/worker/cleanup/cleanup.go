// Package cleanup は期限切れ・失効済みリフレッシュトークンの定期削除ジョブを提供する。
// 失効済みトークンは再利用検知のため保持期間だけ残してから削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention は期限切れ後もトークン行を残しておく期間。
const DefaultRetention = 72 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PurgeRecorder は削除件数を記録する。metrics.Collectorが実装する。
type PurgeRecorder interface {
	RecordPurged(count int64)
}

// purgeQuery は有効期限からretentionを過ぎたトークンを削除する。
// 失効済みでも有効期限内の行は残るため、ローテーション済みトークンの再提示を判別できる。
const purgeQuery = `DELETE FROM refresh_tokens WHERE expires_at < now() - $1::interval`

// CleanupJob はリフレッシュトークンの自動削除ジョブ。冪等に実行できる。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	recorder  PurgeRecorder
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionが0以下の場合はDefaultRetentionを使用する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder PurgeRecorder, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		db:        db,
		logger:    logger,
		recorder:  recorder,
		Retention: retention,
	}
}

// Run は保持期間を超過したリフレッシュトークンを削除し、削除件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	result, err := j.db.ExecContext(ctx, purgeQuery, formatInterval(j.Retention))
	if err != nil {
		j.logger.Error("failed to purge refresh tokens",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return 0, fmt.Errorf("failed to purge refresh tokens: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get purged count: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordPurged(deleted)
	}

	j.logger.Info("refresh token cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup job started",
		slog.Duration("interval", interval),
		slog.Duration("retention", j.Retention),
	)

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

// runLogged はRunのエラーをログに残して握りつぶす。Run内で既にログ出力済み。
func (j *CleanupJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Warn("cleanup failed, retrying on next tick")
	}
}

// formatInterval はPostgreSQLのinterval文字列に変換する。秒未満は切り捨てる。
func formatInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
