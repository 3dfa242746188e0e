// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// auth.Recorderとmiddleware.HTTPObserverを満たす。
type Collector struct {
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
	invalidations   prometheus.Counter
	httpStatus      *prometheus.CounterVec
	httpLatency     prometheus.Histogram
	cleanupDeleted  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletwiz_auth_login_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletwiz_auth_refresh_total",
			Help: "結果別のトークンリフレッシュ数",
		}, []string{"result"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletwiz_auth_guard_rejections_total",
			Help: "理由別のアクセストークン拒否数",
		}, []string{"reason"}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletwiz_auth_invalidate_all_total",
			Help: "全セッション無効化の実行数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletwiz_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "walletwiz_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletwiz_refresh_tokens_purged_total",
			Help: "クリーンアップで削除されたリフレッシュトークン数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.guardRejections,
		c.invalidations,
		c.httpStatus,
		c.httpLatency,
		c.cleanupDeleted,
	)

	return c
}

// ObserveLogin はログイン結果を記録する。
func (c *Collector) ObserveLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// ObserveRefresh はリフレッシュ結果を記録する。
func (c *Collector) ObserveRefresh(result string) {
	c.refreshes.WithLabelValues(result).Inc()
}

// ObserveGuardRejection はアクセストークン拒否を理由付きで記録する。
func (c *Collector) ObserveGuardRejection(reason string) {
	c.guardRejections.WithLabelValues(reason).Inc()
}

// ObserveInvalidation は全セッション無効化を記録する。
func (c *Collector) ObserveInvalidation() {
	c.invalidations.Inc()
}

// ObserveHTTP はHTTPレスポンスのステータスと処理時間を記録する。
func (c *Collector) ObserveHTTP(statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// RecordPurged はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordPurged(count int64) {
	c.cleanupDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
