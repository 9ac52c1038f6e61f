// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// カスケードジョブの処理結果ラベル
const (
	CascadeResultSuccess = "success"
	CascadeResultRetry   = "retry"
)

// トークン種別ラベル
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェア、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthFailure(reason string)
	RecordTokenIssued(kind string)
	RecordSessionCreated()
	RecordSessionsPruned(users int64)
	RecordHTTPStatus(statusCode int)
	RecordCascadeJob(result string)
	RecordCascadeTasksDeleted(count int64)
	RecordCascadeLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authFailures        *prometheus.CounterVec
	tokensIssued        *prometheus.CounterVec
	sessionsCreated     prometheus.Counter
	sessionsPruned      prometheus.Counter
	httpStatus          *prometheus.CounterVec
	cascadeJobs         *prometheus.CounterVec
	cascadeTasksDeleted prometheus.Counter
	cascadeLatency      prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_auth_failures_total",
			Help: "理由別の認証失敗数",
		}, []string{"reason"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_tokens_issued_total",
			Help: "種別ごとのトークン発行数",
		}, []string{"kind"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_sessions_created_total",
			Help: "作成されたリフレッシュセッションの合計数",
		}),
		sessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_sessions_pruned_users_total",
			Help: "期限切れセッションを除去したユーザー数の合計",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cascadeJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_cascade_jobs_total",
			Help: "結果別のカスケードジョブ処理数",
		}, []string{"result"}),
		cascadeTasksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_cascade_tasks_deleted_total",
			Help: "カスケード削除されたタスクの合計数",
		}),
		cascadeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskman_cascade_latency_seconds",
			Help:    "カスケードジョブ1件の処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.authFailures,
		c.tokensIssued,
		c.sessionsCreated,
		c.sessionsPruned,
		c.httpStatus,
		c.cascadeJobs,
		c.cascadeTasksDeleted,
		c.cascadeLatency,
	)

	return c
}

// RecordAuthFailure は認証失敗を理由ラベル付きで記録する。
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued(kind string) {
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionsPruned は期限切れセッションを除去したユーザー数を記録する。
func (c *Collector) RecordSessionsPruned(users int64) {
	c.sessionsPruned.Add(float64(users))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCascadeJob はカスケードジョブの処理結果を記録する。
func (c *Collector) RecordCascadeJob(result string) {
	c.cascadeJobs.WithLabelValues(result).Inc()
}

// RecordCascadeTasksDeleted はカスケード削除したタスク数を記録する。
func (c *Collector) RecordCascadeTasksDeleted(count int64) {
	c.cascadeTasksDeleted.Add(float64(count))
}

// RecordCascadeLatency はカスケードジョブの処理時間を記録する。
func (c *Collector) RecordCascadeLatency(duration time.Duration) {
	c.cascadeLatency.Observe(duration.Seconds())
}

// NopCollector は何も記録しないMetricsCollector。テストや計測不要な経路で使う。
type NopCollector struct{}

func (NopCollector) RecordAuthFailure(string) {}
func (NopCollector) RecordTokenIssued(string) {}
func (NopCollector) RecordSessionCreated() {}
func (NopCollector) RecordSessionsPruned(int64) {}
func (NopCollector) RecordHTTPStatus(int) {}
func (NopCollector) RecordCascadeJob(string) {}
func (NopCollector) RecordCascadeTasksDeleted(int64) {}
func (NopCollector) RecordCascadeLatency(time.Duration) {}

// OrNop はnilの場合にNopCollectorを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NopCollector{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
