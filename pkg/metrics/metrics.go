package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 账本操作计数
	LedgerOperationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of ledger operations by result",
		},
		[]string{"operation", "result"}, // result: ok, unauthorized, not_found, invalid_state, invalid_amount, invalid_input, error
	)

	// 账本操作延迟（秒）
	LedgerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Ledger operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation"},
	)

	// 已放款总额
	FundsReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_funds_released_total",
			Help: "Total amount of funds released to contractors",
		},
	)

	// 评分服务调用延迟（毫秒）
	ScorerCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scorer_call_latency_ms",
			Help:    "Proof scoring service call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"endpoint", "status"},
	)

	// Outbox 发布计数
	OutboxPublishedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events handled by the dispatcher",
		},
		[]string{"status"}, // status: sent, retry, failed
	)

	// 自动评分消费结果
	AutoScoreCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_autoscore_total",
			Help: "Total number of proof.submitted messages handled by the auto-score worker",
		},
		[]string{"result"}, // result: verified, skipped, rejected, retry, dead_letter
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of database queries slower than the threshold",
		},
		[]string{"command"},
	)
)

// RecordLedgerOperation 记录账本操作结果和耗时
func RecordLedgerOperation(operation, result string, duration time.Duration) {
	LedgerOperationCount.WithLabelValues(operation, result).Inc()
	LedgerOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddFundsReleased 累加放款金额
func AddFundsReleased(amount float64) {
	if amount > 0 {
		FundsReleasedTotal.Add(amount)
	}
}

// RecordScorerCallLatency 记录评分服务调用延迟
func RecordScorerCallLatency(endpoint, status string, duration time.Duration) {
	ScorerCallLatency.WithLabelValues(endpoint, status).Observe(float64(duration.Milliseconds()))
}

// IncrementOutboxPublished 增加 outbox 发布计数
func IncrementOutboxPublished(status string) {
	OutboxPublishedCount.WithLabelValues(status).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(command string) {
	SlowQueryCount.WithLabelValues(command).Inc()
}

// IncrementAutoScore 记录一次自动评分处理结果
func IncrementAutoScore(result string) {
	AutoScoreCount.WithLabelValues(result).Inc()
}
