package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はアプリケーションのメトリクスを管理する
type Metrics struct {
	// HTTPリクエストの総数（method, path, status_code）
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPリクエストのレイテンシ（method, path）
	HTTPRequestDuration *prometheus.HistogramVec

	// 仮押さえ要求の総数（result: success, slot_taken, invalid, error）
	HoldRequestsTotal *prometheus.CounterVec

	// 状態遷移の総数（to: confirmed, cancelled, expired）
	ReservationTransitionsTotal *prometheus.CounterVec

	// 期限切れスイープ1回の所要時間
	HoldSweepDuration prometheus.Histogram

	// 分散ロックの操作時間（operation: acquire/release, status: success/failed/not_acquired）
	DistributedLockDuration *prometheus.HistogramVec

	// 通知配送の総数（event, result: delivered, retried, failed, dropped）
	NotificationsTotal *prometheus.CounterVec
}

// New は新しいMetricsインスタンスを作成し、デフォルトレジストリに登録する
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry は指定したレジストリにメトリクスを登録する
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HoldRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hold_requests_total",
				Help: "Total number of slot hold requests",
			},
			[]string{"result"},
		),
		ReservationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_transitions_total",
				Help: "Total number of reservation state transitions",
			},
			[]string{"to"},
		),
		HoldSweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hold_sweep_duration_seconds",
				Help:    "Time spent on one expired hold sweep pass",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		DistributedLockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distributed_lock_duration_seconds",
				Help:    "Time spent on distributed lock operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "status"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Total number of reservation notification deliveries",
			},
			[]string{"event", "result"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HoldRequestsTotal,
		m.ReservationTransitionsTotal,
		m.HoldSweepDuration,
		m.DistributedLockDuration,
		m.NotificationsTotal,
	)

	return m
}

// デフォルトのメトリクスインスタンス
var defaultMetrics *Metrics

// Init はデフォルトのメトリクスインスタンスを初期化する
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

// Get はデフォルトのメトリクスインスタンスを返す
func Get() *Metrics {
	return defaultMetrics
}
