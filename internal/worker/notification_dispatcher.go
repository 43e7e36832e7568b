package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/logger"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
)

const (
	notifyTimeout = 5 * time.Second
	maxRetryDelay = 30 * time.Second
)

type notification struct {
	event       reservation.Event
	reservation *reservation.Reservation
}

// NotificationDispatcher は状態遷移の通知をバッファ経由で非同期に配送するワーカー
// 配送の失敗は再試行とログ出力のみで、予約の状態遷移には影響しない
type NotificationDispatcher struct {
	notifier    reservation.Notifier
	maxAttempts int
	retryDelay  time.Duration
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan notification
	doneCh chan struct{}
}

type DispatcherConfig struct {
	Buffer      int
	MaxAttempts int
	RetryDelay  time.Duration
	Metrics     *metrics.Metrics
}

// NewNotificationDispatcher は新しいディスパッチャーを作成
func NewNotificationDispatcher(n reservation.Notifier, cfg DispatcherConfig) *NotificationDispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &NotificationDispatcher{
		notifier:    n,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		metrics:     cfg.Metrics,
		queue:       make(chan notification, cfg.Buffer),
		doneCh:      make(chan struct{}),
	}
}

// Dispatch は通知をキューに積む。呼び出し元をブロックせず、満杯なら破棄する
func (d *NotificationDispatcher) Dispatch(event reservation.Event, r *reservation.Reservation) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.count(event, "dropped")
		logger.Warn("停止後の通知を破棄", zap.String("event", string(event)), zap.String("reservation_id", r.ID))
		return
	}

	select {
	case d.queue <- notification{event: event, reservation: r}:
	default:
		d.count(event, "dropped")
		logger.Warn("通知キューが満杯のため破棄",
			zap.String("event", string(event)),
			zap.String("reservation_id", r.ID),
		)
	}
}

// Start はキューの配送を開始する（Stop でキューが空になるまでブロックする）
func (d *NotificationDispatcher) Start(ctx context.Context) {
	logger.Info("通知ディスパッチャー開始",
		zap.Int("buffer", cap(d.queue)),
		zap.Int("max_attempts", d.maxAttempts),
	)
	defer close(d.doneCh)

	for n := range d.queue {
		d.deliver(ctx, n)
	}
	logger.Info("通知ディスパッチャー停止")
}

// Stop は新規の受付を止め、積まれている通知を配送し終えるまで待つ
func (d *NotificationDispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.doneCh
}

func (d *NotificationDispatcher) deliver(ctx context.Context, n notification) {
	log := logger.With(
		zap.String("event", string(n.event)),
		zap.String("reservation_id", n.reservation.ID),
	)

	delay := d.retryDelay
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.notifyOnce(ctx, n)
		if err == nil {
			d.count(n.event, "delivered")
			return
		}
		if attempt == d.maxAttempts {
			d.count(n.event, "failed")
			log.Error("通知の配送を断念", zap.Int("attempt", attempt), zap.Error(err))
			return
		}

		d.count(n.event, "retried")
		log.Warn("通知の配送に失敗、再試行します", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			d.count(n.event, "failed")
			log.Error("停止のため通知の再試行を中断", zap.Int("attempt", attempt))
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func (d *NotificationDispatcher) notifyOnce(ctx context.Context, n notification) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return d.notifier.Notify(ctx, n.event, n.reservation)
}

func (d *NotificationDispatcher) count(event reservation.Event, result string) {
	if d.metrics != nil {
		d.metrics.NotificationsTotal.WithLabelValues(string(event), result).Inc()
	}
}
