package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/logger"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
)

// SweepLockKey は複数インスタンス間でスイープを1つに絞るためのロックキー
const SweepLockKey = "hold-sweeper"

// HoldExpirer は期限切れの仮押さえを失効させるインターフェース
type HoldExpirer interface {
	ExpireOverdueHolds(ctx context.Context) (int, error)
}

// LeaderLock はロックを取得できた場合のみ fn を実行する
type LeaderLock interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context)) (bool, error)
}

// ExpiredHoldSweeper は期限切れの仮押さえを定期的に Expired へ遷移させるワーカー
// プロセス内タイマーが失われても、保存された expires_at から失効を導出できる
type ExpiredHoldSweeper struct {
	expirer  HoldExpirer
	interval time.Duration
	lock     LeaderLock
	metrics  *metrics.Metrics
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type SweeperOption func(*ExpiredHoldSweeper)

// WithLeaderLock はスイープ前に分散ロックを取得するようにする
func WithLeaderLock(l LeaderLock) SweeperOption {
	return func(s *ExpiredHoldSweeper) { s.lock = l }
}

func WithSweepMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *ExpiredHoldSweeper) { s.metrics = m }
}

// NewExpiredHoldSweeper は新しいスイーパーを作成
func NewExpiredHoldSweeper(e HoldExpirer, interval time.Duration, opts ...SweeperOption) *ExpiredHoldSweeper {
	s := &ExpiredHoldSweeper{
		expirer:  e,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start はスイーパーを開始する（Stop かコンテキストのキャンセルまでブロックする）
// 起動直後にも1回実行し、停止中に期限切れになった仮押さえを回収する
func (s *ExpiredHoldSweeper) Start(ctx context.Context) {
	logger.Info("期限切れ仮押さえスイーパー開始",
		zap.Duration("interval", s.interval),
		zap.Bool("leader_lock", s.lock != nil),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("期限切れ仮押さえスイーパー停止（コンテキストキャンセル）")
			return
		case <-s.stopCh:
			logger.Info("期限切れ仮押さえスイーパー停止（シグナル受信）")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop はスイーパーを停止し、実行中のスイープの完了を待つ
func (s *ExpiredHoldSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// RunOnce は1回分のスイープを実行し、失効させた件数と実行したかどうかを返す
// 他インスタンスがロックを保持している場合は実行しない
func (s *ExpiredHoldSweeper) RunOnce(ctx context.Context) (count int, ran bool, err error) {
	run := func(ctx context.Context) {
		start := time.Now()
		count, err = s.expirer.ExpireOverdueHolds(ctx)
		if s.metrics != nil {
			s.metrics.HoldSweepDuration.Observe(time.Since(start).Seconds())
		}
	}

	if s.lock == nil {
		run(ctx)
		return count, true, err
	}

	// TTL をスイープ間隔に合わせ、次の tick までに自然解放されるようにする
	acquired, lockErr := s.lock.WithLock(ctx, SweepLockKey, s.interval, run)
	if lockErr != nil {
		return 0, false, lockErr
	}
	return count, acquired, err
}

func (s *ExpiredHoldSweeper) sweep(ctx context.Context) {
	log := logger.Get()

	count, ran, err := s.RunOnce(ctx)
	if err != nil {
		log.Error("期限切れ仮押さえのスイープ失敗", zap.Int("expired", count), zap.Error(err))
		return
	}
	if !ran {
		log.Debug("他のインスタンスがスイープ中のためスキップ")
		return
	}

	if count > 0 {
		log.Info("期限切れ仮押さえを失効", zap.Int("count", count))
	} else {
		log.Debug("期限切れ仮押さえなし")
	}
}
