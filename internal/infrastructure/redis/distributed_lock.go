package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
)

var (
	ErrLockNotAcquired = errors.New("ロックを取得できませんでした")
	ErrLockNotOwned    = errors.New("ロックの所有者ではありません")
)

// 所有者確認と削除をアトミックに実行する
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock は Redis を使用した分散ロック
type DistributedLock struct {
	client  *redis.Client
	key     string
	value   string
	ttl     time.Duration
	metrics *metrics.Metrics
}

// LockManager は分散ロックを管理する
// 複数インスタンスのうち1つだけがスイープを実行するために使う
type LockManager struct {
	client  *redis.Client
	metrics *metrics.Metrics
}

func NewLockManager(client *redis.Client, m *metrics.Metrics) *LockManager {
	return &LockManager{client: client, metrics: m}
}

// AcquireLock はロックを取得する
func (m *LockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	start := time.Now()
	lockKey := fmt.Sprintf("lock:%s", key)
	lockValue := uuid.New().String()

	// SetNX を使用してロックを取得（キーが存在しない場合のみ設定）
	ok, err := m.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		m.observe("acquire", "failed", start)
		return nil, fmt.Errorf("ロック取得に失敗: %w", err)
	}
	if !ok {
		m.observe("acquire", "not_acquired", start)
		return nil, ErrLockNotAcquired
	}
	m.observe("acquire", "success", start)

	return &DistributedLock{
		client:  m.client,
		key:     lockKey,
		value:   lockValue,
		ttl:     ttl,
		metrics: m.metrics,
	}, nil
}

// WithLock はロックを取得できた場合のみ fn を実行する
// 他インスタンスが保持中なら fn を実行せず false を返す
func (m *LockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context)) (bool, error) {
	lock, err := m.AcquireLock(ctx, key, ttl)
	if errors.Is(err, ErrLockNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// TTL で自然解放されるため、解放失敗は致命的ではない
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	fn(ctx)
	return true, nil
}

// Release はロックを解放する（Lua スクリプトで安全に解放）
func (l *DistributedLock) Release(ctx context.Context) error {
	start := time.Now()
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		l.observe("failed", start)
		return fmt.Errorf("ロック解放に失敗: %w", err)
	}
	if result == 0 {
		l.observe("not_owned", start)
		return ErrLockNotOwned
	}
	l.observe("success", start)
	return nil
}

func (m *LockManager) observe(op, status string, start time.Time) {
	if m.metrics != nil {
		m.metrics.DistributedLockDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	}
}

func (l *DistributedLock) observe(status string, start time.Time) {
	if l.metrics != nil {
		l.metrics.DistributedLockDuration.WithLabelValues("release", status).Observe(time.Since(start).Seconds())
	}
}
