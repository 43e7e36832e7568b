package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

var (
	ErrCacheMiss = errors.New("キャッシュが見つかりません")
)

// DefaultScheduleTTL は日別予約表キャッシュの既定の有効期間
// 仮押さえの失効は無効化されないことがあるため短めにする
const DefaultScheduleTTL = 15 * time.Second

// versionTTL は世代番号の保持期間。読み取り1回よりも十分長ければよい
const versionTTL = 48 * time.Hour

// 世代番号が読み取り開始時から変わっていない場合だけ保存する
var setIfVersionScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[2])
	if (current or "0") ~= ARGV[1] then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
`)

// cachedReservation はキャッシュ上の予約表現
type cachedReservation struct {
	ID              string     `json:"id"`
	ProviderID      string     `json:"providerId"`
	ScheduledAt     time.Time  `json:"scheduledAt"`
	HolderID        string     `json:"holderId"`
	State           string     `json:"state"`
	DurationMinutes int        `json:"durationMinutes"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// ScheduleCache は担当医ごとの日別予約表をキャッシュする
type ScheduleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewScheduleCache は新しいScheduleCacheインスタンスを作成する
func NewScheduleCache(client *redis.Client, ttl time.Duration) *ScheduleCache {
	if ttl <= 0 {
		ttl = DefaultScheduleTTL
	}
	return &ScheduleCache{client: client, ttl: ttl}
}

// GetProviderDay はキャッシュから予約表を取得する
func (c *ScheduleCache) GetProviderDay(ctx context.Context, providerID string, day time.Time) ([]*reservation.Reservation, error) {
	data, err := c.client.Get(ctx, scheduleKey(providerID, day)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("キャッシュ取得に失敗: %w", err)
	}
	return decodeSchedule(data)
}

// ProviderDayVersion は予約表の現在の世代番号を返す。ストアを読む前に取得しておく
func (c *ScheduleCache) ProviderDayVersion(ctx context.Context, providerID string, day time.Time) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(providerID, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("世代番号の取得に失敗: %w", err)
	}
	return v, nil
}

// SetProviderDay は世代番号が version のままであれば予約表を保存する
// 読み取り中に無効化された場合は保存せず false を返す
func (c *ScheduleCache) SetProviderDay(ctx context.Context, providerID string, day time.Time, version int64, rs []*reservation.Reservation) (bool, error) {
	data, err := encodeSchedule(rs)
	if err != nil {
		return false, err
	}
	keys := []string{scheduleKey(providerID, day), versionKey(providerID, day)}
	stored, err := setIfVersionScript.Run(ctx, c.client, keys,
		strconv.FormatInt(version, 10), data, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("キャッシュ保存に失敗: %w", err)
	}
	return stored == 1, nil
}

// InvalidateProviderDay は day を含む日の予約表を無効化し、世代番号を進める
func (c *ScheduleCache) InvalidateProviderDay(ctx context.Context, providerID string, day time.Time) error {
	verKey := versionKey(providerID, day)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, verKey)
		pipe.Expire(ctx, verKey, versionTTL)
		pipe.Del(ctx, scheduleKey(providerID, day))
		return nil
	})
	if err != nil {
		return fmt.Errorf("キャッシュ無効化に失敗: %w", err)
	}
	return nil
}

func scheduleKey(providerID string, day time.Time) string {
	return fmt.Sprintf("schedule:%s:%s", providerID, day.UTC().Format(time.DateOnly))
}

func versionKey(providerID string, day time.Time) string {
	return fmt.Sprintf("schedule:ver:%s:%s", providerID, day.UTC().Format(time.DateOnly))
}

func encodeSchedule(rs []*reservation.Reservation) ([]byte, error) {
	items := make([]cachedReservation, 0, len(rs))
	for _, r := range rs {
		items = append(items, cachedReservation{
			ID:              r.ID,
			ProviderID:      r.Resource.ProviderID,
			ScheduledAt:     r.Resource.ScheduledAt,
			HolderID:        r.HolderID,
			State:           r.State.String(),
			DurationMinutes: r.DurationMinutes,
			CreatedAt:       r.CreatedAt,
			ExpiresAt:       r.ExpiresAt,
			ConfirmedAt:     r.ConfirmedAt,
			UpdatedAt:       r.UpdatedAt,
		})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("予約表のエンコードに失敗: %w", err)
	}
	return data, nil
}

func decodeSchedule(data []byte) ([]*reservation.Reservation, error) {
	var items []cachedReservation
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("予約表のデコードに失敗: %w", err)
	}
	rs := make([]*reservation.Reservation, 0, len(items))
	for _, it := range items {
		state, err := reservation.ParseState(it.State)
		if err != nil {
			return nil, err
		}
		rs = append(rs, &reservation.Reservation{
			ID:              it.ID,
			Resource:        reservation.NewResourceKey(it.ProviderID, it.ScheduledAt),
			HolderID:        it.HolderID,
			State:           state,
			DurationMinutes: it.DurationMinutes,
			CreatedAt:       it.CreatedAt.UTC(),
			ExpiresAt:       it.ExpiresAt.UTC(),
			ConfirmedAt:     it.ConfirmedAt,
			UpdatedAt:       it.UpdatedAt.UTC(),
		})
	}
	return rs, nil
}
