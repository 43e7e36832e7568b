package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/clock"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/logger"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
)

const (
	defaultListLimit  = 20
	defaultSweepBatch = 500
	timerSlack        = 5 * time.Millisecond
	expireTimeout     = 5 * time.Second
)

// EventDispatcher は状態遷移の通知を非同期に配送する
type EventDispatcher interface {
	Dispatch(event reservation.Event, r *reservation.Reservation)
}

// ScheduleCache は担当医の日別予約一覧のキャッシュ
// 無効化のたびに進む世代番号で、読み取り中に無効化された一覧の保存を防ぐ
type ScheduleCache interface {
	GetProviderDay(ctx context.Context, providerID string, day time.Time) ([]*reservation.Reservation, error)
	ProviderDayVersion(ctx context.Context, providerID string, day time.Time) (int64, error)
	SetProviderDay(ctx context.Context, providerID string, day time.Time, version int64, rs []*reservation.Reservation) (bool, error)
	InvalidateProviderDay(ctx context.Context, providerID string, day time.Time) error
}

// ReservationService は仮押さえ・確定・キャンセル・期限切れの状態機械を管理する
type ReservationService struct {
	store      reservation.Store
	clock      clock.Clock
	holdFor    time.Duration
	sweepBatch int
	timers     *ExpiryTimers
	dispatcher EventDispatcher
	cache      ScheduleCache
	metrics    *metrics.Metrics
}

type Option func(*ReservationService)

// WithHoldDuration は仮押さえの有効期間を設定する
func WithHoldDuration(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.holdFor = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *ReservationService) { s.clock = c }
}

// WithExpiryTimers はプロセス内の期限タイマーを有効にする
func WithExpiryTimers(t *ExpiryTimers) Option {
	return func(s *ReservationService) { s.timers = t }
}

func WithDispatcher(d EventDispatcher) Option {
	return func(s *ReservationService) { s.dispatcher = d }
}

func WithScheduleCache(c ScheduleCache) Option {
	return func(s *ReservationService) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReservationService) { s.metrics = m }
}

// WithSweepBatch はスイープ1回あたりの最大処理件数を設定する
func WithSweepBatch(n int) Option {
	return func(s *ReservationService) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func NewReservationService(store reservation.Store, opts ...Option) *ReservationService {
	s := &ReservationService{
		store:      store,
		clock:      clock.NewSystem(),
		holdFor:    reservation.HoldDuration,
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RequestHoldInput struct {
	HolderID        string
	ProviderID      string
	ScheduledAt     time.Time
	DurationMinutes int
}

// RequestHold は枠を仮押さえする
func (s *ReservationService) RequestHold(ctx context.Context, input RequestHoldInput) (*reservation.Reservation, error) {
	now := s.clock.Now()
	key := reservation.NewResourceKey(input.ProviderID, input.ScheduledAt)
	res := reservation.NewHold(key, input.HolderID, input.DurationMinutes, now, s.holdFor)
	if err := res.Validate(); err != nil {
		s.countHold("invalid")
		return nil, err
	}

	inserted, err := s.store.TryInsertHold(ctx, res)
	if err != nil {
		s.countHold("error")
		return nil, err
	}
	if !inserted {
		// 占有中の予約が期限切れの Held なら、その場で失効させて1回だけ再試行する
		released, err := s.releaseOverdueHold(ctx, key, now)
		if err != nil {
			s.countHold("error")
			return nil, err
		}
		if released {
			inserted, err = s.store.TryInsertHold(ctx, res)
			if err != nil {
				s.countHold("error")
				return nil, err
			}
		}
	}
	if !inserted {
		s.countHold("slot_taken")
		return nil, reservation.ErrSlotUnavailable
	}

	s.countHold("success")
	s.invalidateSchedule(ctx, res)
	s.scheduleExpiry(res)
	logger.Info("仮押さえ作成",
		zap.String("reservation_id", res.ID),
		zap.String("resource", key.String()),
		zap.String("holder_id", res.HolderID),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

// releaseOverdueHold はリソースを占有している期限切れの Held を Expired にする
func (s *ReservationService) releaseOverdueHold(ctx context.Context, key reservation.ResourceKey, now time.Time) (bool, error) {
	current, err := s.store.FindActiveByResource(ctx, key)
	if errors.Is(err, reservation.ErrNotFound) {
		// 競合相手が直前に終端へ遷移した
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !current.IsHeld() || !current.IsExpiredAt(now) {
		return false, nil
	}
	if _, err := s.transition(ctx, current, reservation.StateExpired, now, ""); err != nil {
		return false, err
	}
	// CAS に負けた場合も相手が終端へ遷移させているので再試行してよい
	return true, nil
}

// Confirm は仮押さえを確定する
// 失効済みの予約には、失効させたのが誰であっても ErrExpired を返す
func (s *ReservationService) Confirm(ctx context.Context, id string) (*reservation.Reservation, error) {
	res, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case res.State == reservation.StateExpired:
		return nil, reservation.ErrExpired
	case !res.IsHeld():
		return nil, reservation.ErrInvalidState
	}

	now := s.clock.Now()
	if res.IsExpiredAt(now) {
		ok, err := s.transition(ctx, res, reservation.StateExpired, now, "")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.lostRace(ctx, id)
		}
		return nil, reservation.ErrExpired
	}

	ok, err := s.transition(ctx, res, reservation.StateConfirmed, now, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lostRace(ctx, id)
	}
	return res, nil
}

// lostRace は CAS に負けた後の結果を勝者の遷移先から判定する
func (s *ReservationService) lostRace(ctx context.Context, id string) error {
	latest, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if latest.State == reservation.StateExpired {
		return reservation.ErrExpired
	}
	return reservation.ErrInvalidState
}

// Cancel は仮押さえを取り消す。終端状態の予約に対しては何もしない
func (s *ReservationService) Cancel(ctx context.Context, id, reason string) error {
	res, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if res.State.IsTerminal() {
		return nil
	}
	if _, err := s.transition(ctx, res, reservation.StateCancelled, s.clock.Now(), reason); err != nil {
		return err
	}
	return nil
}

// ExpireOverdueHolds は期限切れの Held を一括で Expired にし、遷移させた件数を返す
// 個別の失効に失敗した場合も件数とあわせてエラーを返す。ストア障害ではその時点で打ち切る
func (s *ReservationService) ExpireOverdueHolds(ctx context.Context) (int, error) {
	now := s.clock.Now()
	holds, err := s.store.FindExpiredHolds(ctx, now, s.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("期限切れ仮押さえの取得に失敗: %w", err)
	}

	count := 0
	var errs []error
	for _, res := range holds {
		ok, err := s.transition(ctx, res, reservation.StateExpired, now, "")
		if err != nil {
			errs = append(errs, fmt.Errorf("仮押さえ %s の失効に失敗: %w", res.ID, err))
			if errors.Is(err, reservation.ErrStoreUnavailable) {
				break
			}
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// expire はプロセス内タイマーから呼ばれる
func (s *ReservationService) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	res, err := s.store.GetByID(ctx, id)
	if err != nil {
		logger.Warn("期限タイマーでの予約取得に失敗", zap.String("reservation_id", id), zap.Error(err))
		return
	}
	if !res.IsHeld() {
		return
	}
	now := s.clock.Now()
	if !res.IsExpiredAt(now) {
		s.scheduleExpiry(res)
		return
	}
	if _, err := s.transition(ctx, res, reservation.StateExpired, now, ""); err != nil {
		logger.Warn("期限タイマーでの失効に失敗", zap.String("reservation_id", id), zap.Error(err))
	}
}

// transition は Held からの CAS 更新を行い、成功時の後処理（タイマー解除・通知・キャッシュ無効化）を行う
// res は成功時に遷移後の状態へ更新される
func (s *ReservationService) transition(ctx context.Context, res *reservation.Reservation, to reservation.State, at time.Time, reason string) (bool, error) {
	ok, err := s.store.UpdateState(ctx, reservation.StateChange{
		ID:     res.ID,
		From:   reservation.StateHeld,
		To:     to,
		At:     at,
		Reason: reason,
	})
	if err != nil || !ok {
		return false, err
	}
	if err := res.Transition(to, at, reason); err != nil {
		return false, err
	}

	if s.timers != nil {
		s.timers.Cancel(res.ID)
	}
	if s.metrics != nil {
		s.metrics.ReservationTransitionsTotal.WithLabelValues(to.String()).Inc()
	}
	s.invalidateSchedule(ctx, res)
	if event, ok := reservation.EventFor(to); ok && s.dispatcher != nil {
		s.dispatcher.Dispatch(event, res.Clone())
	}

	logger.Info("予約状態を更新",
		zap.String("reservation_id", res.ID),
		zap.String("state", to.String()),
	)
	return true, nil
}

func (s *ReservationService) scheduleExpiry(res *reservation.Reservation) {
	if s.timers == nil {
		return
	}
	delay := res.ExpiresAt.Sub(s.clock.Now()) + timerSlack
	id := res.ID
	s.timers.Schedule(id, delay, func() { s.expire(id) })
}

func (s *ReservationService) invalidateSchedule(ctx context.Context, res *reservation.Reservation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateProviderDay(ctx, res.Resource.ProviderID, res.Resource.ScheduledAt); err != nil {
		logger.Warn("予約表キャッシュの無効化に失敗",
			zap.String("provider_id", res.Resource.ProviderID),
			zap.Error(err),
		)
	}
}

func (s *ReservationService) storeSchedule(ctx context.Context, providerID string, day time.Time, version int64, rs []*reservation.Reservation) {
	stored, err := s.cache.SetProviderDay(ctx, providerID, day, version, rs)
	if err != nil {
		logger.Warn("予約表キャッシュの保存に失敗", zap.String("provider_id", providerID), zap.Error(err))
		return
	}
	if !stored {
		logger.Debug("読み取り中に予約表が更新されたためキャッシュしない", zap.String("provider_id", providerID))
	}
}

func (s *ReservationService) countHold(result string) {
	if s.metrics != nil {
		s.metrics.HoldRequestsTotal.WithLabelValues(result).Inc()
	}
}

func (s *ReservationService) GetReservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	return s.store.GetByID(ctx, id)
}

func (s *ReservationService) ListHolderReservations(ctx context.Context, holderID string, limit, offset int) ([]*reservation.Reservation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListByHolder(ctx, holderID, limit, offset)
}

// ListProviderDay は担当医のその日（UTC）の有効な予約を開始時刻順に返す
// 期限切れの Held は失効前でも除外する
func (s *ReservationService) ListProviderDay(ctx context.Context, providerID string, day time.Time) ([]*reservation.Reservation, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)

	var rs []*reservation.Reservation
	cacheable := false
	var version int64
	if s.cache != nil {
		cached, err := s.cache.GetProviderDay(ctx, providerID, from)
		if err == nil {
			rs = cached
		} else if version, err = s.cache.ProviderDayVersion(ctx, providerID, from); err == nil {
			cacheable = true
		}
	}
	if rs == nil {
		fetched, err := s.store.ListActiveByProvider(ctx, providerID, from, to)
		if err != nil {
			return nil, err
		}
		rs = fetched
		if cacheable {
			s.storeSchedule(ctx, providerID, from, version, rs)
		}
	}

	now := s.clock.Now()
	out := make([]*reservation.Reservation, 0, len(rs))
	for _, r := range rs {
		if r.IsHeld() && r.IsExpiredAt(now) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
