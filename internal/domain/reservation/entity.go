package reservation

import (
	"time"

	"github.com/google/uuid"
)

// HoldDuration は仮押さえの有効期間（延長不可）
const HoldDuration = 60 * time.Second

// ResourceKey は競合対象となる（担当医, 開始時刻）の組
type ResourceKey struct {
	ProviderID  string
	ScheduledAt time.Time
}

// NewResourceKey は開始時刻を UTC の秒単位に正規化したキーを返す
// 秒未満は切り捨てるが、異なる秒の開始時刻は別の枠として扱う
func NewResourceKey(providerID string, scheduledAt time.Time) ResourceKey {
	return ResourceKey{
		ProviderID:  providerID,
		ScheduledAt: scheduledAt.UTC().Truncate(time.Second),
	}
}

func (k ResourceKey) String() string {
	return k.ProviderID + "|" + k.ScheduledAt.UTC().Format(time.RFC3339)
}

// Reservation は予約エンティティを表す
type Reservation struct {
	ID              string
	Resource        ResourceKey
	HolderID        string
	State           State
	DurationMinutes int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ConfirmedAt     *time.Time
	ClosedAt        *time.Time
	CancelReason    string
	UpdatedAt       time.Time
}

// NewHold は Held 状態の新しい予約を作成する
func NewHold(key ResourceKey, holderID string, durationMinutes int, now time.Time, holdFor time.Duration) *Reservation {
	if holdFor <= 0 {
		holdFor = HoldDuration
	}
	return &Reservation{
		ID:              uuid.NewString(),
		Resource:        key,
		HolderID:        holderID,
		State:           StateHeld,
		DurationMinutes: durationMinutes,
		CreatedAt:       now,
		ExpiresAt:       now.Add(holdFor),
		UpdatedAt:       now,
	}
}

// Validate は予約の検証を行う
func (r *Reservation) Validate() error {
	if r.HolderID == "" {
		return ErrHolderIDRequired
	}
	if r.Resource.ProviderID == "" {
		return ErrProviderIDRequired
	}
	if r.Resource.ScheduledAt.IsZero() {
		return ErrScheduledAtRequired
	}
	if r.DurationMinutes <= 0 {
		return ErrInvalidDuration
	}
	return nil
}

// IsExpiredAt は now 時点で仮押さえ期限を過ぎているかを返す
func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsHeld は仮押さえ中かを返す
func (r *Reservation) IsHeld() bool {
	return r.State == StateHeld
}

// Transition は状態を next に遷移させる
func (r *Reservation) Transition(next State, at time.Time, reason string) error {
	if !r.State.CanTransitionTo(next) {
		return ErrInvalidState
	}
	r.State = next
	r.UpdatedAt = at
	switch next {
	case StateConfirmed:
		r.ConfirmedAt = &at
	case StateCancelled:
		r.ClosedAt = &at
		r.CancelReason = reason
	case StateExpired:
		r.ClosedAt = &at
	}
	return nil
}

// Clone はストア境界をまたぐためのコピーを返す
func (r *Reservation) Clone() *Reservation {
	c := *r
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
