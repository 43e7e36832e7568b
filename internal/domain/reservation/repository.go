package reservation

import (
	"context"
	"time"
)

// StateChange は期待状態付きの状態更新（CAS）を表す
type StateChange struct {
	ID     string
	From   State
	To     State
	At     time.Time
	Reason string
}

// Store は予約ストアのインターフェース
// 同一リソースキーの排他はストアが唯一の裁定者となる
type Store interface {
	// TryInsertHold は Held 予約をアトミックに挿入する
	// 同じリソースキーに非終端の予約が存在する場合は false を返す
	TryInsertHold(ctx context.Context, r *Reservation) (bool, error)

	// GetByID はIDから予約を取得する
	GetByID(ctx context.Context, id string) (*Reservation, error)

	// UpdateState は現在の状態が From と一致する場合のみ To に更新する
	UpdateState(ctx context.Context, change StateChange) (bool, error)

	// FindExpiredHolds は now 時点で期限切れの Held 予約を取得する
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)

	// FindActiveByResource はリソースキーを占有している予約を取得する
	FindActiveByResource(ctx context.Context, key ResourceKey) (*Reservation, error)

	// ListByHolder は予約者の予約一覧を新しい順に取得する
	ListByHolder(ctx context.Context, holderID string, limit, offset int) ([]*Reservation, error)

	// ListActiveByProvider は担当医の [from, to) の非終端予約を取得する
	ListActiveByProvider(ctx context.Context, providerID string, from, to time.Time) ([]*Reservation, error)
}

// Notifier は予約の確定・キャンセル・期限切れを外部へ通知する
type Notifier interface {
	Notify(ctx context.Context, event Event, r *Reservation) error
}
