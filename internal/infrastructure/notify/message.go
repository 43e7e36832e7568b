package notify

import (
	"time"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

// Message は通知先へ渡す予約イベントのペイロード
type Message struct {
	Event           reservation.Event `json:"event"`
	ReservationID   string            `json:"reservationId"`
	ProviderID      string            `json:"providerId"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	HolderID        string            `json:"holderId"`
	State           string            `json:"state"`
	DurationMinutes int               `json:"durationMinutes"`
	CancelReason    string            `json:"cancelReason,omitempty"`
	OccurredAt      time.Time         `json:"occurredAt"`
}

// NewMessage は予約の現在状態から通知メッセージを組み立てる
func NewMessage(event reservation.Event, r *reservation.Reservation) Message {
	return Message{
		Event:           event,
		ReservationID:   r.ID,
		ProviderID:      r.Resource.ProviderID,
		ScheduledAt:     r.Resource.ScheduledAt,
		HolderID:        r.HolderID,
		State:           r.State.String(),
		DurationMinutes: r.DurationMinutes,
		CancelReason:    r.CancelReason,
		OccurredAt:      r.UpdatedAt,
	}
}
