package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

// LogNotifier は通知をログに出力するだけの Notifier（メッセージブローカー未設定時に使う）
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, event reservation.Event, r *reservation.Reservation) error {
	msg := NewMessage(event, r)
	n.log.Info("予約通知",
		zap.String("event", string(msg.Event)),
		zap.String("reservation_id", msg.ReservationID),
		zap.String("provider_id", msg.ProviderID),
		zap.Time("scheduled_at", msg.ScheduledAt),
		zap.String("holder_id", msg.HolderID),
	)
	return nil
}

var _ reservation.Notifier = (*LogNotifier)(nil)
