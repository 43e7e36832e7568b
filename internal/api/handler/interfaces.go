package handler

import (
	"context"
	"time"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/application"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

// HoldServiceInterface は仮押さえ操作のインターフェース
type HoldServiceInterface interface {
	RequestHold(ctx context.Context, input application.RequestHoldInput) (*reservation.Reservation, error)
	Confirm(ctx context.Context, id string) (*reservation.Reservation, error)
	Cancel(ctx context.Context, id, reason string) error
}

// ReservationQueryInterface は予約参照のインターフェース
type ReservationQueryInterface interface {
	GetReservation(ctx context.Context, id string) (*reservation.Reservation, error)
	ListHolderReservations(ctx context.Context, holderID string, limit, offset int) ([]*reservation.Reservation, error)
	ListProviderDay(ctx context.Context, providerID string, day time.Time) ([]*reservation.Reservation, error)
}

var (
	_ HoldServiceInterface      = (*application.ReservationService)(nil)
	_ ReservationQueryInterface = (*application.ReservationService)(nil)
)
