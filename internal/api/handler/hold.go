package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/application"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/clock"
)

// HoldHandler は仮押さえ・確定・取消のハンドラー
type HoldHandler struct {
	service HoldServiceInterface
	clock   clock.Clock
}

// NewHoldHandler はHoldHandlerを作成する
func NewHoldHandler(s HoldServiceInterface, c clock.Clock) *HoldHandler {
	if c == nil {
		c = clock.NewSystem()
	}
	return &HoldHandler{service: s, clock: c}
}

// RequestHoldRequest は仮押さえリクエスト
type RequestHoldRequest struct {
	HolderID        string    `json:"holderId" validate:"required,max=128" example:"patient-42"`
	ProviderID      string    `json:"resourceSpecialistId" validate:"required,max=128" example:"drA"`
	ScheduledAt     time.Time `json:"scheduledAt" example:"2025-06-01T10:00:00Z"`
	DurationMinutes int       `json:"durationMinutes" validate:"min=1,max=480" example:"30"`
}

// HoldResponse は仮押さえのレスポンス
type HoldResponse struct {
	ReservationID string    `json:"reservationId" example:"550e8400-e29b-41d4-a716-446655440000"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ConfirmRequest は確定リクエスト
type ConfirmRequest struct {
	ReservationID string `json:"reservationId" validate:"required"`
}

// CancelRequest は取消リクエスト
type CancelRequest struct {
	ReservationID string `json:"reservationId" validate:"required"`
	Reason        string `json:"reason" validate:"max=500" example:"予定変更"`
}

// ReservationEnvelope は単一予約のレスポンス
type ReservationEnvelope struct {
	Reservation ReservationResponse `json:"reservation"`
}

// RequestHold godoc
// @Summary 枠を仮押さえ
// @Description 担当医・日時の枠を一定時間だけ確保します
// @Tags holds
// @Accept json
// @Produce json
// @Param request body RequestHoldRequest true "仮押さえ情報"
// @Success 201 {object} HoldResponse
// @Failure 400 {object} api.ErrorResponse
// @Failure 409 {object} api.ErrorResponse "枠が既に押さえられている"
// @Failure 503 {object} api.ErrorResponse
// @Router /holds [post]
func (h *HoldHandler) RequestHold(c echo.Context) error {
	var req RequestHoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if req.ScheduledAt.IsZero() {
		return reservation.ErrScheduledAtRequired
	}
	// 保存されるのは正規化後の開始時刻なので、そちらで判定する
	key := reservation.NewResourceKey(req.ProviderID, req.ScheduledAt)
	if !key.ScheduledAt.After(h.clock.Now()) {
		return echo.NewHTTPError(http.StatusBadRequest, "scheduledAt は未来の日時である必要があります")
	}

	r, err := h.service.RequestHold(c.Request().Context(), application.RequestHoldInput{
		HolderID:        req.HolderID,
		ProviderID:      req.ProviderID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, HoldResponse{
		ReservationID: r.ID,
		ExpiresAt:     r.ExpiresAt,
	})
}

// Confirm godoc
// @Summary 仮押さえを確定
// @Description 有効期限内の仮押さえを確定します
// @Tags holds
// @Accept json
// @Produce json
// @Param request body ConfirmRequest true "予約ID"
// @Success 200 {object} ReservationEnvelope
// @Failure 404 {object} api.ErrorResponse
// @Failure 409 {object} api.ErrorResponse "仮押さえ中ではない"
// @Failure 410 {object} api.ErrorResponse "有効期限切れ"
// @Router /holds/confirm [post]
func (h *HoldHandler) Confirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	r, err := h.service.Confirm(c.Request().Context(), req.ReservationID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReservationEnvelope{Reservation: toReservationResponse(r)})
}

// Cancel godoc
// @Summary 予約を取消
// @Description 仮押さえを取り消して枠を解放します。終端状態や存在しない予約でも成功を返します
// @Tags holds
// @Accept json
// @Produce json
// @Param request body CancelRequest true "予約IDと理由"
// @Success 200 {object} map[string]string
// @Failure 503 {object} api.ErrorResponse
// @Router /holds/cancel [post]
func (h *HoldHandler) Cancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	err := h.service.Cancel(c.Request().Context(), req.ReservationID, req.Reason)
	if err != nil && !errors.Is(err, reservation.ErrNotFound) {
		return err
	}
	return c.JSON(http.StatusOK, struct{}{})
}
