package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

// ReservationHandler は予約参照のハンドラー
type ReservationHandler struct {
	service ReservationQueryInterface
}

// NewReservationHandler はReservationHandlerを作成する
func NewReservationHandler(s ReservationQueryInterface) *ReservationHandler {
	return &ReservationHandler{service: s}
}

// ReservationResponse は予約のレスポンス
type ReservationResponse struct {
	ID              string     `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	ProviderID      string     `json:"resourceSpecialistId" example:"drA"`
	ScheduledAt     time.Time  `json:"scheduledAt"`
	HolderID        string     `json:"holderId" example:"patient-42"`
	State           string     `json:"state" example:"held"`
	DurationMinutes int        `json:"durationMinutes" example:"30"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
}

func toReservationResponse(r *reservation.Reservation) ReservationResponse {
	return ReservationResponse{
		ID: r.ID, ProviderID: r.Resource.ProviderID, ScheduledAt: r.Resource.ScheduledAt,
		HolderID: r.HolderID, State: r.State.String(), DurationMinutes: r.DurationMinutes,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt,
		ConfirmedAt: r.ConfirmedAt, ClosedAt: r.ClosedAt, CancelReason: r.CancelReason,
	}
}

func toReservationResponses(rs []*reservation.Reservation) []ReservationResponse {
	resp := make([]ReservationResponse, len(rs))
	for i, r := range rs {
		resp[i] = toReservationResponse(r)
	}
	return resp
}

// GetByID godoc
// @Summary 予約を取得
// @Description 指定IDの予約を取得します
// @Tags reservations
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} ReservationEnvelope
// @Failure 404 {object} api.ErrorResponse
// @Router /reservations/{id} [get]
func (h *ReservationHandler) GetByID(c echo.Context) error {
	r, err := h.service.GetReservation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReservationEnvelope{Reservation: toReservationResponse(r)})
}

// ListByHolder godoc
// @Summary 予約者の予約一覧を取得
// @Description 予約者の予約を新しい順に取得します
// @Tags reservations
// @Produce json
// @Param holder_id path string true "予約者ID"
// @Param limit query int false "取得件数" default(20)
// @Param offset query int false "オフセット" default(0)
// @Success 200 {array} ReservationResponse
// @Router /holders/{holder_id}/reservations [get]
func (h *ReservationHandler) ListByHolder(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if limit > 100 {
		limit = 100
	}

	rs, err := h.service.ListHolderReservations(c.Request().Context(), c.Param("holder_id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toReservationResponses(rs))
}

// ListByProvider godoc
// @Summary 担当医の予約表を取得
// @Description 指定日（UTC）の有効な予約を開始時刻順に取得します
// @Tags reservations
// @Produce json
// @Param provider_id path string true "担当医ID"
// @Param date query string true "日付 (YYYY-MM-DD)"
// @Success 200 {array} ReservationResponse
// @Failure 400 {object} api.ErrorResponse
// @Router /providers/{provider_id}/reservations [get]
func (h *ReservationHandler) ListByProvider(c echo.Context) error {
	day, err := time.ParseInLocation(time.DateOnly, c.QueryParam("date"), time.UTC)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date は YYYY-MM-DD 形式で指定してください")
	}

	rs, err := h.service.ListProviderDay(c.Request().Context(), c.Param("provider_id"), day)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toReservationResponses(rs))
}
