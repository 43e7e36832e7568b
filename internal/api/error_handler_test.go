package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"枠の競合は409", reservation.ErrSlotUnavailable, http.StatusConflict, CodeSlotTaken},
		{"存在しない予約は404", reservation.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"状態不正は409", reservation.ErrInvalidState, http.StatusConflict, CodeInvalidState},
		{"期限切れは410", reservation.ErrExpired, http.StatusGone, CodeHoldExpired},
		{"ラップされたストア障害は503", fmt.Errorf("%w: %w", reservation.ErrStoreUnavailable, errors.New("dial tcp")), http.StatusServiceUnavailable, CodeStoreUnavailable},
		{"入力エラーは400", reservation.ErrInvalidDuration, http.StatusBadRequest, CodeInvalidRequest},
		{"バリデーションエラーは400", echo.NewHTTPError(http.StatusBadRequest, "holderId は必須です"), http.StatusBadRequest, CodeInvalidRequest},
		{"レート制限は429", echo.NewHTTPError(http.StatusTooManyRequests), http.StatusTooManyRequests, CodeRateLimited},
		{"未登録ルートは404", echo.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"未知のエラーは500", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := Resolve(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestResolve_HidesStoreCause(t *testing.T) {
	err := fmt.Errorf("%w: %w", reservation.ErrStoreUnavailable, errors.New("password authentication failed"))

	_, body := Resolve(err)
	assert.Equal(t, reservation.ErrStoreUnavailable.Error(), body.Message)
	assert.NotContains(t, body.Message, "password")
}

func TestCustomHTTPErrorHandler(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	e.GET("/slot", func(c echo.Context) error {
		return reservation.ErrSlotUnavailable
	})

	req := httptest.NewRequest(http.MethodGet, "/slot", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "slot_taken", body.Error)
}

func TestCustomHTTPErrorHandler_Committed(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	e.GET("/committed", func(c echo.Context) error {
		if err := c.NoContent(http.StatusAccepted); err != nil {
			return err
		}
		return errors.New("after commit")
	})

	req := httptest.NewRequest(http.MethodGet, "/committed", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestCustomValidator(t *testing.T) {
	type payload struct {
		HolderID        string `json:"holderId" validate:"required"`
		DurationMinutes int    `json:"durationMinutes" validate:"min=1,max=480"`
	}
	v := NewValidator()

	t.Run("正常な値は通る", func(t *testing.T) {
		assert.NoError(t, v.Validate(&payload{HolderID: "p1", DurationMinutes: 30}))
	})

	t.Run("JSON名でメッセージを返す", func(t *testing.T) {
		err := v.Validate(&payload{DurationMinutes: 0})
		require.Error(t, err)
		var he *echo.HTTPError
		require.True(t, errors.As(err, &he))
		assert.Equal(t, http.StatusBadRequest, he.Code)
		assert.Contains(t, he.Message, "holderId は必須です")
		assert.Contains(t, he.Message, "durationMinutes は 1 以上")
	})
}
