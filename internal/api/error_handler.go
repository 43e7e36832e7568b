package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/logger"
)

// エラーコード（レスポンスの error フィールド）
const (
	CodeSlotTaken        = "slot_taken"
	CodeNotFound         = "not_found"
	CodeInvalidState     = "invalid_state"
	CodeHoldExpired      = "hold_expired"
	CodeStoreUnavailable = "store_unavailable"
	CodeInvalidRequest   = "invalid_request"
	CodeUnauthorized     = "unauthorized"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeRateLimited      = "rate_limited"
	CodeInternalError    = "internal_error"
)

// ErrorResponse はエラーレスポンスの統一フォーマット
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type domainError struct {
	target error
	status int
	code   string
}

// ストア障害を先に判定する（原因のエラーがチェーンに残るため）
var domainErrors = []domainError{
	{reservation.ErrStoreUnavailable, http.StatusServiceUnavailable, CodeStoreUnavailable},
	{reservation.ErrSlotUnavailable, http.StatusConflict, CodeSlotTaken},
	{reservation.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{reservation.ErrInvalidState, http.StatusConflict, CodeInvalidState},
	{reservation.ErrExpired, http.StatusGone, CodeHoldExpired},
	{reservation.ErrHolderIDRequired, http.StatusBadRequest, CodeInvalidRequest},
	{reservation.ErrProviderIDRequired, http.StatusBadRequest, CodeInvalidRequest},
	{reservation.ErrScheduledAtRequired, http.StatusBadRequest, CodeInvalidRequest},
	{reservation.ErrInvalidDuration, http.StatusBadRequest, CodeInvalidRequest},
}

// Resolve はエラーをHTTPステータス・エラーコード・メッセージに変換する
func Resolve(err error) (int, ErrorResponse) {
	for _, d := range domainErrors {
		if errors.Is(err, d.target) {
			// ストア障害の原因は外部に出さない
			return d.status, ErrorResponse{Error: d.code, Message: d.target.Error()}
		}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			message = m
		}
		return he.Code, ErrorResponse{Error: codeForStatus(he.Code), Message: message}
	}

	return http.StatusInternalServerError, ErrorResponse{Error: CodeInternalError, Message: "内部サーバーエラー"}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusMethodNotAllowed:
		return CodeMethodNotAllowed
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusServiceUnavailable:
		return CodeStoreUnavailable
	case status >= http.StatusInternalServerError:
		return CodeInternalError
	default:
		return CodeInvalidRequest
	}
}

// CustomHTTPErrorHandler はカスタムエラーハンドラー
func CustomHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code, body := Resolve(err)

	// エラーログを出力（5xx エラーの場合）
	if code >= 500 {
		logger.Error("サーバーエラー",
			zap.Int("status", code),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		logger.Error("エラーレスポンス送信失敗", zap.Error(err))
	}
}
