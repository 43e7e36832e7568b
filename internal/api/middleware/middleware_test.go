package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/api"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/domain/reservation"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
)

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler
	return e
}

func configRateLimit(rps float64, burst int) config.RateLimitConfig {
	return config.RateLimitConfig{RPS: rps, Burst: burst}
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSetupMiddleware(t *testing.T) {
	e := newEcho()
	SetupMiddleware(e, nil)

	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "test")
	})

	rec := serve(e, http.MethodGet, "/test")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", rec.Body.String())
	// リクエストIDはUUID
	assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 36)
}

func TestSetupMiddleware_KeepsIncomingRequestID(t *testing.T) {
	e := newEcho()
	SetupMiddleware(e, nil)
	e.GET("/test", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(echo.HeaderXRequestID, "existing-request-id")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "existing-request-id", rec.Header().Get(echo.HeaderXRequestID))
}

func TestSetupMiddleware_RecoversPanic(t *testing.T) {
	e := newEcho()
	SetupMiddleware(e, nil)
	e.GET("/panic", func(c echo.Context) error { panic("boom") })

	rec := serve(e, http.MethodGet, "/panic")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestSetupMiddleware_BodyLimit(t *testing.T) {
	e := newEcho()
	SetupMiddleware(e, nil)
	e.POST("/holds", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/holds", strings.NewReader(strings.Repeat("a", 65*1024)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name       string
		handler    echo.HandlerFunc
		wantStatus int
	}{
		{"正常", func(c echo.Context) error { return c.String(http.StatusOK, "success") }, http.StatusOK},
		{"HTTPError", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadRequest, "bad request") }, http.StatusBadRequest},
		{"ドメインエラー", func(c echo.Context) error { return reservation.ErrExpired }, http.StatusGone},
		{"5xxレスポンス", func(c echo.Context) error { return c.String(http.StatusInternalServerError, "internal error") }, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho()
			e.Use(RequestLogger())
			e.GET("/test", tt.handler)

			rec := serve(e, http.MethodGet, "/test")

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestPrometheusMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	e := newEcho()
	SetupMiddleware(e, m)
	e.GET("/api/v1/reservations/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return reservation.ErrNotFound
		}
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/api/v1/reservations/abc")
	serve(e, http.MethodGet, "/api/v1/reservations/missing")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/reservations/:id", "200")))
	// ドメインエラーはエラーハンドラーが決めたステータスで記録される
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/reservations/:id", "404")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var foundDuration bool
	for _, f := range families {
		if f.GetName() == "http_request_duration_seconds" {
			foundDuration = true
		}
	}
	assert.True(t, foundDuration, "http_request_duration_seconds should be recorded")
}

func TestPrometheusMiddleware_WithHTTPError(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	e := newEcho()
	e.Use(PrometheusMiddleware(m))
	e.GET("/error", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	})

	rec := serve(e, http.MethodGet, "/error")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/error", "400")))
}

func TestRateLimiter(t *testing.T) {
	t.Run("バーストを超えると429", func(t *testing.T) {
		e := newEcho()
		e.Use(RequestLogger())
		e.Use(RateLimiter(configRateLimit(0.001, 2)))
		e.GET("/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/test").Code)
		assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/test").Code)

		rec := serve(e, http.MethodGet, "/test")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Contains(t, rec.Body.String(), "rate_limited")
	})

	t.Run("クライアントごとに独立している", func(t *testing.T) {
		e := newEcho()
		e.Use(RateLimiter(configRateLimit(0.001, 1)))
		e.GET("/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

		for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(echo.HeaderXRealIP, ip)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code, ip)
		}
	})

	t.Run("RPSが0なら制限しない", func(t *testing.T) {
		e := newEcho()
		e.Use(RateLimiter(configRateLimit(0, 0)))
		e.GET("/test", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

		for i := 0; i < 50; i++ {
			require.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/test").Code)
		}
	})
}

func TestRequestLogger_ReturnsNilAfterHandling(t *testing.T) {
	e := newEcho()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := RequestLogger()(func(c echo.Context) error { return errors.New("boom") })(c)

	assert.NoError(t, err)
	assert.True(t, c.Response().Committed)
	assert.Equal(t, http.StatusInternalServerError, c.Response().Status)
}
