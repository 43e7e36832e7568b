package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/api"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/api/handler"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/api/middleware"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
	"github.com/sanosuguru/go-appointment-slot-hold/internal/pkg/metrics"
)

// Handlers はルーティング対象のハンドラー群
type Handlers struct {
	Hold        *handler.HoldHandler
	Reservation *handler.ReservationHandler
	Health      *handler.HealthHandler
}

// Options はルーターの横断的な設定
type Options struct {
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	MetricsAuth config.MetricsConfig
	RateLimit   config.RateLimitConfig
}

// New はミドルウェアとルートを設定したEchoインスタンスを作成する
func New(h Handlers, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler

	middleware.SetupMiddleware(e, opts.Metrics)

	e.GET("/health", h.Health.Check)
	e.GET("/ready", h.Health.Ready)
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})),
			middleware.MetricsBasicAuth(opts.MetricsAuth))
	}

	v1 := e.Group("/api/v1", middleware.RateLimiter(opts.RateLimit))

	v1.POST("/holds", h.Hold.RequestHold)
	v1.POST("/holds/confirm", h.Hold.Confirm)
	v1.POST("/holds/cancel", h.Hold.Cancel)

	v1.GET("/reservations/:id", h.Reservation.GetByID)
	v1.GET("/holders/:holder_id/reservations", h.Reservation.ListByHolder)
	v1.GET("/providers/:provider_id/reservations", h.Reservation.ListByProvider)

	return e
}
