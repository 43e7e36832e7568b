package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/sanosuguru/go-appointment-slot-hold/internal/config"
)

const rateLimitIdleExpiry = 3 * time.Minute

// RateLimiter はクライアントIPごとのトークンバケットでリクエストを制限する
// RPS が 0 以下なら制限しない
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RPS <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS) + 1
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RPS),
		Burst:     burst,
		ExpiresIn: rateLimitIdleExpiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "クライアントを識別できません")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "リクエストが多すぎます。しばらくしてから再試行してください")
		},
	})
}
