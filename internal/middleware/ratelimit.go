package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"edgeproxy/internal/config"
)

// RateLimiter returns a per-client-IP rate limiting middleware backed by an
// in-memory store, or nil when rate limiting is disabled.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiter(store)
}
