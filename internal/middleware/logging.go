// Package middleware provides Echo middleware for the gateway and admin
// listeners.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// Context keys the gateway sets for downstream middleware.
const (
	CorrelationIDKey = "correlation_id"
	RouteKey         = "route"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server-side failures are logged at warn.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if id, ok := c.Get(CorrelationIDKey).(string); ok {
				attrs = append(attrs, "correlation_id", id)
			}
			if r, ok := c.Get(RouteKey).(string); ok {
				attrs = append(attrs, "route", r)
			}
			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
