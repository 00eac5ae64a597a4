package middleware

import (
	"github.com/labstack/echo/v4"
)

// AdminHeaders returns an Echo middleware that marks admin responses as
// non-cacheable and not embeddable.
func AdminHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
