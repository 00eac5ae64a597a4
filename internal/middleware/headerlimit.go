package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HeaderLimit rejects requests whose request line and headers together exceed
// limit bytes with a 400 JSON error. It returns nil when limit is not positive.
func HeaderLimit(limit int) echo.MiddlewareFunc {
	if limit <= 0 {
		return nil
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if headerSize(c.Request()) > limit {
				return echo.NewHTTPError(http.StatusBadRequest, "request header too large")
			}
			return next(c)
		}
	}
}

// headerSize approximates the wire size of the request head.
func headerSize(r *http.Request) int {
	n := len(r.Method) + len(r.RequestURI) + len(r.Proto) + 4
	n += len("Host: ") + len(r.Host) + 2
	for k, vs := range r.Header {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return n
}
