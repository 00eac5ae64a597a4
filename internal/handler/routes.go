package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgeproxy/internal/config"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/middleware"
)

// RegisterRoutes wires the admin endpoints onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, health *HealthHandler, stats *StatsHandler) {
	e.Use(middleware.AdminHeaders())

	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET("/stats", stats.Stats)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
