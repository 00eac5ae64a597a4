package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"edgeproxy/internal/config"
	"edgeproxy/internal/gateway"
	"edgeproxy/internal/handler"
	"edgeproxy/internal/logging"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/middleware"
	"edgeproxy/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// adminEcho is the admin listener, kept distinct from the gateway's own echo.
type adminEcho struct {
	*echo.Echo
}

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("edgeproxy"),
		kong.Description("Embeddable API gateway with streaming plugin hooks."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newTracer,
			newGateway,
			newAdminEcho,
			func(s *gateway.Server) handler.Gateway { return s },
			func(m *metrics.Metrics) handler.Snapshotter { return m },
			handler.NewHealthHandler,
			handler.NewStatsHandler,
		),
		fx.Invoke(registerAdminRoutes, warnConfigPermissions, startGateway, startAdmin),
	).Run()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error { return closer.Close() },
		})
	}
	return logger, nil
}

func newTracer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*tracing.Tracer, error) {
	t, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	if t.Enabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "service", cfg.Tracing.ServiceName)
	}
	lc.Append(fx.Hook{
		OnStop: t.Close,
	})
	return t, nil
}

func newGateway(cfg *config.Config, m *metrics.Metrics, t *tracing.Tracer, logger *slog.Logger) *gateway.Server {
	return gateway.NewServer(cfg, m, t, logger)
}

func newAdminEcho(logger *slog.Logger) adminEcho {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger.With("component", "admin")))

	return adminEcho{e}
}

func registerAdminRoutes(e adminEcho, cfg *config.Config, m *metrics.Metrics, health *handler.HealthHandler, stats *handler.StatsHandler) {
	handler.RegisterRoutes(e.Echo, cfg, m, health, stats)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startGateway(lc fx.Lifecycle, s *gateway.Server) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}

func startAdmin(lc fx.Lifecycle, e adminEcho, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			addr := cfg.Admin.Addr()
			var lcfg net.ListenConfig
			ln, err := lcfg.Listen(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
