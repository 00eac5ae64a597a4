package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/netutil"

	"edgeproxy/internal/config"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/middleware"
	"edgeproxy/internal/model"
	"edgeproxy/internal/plugin"
	"edgeproxy/internal/route"
	"edgeproxy/internal/target"
	"edgeproxy/internal/tracing"
)

// ErrStarted is returned when the server is started twice.
var ErrStarted = errors.New("gateway: server already started")

// Server is the inbound gateway listener. Plugins are registered with
// AddPlugin before Start.
type Server struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	logger   *slog.Logger
	uid      string
	registry *plugin.Registry

	mu        sync.Mutex
	started   bool
	echo      *echo.Echo
	ln        net.Listener
	pool      *target.Pool
	matcher   *route.Matcher
	sequencer *plugin.Sequencer
	plugins   []*plugin.Plugin
}

// NewServer creates a Server. m and tracer may be nil.
func NewServer(cfg *config.Config, m *metrics.Metrics, tracer *tracing.Tracer, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		metrics:  m,
		tracer:   tracer,
		logger:   logger.With("component", "gateway"),
		uid:      uuid.NewString(),
		registry: plugin.NewRegistry(),
	}
}

// UID identifies this gateway instance in forwarded x-request-id values.
func (s *Server) UID() string { return s.uid }

// AddPlugin registers a plugin factory. It fails once the server started.
func (s *Server) AddPlugin(name string, f plugin.Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("gateway: add plugin %s: %w", name, plugin.ErrFrozen)
	}
	return s.registry.Add(name, f)
}

// Start loads plugins, builds the routing tables and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}

	var stats model.Stats = model.NopStats{}
	if s.metrics != nil {
		stats = s.metrics
	}

	plugins, err := s.registry.Load(s.cfg.Plugins, s.logger, stats)
	if err != nil {
		return fmt.Errorf("gateway: load plugins: %w", err)
	}
	matcher, err := route.NewMatcher(s.cfg.Proxies)
	if err != nil {
		return fmt.Errorf("gateway: routes: %w", err)
	}
	pool, err := target.NewPool(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("gateway: target pool: %w", err)
	}
	for _, r := range matcher.Routes() {
		if err := pool.Register(r); err != nil {
			pool.Close()
			return fmt.Errorf("gateway: route %s: %w", r.BasePath, err)
		}
	}

	sequencer := plugin.NewSequencer(plugins, s.cfg.Plugins, s.logger)
	builder := target.NewBuilder(s.cfg, s.uid, pool, s.metrics, s.logger)
	pipeline := NewPipeline(s.cfg, matcher, sequencer, builder, stats, s.tracer, s.logger)

	ln, err := s.listen(ctx)
	if err != nil {
		pool.Close()
		return err
	}

	e := s.newEcho(pipeline)
	s.echo, s.ln, s.pool = e, ln, pool
	s.matcher, s.sequencer, s.plugins = matcher, sequencer, plugins
	s.started = true

	s.logger.Info("starting gateway",
		"addr", ln.Addr().String(),
		"uid", s.uid,
		"routes", len(matcher.Routes()),
		"plugins", plugin.IDs(plugins),
	)
	go func() {
		if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

func (s *Server) newEcho(pipeline *Pipeline) *echo.Echo {
	sc := s.cfg.Server

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// HeaderLimit applies the configured limit with a JSON 400; net/http
	// keeps a looser hard cap for heads too large to parse at all.
	e.Server.MaxHeaderBytes = 2 * sc.MaxHeaderBytes
	e.Server.ReadHeaderTimeout = time.Duration(sc.HeadersTimeoutMs) * time.Millisecond
	e.Server.IdleTimeout = time.Duration(sc.KeepAliveTimeoutMs) * time.Millisecond
	// Streamed responses may legitimately run long.
	e.Server.WriteTimeout = 0
	if s.metrics != nil {
		m := s.metrics
		e.Server.ConnState = func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.ConnOpened()
			case http.StateClosed, http.StateHijacked:
				m.ConnClosed()
			}
		}
	}

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(s.logger))
	if s.metrics != nil {
		e.Use(middleware.MetricsMiddleware(s.metrics))
	}
	if hl := middleware.HeaderLimit(sc.MaxHeaderBytes); hl != nil {
		e.Use(hl)
	}
	if sc.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", sc.BodyMaxBytes)))
	}
	if rl := middleware.RateLimiter(sc.RateLimit); rl != nil {
		e.Use(rl)
		s.logger.Info("rate limiter enabled", "rps", sc.RateLimit.RequestsPerSecond)
	}

	e.Any("/*", pipeline.Handle)
	return e
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	addr := s.cfg.Server.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: bind %s: %w", addr, err)
	}
	if n := s.cfg.Server.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	if s.cfg.Server.SSL.Enabled() {
		tlsCfg, err := serverTLS(s.cfg.Server.SSL)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

func serverTLS(ssl config.SSLConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(ssl.Cert, ssl.Key)
	if err != nil {
		return nil, fmt.Errorf("gateway: load server certificate: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}
	if ssl.CA != "" {
		pem, err := os.ReadFile(ssl.CA)
		if err != nil {
			return nil, fmt.Errorf("gateway: read client CA %s: %w", ssl.CA, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("gateway: no certificates in %s", ssl.CA)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
		if ssl.ClientAuth {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return cfg, nil
}

// Stop gracefully shuts the listener down and closes idle target
// connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	e, pool := s.echo, s.pool
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	s.logger.Info("shutting down gateway")
	err := e.Shutdown(ctx)
	pool.Close()
	return err
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Routes returns the active proxy routes, nil before Start.
func (s *Server) Routes() []*route.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matcher == nil {
		return nil
	}
	return s.matcher.Routes()
}

// Plugins returns the ids of the loaded plugins in sequence order.
func (s *Server) Plugins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return plugin.IDs(s.plugins)
}

// Invalidate drops cached plugin sequences after a plugin configuration
// change.
func (s *Server) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequencer != nil {
		s.sequencer.Invalidate(s.plugins)
	}
}
