package target

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"edgeproxy/internal/config"
	"edgeproxy/internal/route"
)

// Pool owns one keep-alive transport per route. Transports are shared by
// every request to that route.
type Pool struct {
	logger    *slog.Logger
	targets   []config.TargetConfig
	forward   *url.URL // nil without an enabled forward proxy
	tunnel    bool
	bypass    *Bypass
	keepAlive time.Duration

	mu         sync.Mutex
	transports map[*route.Route]*http.Transport
}

// NewPool creates a Pool from the forward proxy and target TLS settings.
func NewPool(cfg *config.Config, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		logger:     logger.With("component", "target_pool"),
		targets:    cfg.Targets,
		tunnel:     cfg.ForwardProxy.Tunnel,
		bypass:     NewBypass(cfg.ForwardProxy.Bypass),
		keepAlive:  time.Duration(cfg.Server.KeepAliveTimeoutMs) * time.Millisecond,
		transports: make(map[*route.Route]*http.Transport),
	}
	if cfg.ForwardProxy.Enabled && cfg.ForwardProxy.URL != "" {
		u, err := url.Parse(cfg.ForwardProxy.URL)
		if err != nil {
			return nil, fmt.Errorf("target: parse forward proxy url: %w", err)
		}
		p.forward = u
	}
	return p, nil
}

// Register resolves the connection mode of r and builds its transport.
func (p *Pool) Register(r *route.Route) error {
	_, err := p.transport(r)
	return err
}

// Transport returns the transport for r, building it on first use.
func (p *Pool) Transport(r *route.Route) (http.RoundTripper, error) {
	return p.transport(r)
}

func (p *Pool) transport(r *route.Route) (*http.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[r]; ok {
		return t, nil
	}

	tlsCfg, err := p.clientTLS(r)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	idle := 90 * time.Second
	if p.keepAlive > 0 {
		idle = p.keepAlive
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       r.MaxConnections,
		IdleConnTimeout:       idle,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	if r.MaxConnections > 0 && r.MaxConnections < t.MaxIdleConnsPerHost {
		t.MaxIdleConnsPerHost = r.MaxConnections
	}

	r.BypassForwardProxy = p.forward != nil && p.bypass.Match(r.Target)
	switch {
	case p.forward == nil || r.BypassForwardProxy:
		// direct
	case r.Secure || p.tunnel:
		r.TunnelEnabled = true
		t.DialContext = newTunnelDialer(p.forward, dialer).DialContext
	default:
		// Plain HTTP through the proxy with an absolute request URI.
		t.Proxy = http.ProxyURL(p.forward)
	}

	p.logger.Debug("target transport ready",
		"base_path", r.BasePath,
		"target", r.Target.Redacted(),
		"tunnel", r.TunnelEnabled,
		"bypass_forward_proxy", r.BypassForwardProxy,
		"max_connections", r.MaxConnections,
	)
	p.transports[r] = t
	return t, nil
}

// clientTLS builds the TLS client config from the last [[targets]] entry
// matching the route host.
func (p *Pool) clientTLS(r *route.Route) (*tls.Config, error) {
	if !r.Secure {
		return nil, nil
	}
	var match *config.ClientTLSConfig
	for i := range p.targets {
		t := p.targets[i]
		if (t.Host == "" || t.Host == r.Hostname()) && t.SSL.Client != nil {
			match = t.SSL.Client
		}
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if match == nil {
		return cfg, nil
	}

	cfg.ServerName = match.ServerName
	cfg.InsecureSkipVerify = match.InsecureSkipVerify //nolint:gosec // opt-in per target
	if match.CA != "" {
		pem, err := os.ReadFile(match.CA)
		if err != nil {
			return nil, fmt.Errorf("target %s: read ca: %w", r.Hostname(), err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("target %s: no certificates in %s", r.Hostname(), match.CA)
		}
		cfg.RootCAs = pool
	}
	if match.Cert != "" || match.Key != "" {
		cert, err := tls.LoadX509KeyPair(match.Cert, match.Key)
		if err != nil {
			return nil, fmt.Errorf("target %s: load client certificate: %w", r.Hostname(), err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Close drops idle connections of every transport.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}
