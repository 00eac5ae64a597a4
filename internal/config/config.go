// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edgeproxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level gateway configuration. A loaded Config is treated as
// an immutable snapshot for the lifetime of the process.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	ForwardProxy ForwardProxyConfig `toml:"forward_proxy"`
	Admin        AdminConfig        `toml:"admin"`
	Log          LogConfig          `toml:"log"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Tracing      TracingConfig      `toml:"tracing"`
	Plugins      PluginsConfig      `toml:"plugins"`
	Headers      HeadersConfig      `toml:"headers"`
	Proxies      []ProxyConfig      `toml:"proxies"`
	Targets      []TargetConfig     `toml:"targets"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host               string          `toml:"host"`
	Port               int             `toml:"port"` // 0 means "use default" (8000)
	MaxHeaderBytes     int             `toml:"max_header_bytes"`
	BodyMaxBytes       int64           `toml:"body_max_bytes"` // 0 disables the limit
	RequestTimeoutMs   int             `toml:"request_timeout_ms"`
	KeepAliveTimeoutMs int             `toml:"keep_alive_timeout_ms"`
	HeadersTimeoutMs   int             `toml:"headers_timeout_ms"`
	MaxConnections     int             `toml:"max_connections"` // 0 means unbounded
	RateLimit          RateLimitConfig `toml:"rate_limit"`
	SSL                SSLConfig       `toml:"ssl"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SSLConfig enables TLS on the inbound listener.
type SSLConfig struct {
	Key        string `toml:"key"`
	Cert       string `toml:"cert"`
	CA         string `toml:"ca"`
	ClientAuth bool   `toml:"client_auth"` // require and verify client certificates against CA
}

// Enabled reports whether both key and certificate are configured.
func (s SSLConfig) Enabled() bool {
	return s.Key != "" && s.Cert != ""
}

// ForwardProxyConfig describes an upstream forward proxy used to reach targets.
type ForwardProxyConfig struct {
	URL     string `toml:"url"`
	Enabled bool   `toml:"enabled"`
	Tunnel  bool   `toml:"tunnel"`
	Bypass  string `toml:"bypass"` // NO_PROXY syntax; falls back to the environment when empty
}

// AdminConfig holds the admin listener settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"` // empty logs to stdout
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRate  float64 `toml:"sample_rate"`
}

// PluginsConfig controls plugin ordering and URL exclusions.
type PluginsConfig struct {
	Sequence                []string                  `toml:"sequence"`
	ExcludeURLs             []string                  `toml:"exclude_urls"`
	DisableExcludeURLsCache bool                      `toml:"disable_exclude_urls_cache"`
	Config                  map[string]map[string]any `toml:"config"`
}

// PluginConfig returns the free-form table for plugin id, never nil.
func (p PluginsConfig) PluginConfig(id string) map[string]any {
	if c, ok := p.Config[id]; ok && c != nil {
		return c
	}
	return map[string]any{}
}

// PluginExcludeURLs returns the exclude_urls entry of a plugin table.
// Both a string array and a comma-separated string are accepted.
func (p PluginsConfig) PluginExcludeURLs(id string) []string {
	raw, ok := p.Config[id]["exclude_urls"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return SplitList(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// HeadersConfig toggles individual forwarding headers. A header that is not
// listed is treated as enabled.
type HeadersConfig map[string]bool

// Enabled reports whether the header rule named name is on.
func (h HeadersConfig) Enabled(name string) bool {
	v, ok := h[strings.ToLower(name)]
	if !ok {
		return true
	}
	return v
}

// ProxyConfig describes one routed backend.
type ProxyConfig struct {
	BasePath       string `toml:"base_path"`
	URL            string `toml:"url"`
	MaxConnections int    `toml:"max_connections"` // 0 means unbounded
	TimeoutMs      int    `toml:"timeout_ms"`      // overrides server.request_timeout_ms
}

// TargetConfig carries TLS client options for a target host.
type TargetConfig struct {
	Host string          `toml:"host"` // empty matches every host
	SSL  TargetSSLConfig `toml:"ssl"`
}

// TargetSSLConfig wraps the client TLS options of a target.
type TargetSSLConfig struct {
	Client *ClientTLSConfig `toml:"client"`
}

// ClientTLSConfig holds outbound TLS material.
type ClientTLSConfig struct {
	CA                 string `toml:"ca"`
	Cert               string `toml:"cert"`
	Key                string `toml:"key"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edgeproxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes TOML bytes without validation or defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// Validate checks a programmatically built Config and fills defaults.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return err
	}
	c.setDefaults()
	return nil
}

func (c *Config) validate() error {
	if len(c.Proxies) == 0 {
		return fmt.Errorf("at least one [[proxies]] entry is required")
	}
	for i, p := range c.Proxies {
		if p.BasePath == "" || p.BasePath[0] != '/' {
			return fmt.Errorf("proxies[%d].base_path must start with '/'; got %q", i, p.BasePath)
		}
		u, err := url.Parse(p.URL)
		if err != nil {
			return fmt.Errorf("proxies[%d].url is not a valid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("proxies[%d].url must use http or https; got %q", i, p.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("proxies[%d].url has no host; got %q", i, p.URL)
		}
		if p.MaxConnections < 0 || p.TimeoutMs < 0 {
			return fmt.Errorf("proxies[%d]: max_connections and timeout_ms must be non-negative", i)
		}
	}

	if c.ForwardProxy.Enabled {
		u, err := url.Parse(c.ForwardProxy.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("forward_proxy.url must be a valid URL when enabled; got %q", c.ForwardProxy.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("forward_proxy.url must use http or https; got %q", c.ForwardProxy.URL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes must be non-negative; got %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.RequestTimeoutMs < 0 || c.Server.KeepAliveTimeoutMs < 0 || c.Server.HeadersTimeoutMs < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be non-negative; got %d", c.Server.MaxConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if (c.Server.SSL.Key == "") != (c.Server.SSL.Cert == "") {
		return fmt.Errorf("server.ssl requires both key and cert")
	}
	if c.Server.SSL.ClientAuth && c.Server.SSL.CA == "" {
		return fmt.Errorf("server.ssl.client_auth requires server.ssl.ca")
	}

	// Plugin sequence entries must be unique.
	seen := make(map[string]bool, len(c.Plugins.Sequence))
	for _, id := range c.Plugins.Sequence {
		if seen[id] {
			return fmt.Errorf("plugins.sequence lists %q more than once", id)
		}
		seen[id] = true
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" && c.Metrics.Path[0] != '/' {
		return fmt.Errorf("metrics.path must start with '/'; got %q", c.Metrics.Path)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within 0–1; got %v", c.Tracing.SampleRate)
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 16 * 1024
	}
	if c.Server.KeepAliveTimeoutMs == 0 {
		c.Server.KeepAliveTimeoutMs = 5000
	}
	if c.Server.HeadersTimeoutMs == 0 {
		c.Server.HeadersTimeoutMs = 60000
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8001
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "edgeproxy"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1
	}
	if c.ForwardProxy.Bypass == "" {
		c.ForwardProxy.Bypass = os.Getenv("NO_PROXY")
		if c.ForwardProxy.Bypass == "" {
			c.ForwardProxy.Bypass = os.Getenv("no_proxy")
		}
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout returns the global target request timeout, zero when unset.
func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SplitList splits a comma-separated list, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
