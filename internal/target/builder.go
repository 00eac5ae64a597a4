// Package target builds and sends outbound requests to route targets.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"edgeproxy/internal/config"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/route"
)

// Builder creates outbound requests for routed transactions.
type Builder struct {
	rules   HeaderRules
	timeout time.Duration
	pool    *Pool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBuilder creates a Builder. m may be nil to skip upstream metrics.
func NewBuilder(cfg *config.Config, instanceUID string, pool *Pool, m *metrics.Metrics, logger *slog.Logger) *Builder {
	return &Builder{
		rules:   HeaderRules{Toggles: cfg.Headers, InstanceUID: instanceUID},
		timeout: cfg.Server.RequestTimeout(),
		pool:    pool,
		metrics: m,
		logger:  logger.With("component", "target_builder"),
	}
}

// Outbound is one in-flight target request.
type Outbound struct {
	Request  *http.Request
	Hostname string
	Port     string
	Path     string // path and query as sent

	transport http.RoundTripper
	cancel    context.CancelCauseFunc
	timeout   time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	timer    *time.Timer
	timedOut atomic.Bool
}

// Build prepares the outbound request for src on r. body is streamed to the
// target as it is read; nil means no body. The request inherits ctx, so a
// client disconnect aborts it.
func (b *Builder) Build(ctx context.Context, src *http.Request, r *route.Route, correlationID string, body io.Reader) (*Outbound, error) {
	transport, err := b.pool.Transport(r)
	if err != nil {
		return nil, err
	}

	escaped := r.TargetPath(src.URL.EscapedPath(), "")
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		decoded = escaped
	}
	u := *r.Target
	u.User = nil
	u.Path = decoded
	u.RawPath = escaped
	u.RawQuery = src.URL.RawQuery
	u.Fragment = ""

	ctx, cancel := context.WithCancelCause(ctx)
	out, err := http.NewRequestWithContext(ctx, src.Method, u.String(), nil)
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("target: build request: %w", err)
	}
	out.Header = src.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	b.rules.Apply(out, src, correlationID)

	// Length is always recomputed from what is actually sent.
	switch {
	case body != nil && body != http.NoBody:
		rc, ok := body.(io.ReadCloser)
		if !ok {
			rc = io.NopCloser(body)
		}
		out.Body = rc
		out.ContentLength = -1
	case src.Method == http.MethodDelete:
		out.Body = io.NopCloser(strings.NewReader(""))
		out.ContentLength = -1
	default:
		out.Body = http.NoBody
	}
	if src.Method == http.MethodDelete && len(out.TransferEncoding) == 0 {
		out.TransferEncoding = []string{"chunked"}
	}

	timeout := b.timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}

	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return &Outbound{
		Request:   out,
		Hostname:  r.Hostname(),
		Port:      r.Port(),
		Path:      path,
		transport: transport,
		cancel:    cancel,
		timeout:   timeout,
		metrics:   b.metrics,
	}, nil
}

// Do sends the request and waits for response headers. The request timer
// runs from here until headers arrive; when it fires the request is aborted
// and the returned error matches ErrTimeout.
func (o *Outbound) Do() (*http.Response, error) {
	if o.timeout > 0 {
		o.mu.Lock()
		o.timer = time.AfterFunc(o.timeout, func() {
			o.timedOut.Store(true)
			o.cancel(ErrTimeout)
		})
		o.mu.Unlock()
	}

	start := time.Now()
	resp, err := o.transport.RoundTrip(o.Request) //nolint:bodyclose // body ownership transfers to caller
	o.stopTimer()
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(o.Request.Method)

	if err != nil {
		if o.metrics != nil {
			o.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		if o.timedOut.Load() && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		o.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (o *Outbound) stopTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
	}
}

// TimedOut reports whether the request timer fired.
func (o *Outbound) TimedOut() bool {
	return o.timedOut.Load()
}

// Abort cancels the request with cause.
func (o *Outbound) Abort(cause error) {
	o.stopTimer()
	o.cancel(cause)
}

// Release frees the request context once the response body is consumed.
func (o *Outbound) Release() {
	o.stopTimer()
	o.cancel(nil)
}
