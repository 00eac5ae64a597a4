// Package metrics provides Prometheus metrics and the gateway stats sink.
package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"edgeproxy/internal/model"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// RouteLabelNone is the route label for requests that matched no route.
const RouteLabelNone = "none"

// Metrics holds all Prometheus metric collectors for the gateway. It also
// implements model.Stats.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	statusClasses *prometheus.CounterVec

	requests       atomic.Uint64
	responses      atomic.Uint64
	requestErrors  atomic.Uint64
	responseErrors atomic.Uint64
	classes        [6]atomic.Uint64 // index 1..5
	connections    atomic.Int64
}

var _ model.Stats = (*Metrics)(nil)

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgeproxy_upstream_request_duration_seconds",
			Help:    "Target request latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_upstream_responses_total",
			Help: "Total target responses by method and status code.",
		}, []string{"method", "status_code"}),

		statusClasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeproxy_responses_by_class_total",
			Help: "Client responses by status class.",
		}, []string{"class"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.statusClasses,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "edgeproxy_target_requests_total",
			Help: "Requests sent to targets.",
		}, func() float64 { return float64(m.requests.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "edgeproxy_target_responses_total",
			Help: "Responses completed to clients after a target response.",
		}, func() float64 { return float64(m.responses.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "edgeproxy_target_request_errors_total",
			Help: "Target requests that failed before a response arrived.",
		}, func() float64 { return float64(m.requestErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "edgeproxy_target_response_errors_total",
			Help: "Target responses that failed while streaming.",
		}, func() float64 { return float64(m.responseErrors.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "edgeproxy_connections",
			Help: "Open inbound connections.",
		}, func() float64 { return float64(m.connections.Load()) }),
	)

	return m
}

// IncrementRequestCount counts a request sent to a target.
func (m *Metrics) IncrementRequestCount() { m.requests.Add(1) }

// IncrementResponseCount counts a completed client response.
func (m *Metrics) IncrementResponseCount() { m.responses.Add(1) }

// IncrementRequestErrorCount counts a failed target request.
func (m *Metrics) IncrementRequestErrorCount() { m.requestErrors.Add(1) }

// IncrementResponseErrorCount counts a failed target response stream.
func (m *Metrics) IncrementResponseErrorCount() { m.responseErrors.Add(1) }

// IncrementStatusCount counts code in its status class. Codes outside
// 100-599 are ignored.
func (m *Metrics) IncrementStatusCount(code int) {
	class := code / 100
	if class < 1 || class > 5 {
		return
	}
	m.classes[class].Add(1)
	m.statusClasses.WithLabelValues(strconv.Itoa(class) + "xx").Inc()
}

// ConnOpened and ConnClosed track open inbound connections.
func (m *Metrics) ConnOpened() { m.connections.Add(1) }

func (m *Metrics) ConnClosed() { m.connections.Add(-1) }

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() model.StatsSnapshot {
	s := model.StatsSnapshot{
		Requests:          m.requests.Load(),
		Responses:         m.responses.Load(),
		RequestErrors:     m.requestErrors.Load(),
		ResponseErrors:    m.responseErrors.Load(),
		StatusCodes:       make(map[string]uint64, 5),
		ActiveConnections: m.connections.Load(),
	}
	for class := 1; class <= 5; class++ {
		s.StatusCodes[strconv.Itoa(class)] = m.classes[class].Load()
	}
	return s
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
