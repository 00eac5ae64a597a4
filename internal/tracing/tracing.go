// Package tracing wires OpenTelemetry spans around proxied transactions.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"edgeproxy/internal/config"
)

const (
	instrumentationName = "edgeproxy"
	correlationKey      = "correlation_id"
)

// Tracer records one server span per transaction and one client span per
// target request. A disabled Tracer makes every method a no-op.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a Tracer exporting over OTLP/gRPC.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = instrumentationName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	return newWithProvider(provider), nil
}

func newWithProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{
		enabled:  true,
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Enabled reports whether spans are recorded.
func (t *Tracer) Enabled() bool {
	return t != nil && t.enabled
}

// StartRequest continues the trace carried by r's headers, or starts a new
// one, and opens the transaction span. The correlation id travels as baggage.
func (t *Tracer) StartRequest(ctx context.Context, r *http.Request, correlationID string) context.Context {
	if !t.Enabled() {
		return ctx
	}
	ctx = t.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
	if m, err := baggage.NewMember(correlationKey, correlationID); err == nil {
		if b, err := baggage.FromContext(ctx).SetMember(m); err == nil {
			ctx = baggage.ContextWithBaggage(ctx, b)
		}
	}
	ctx, _ = t.tracer.Start(ctx, "request_start",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			attribute.String(correlationKey, correlationID),
		),
	)
	return ctx
}

// StartTarget opens the target span under ctx and injects its context into
// out's headers.
func (t *Tracer) StartTarget(ctx context.Context, out *http.Request) context.Context {
	if !t.Enabled() {
		return ctx
	}
	ctx, _ = t.tracer.Start(ctx, "target_request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(out.Method),
			semconv.ServerAddress(out.URL.Hostname()),
			semconv.URLPath(out.URL.Path),
		),
	)
	t.propagator.Inject(ctx, propagation.HeaderCarrier(out.Header))
	return ctx
}

// EndTarget closes the target span opened by StartTarget.
func (t *Tracer) EndTarget(ctx context.Context, status int, err error) {
	if !t.Enabled() {
		return
	}
	span := trace.SpanFromContext(ctx)
	if status > 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SetRequestError marks the transaction span as failed on the request side
// and ends it.
func (t *Tracer) SetRequestError(ctx context.Context, err error, status int) {
	t.finishWithError(ctx, "request", err, status)
}

// SetResponseError marks the transaction span as failed on the response
// side and ends it.
func (t *Tracer) SetResponseError(ctx context.Context, err error, status int) {
	t.finishWithError(ctx, "response", err, status)
}

func (t *Tracer) finishWithError(ctx context.Context, side string, err error, status int) {
	if !t.Enabled() {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("error", true),
		attribute.String("error.side", side),
		semconv.HTTPResponseStatusCode(status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// FinishRequest ends the transaction span with the final status.
func (t *Tracer) FinishRequest(ctx context.Context, status int) {
	if !t.Enabled() {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// Close flushes pending spans and shuts the provider down.
func (t *Tracer) Close(ctx context.Context) error {
	if !t.Enabled() || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
