package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"edgeproxy/internal/config"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	tr := newWithProvider(tp)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, exp
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tr, err := New(config.TracingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Enabled() {
		t.Fatal("disabled tracer reports Enabled")
	}

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	ctx := tr.StartRequest(context.Background(), req, "c")
	if trace.SpanFromContext(ctx).SpanContext().IsValid() {
		t.Error("disabled tracer started a span")
	}
	out := httptest.NewRequest(http.MethodGet, "http://backend/x", http.NoBody)
	tr.StartTarget(ctx, out)
	if out.Header.Get("Traceparent") != "" {
		t.Error("disabled tracer injected headers")
	}
	tr.EndTarget(ctx, 200, nil)
	tr.FinishRequest(ctx, 200)
	if err := tr.Close(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestTracer_RequestAndTargetSpans(t *testing.T) {
	tr, exp := newTestTracer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/items", http.NoBody)
	ctx := tr.StartRequest(context.Background(), req, "corr-1")

	out := httptest.NewRequest(http.MethodGet, "http://backend.test/items", http.NoBody)
	tctx := tr.StartTarget(ctx, out)
	if out.Header.Get("Traceparent") == "" {
		t.Error("target request missing traceparent header")
	}
	if out.Header.Get("Baggage") == "" {
		t.Error("target request missing baggage header")
	}
	tr.EndTarget(tctx, http.StatusOK, nil)
	tr.FinishRequest(ctx, http.StatusOK)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	target, server := spans[0], spans[1]
	if target.Name != "target_request" || target.SpanKind != trace.SpanKindClient {
		t.Errorf("first span = %s/%v", target.Name, target.SpanKind)
	}
	if server.Name != "request_start" || server.SpanKind != trace.SpanKindServer {
		t.Errorf("second span = %s/%v", server.Name, server.SpanKind)
	}
	if target.Parent.SpanID() != server.SpanContext.SpanID() {
		t.Error("target span is not a child of the request span")
	}
}

func TestTracer_ContinuesIncomingTrace(t *testing.T) {
	tr, exp := newTestTracer(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	ctx := tr.StartRequest(context.Background(), req, "c")
	tr.FinishRequest(ctx, http.StatusOK)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace id = %s, want %s", got, traceID)
	}
}

func TestTracer_Errors(t *testing.T) {
	tests := []struct {
		name string
		fn   func(tr *Tracer, ctx context.Context)
		side string
	}{
		{"request", func(tr *Tracer, ctx context.Context) { tr.SetRequestError(ctx, errors.New("refused"), 502) }, "request"},
		{"response", func(tr *Tracer, ctx context.Context) { tr.SetResponseError(ctx, errors.New("broken"), 500) }, "response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, exp := newTestTracer(t)
			ctx := tr.StartRequest(context.Background(), httptest.NewRequest(http.MethodGet, "/", http.NoBody), "c")
			tt.fn(tr, ctx)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans", len(spans))
			}
			s := spans[0]
			if s.Status.Code != codes.Error {
				t.Errorf("status = %v, want Error", s.Status.Code)
			}
			found := false
			for _, a := range s.Attributes {
				if string(a.Key) == "error.side" && a.Value.AsString() == tt.side {
					found = true
				}
			}
			if !found {
				t.Errorf("error.side=%s attribute missing: %v", tt.side, s.Attributes)
			}
		})
	}
}
