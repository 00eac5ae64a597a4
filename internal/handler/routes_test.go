package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"edgeproxy/internal/config"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/model"
)

func newAdmin(t *testing.T, metricsEnabled bool) (*echo.Echo, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: metricsEnabled, Path: "/metrics"}}
	e := echo.New()
	RegisterRoutes(e, cfg, m,
		NewHealthHandler(&fakeGateway{uid: "gw"}, "test"),
		NewStatsHandler(m),
	)
	return e, m
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	e, _ := newAdmin(t, true)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET /stats", http.MethodGet, "/stats", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"POST /healthz", http.MethodPost, "/healthz", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Errorf("admin headers missing on %s", tt.path)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	e, _ := newAdmin(t, false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStats_ReflectsCounters(t *testing.T) {
	e, m := newAdmin(t, true)
	m.IncrementRequestCount()
	m.IncrementResponseCount()
	m.IncrementStatusCount(http.StatusBadGateway)
	m.IncrementRequestErrorCount()

	req := httptest.NewRequest(http.MethodGet, "/stats", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var snap model.StatsSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Requests != 1 || snap.Responses != 1 || snap.RequestErrors != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.StatusCodes["5"] != 1 {
		t.Errorf("statusCodes[5] = %d, want 1", snap.StatusCodes["5"])
	}
}

func TestMetricsEndpoint_ExposesRegistry(t *testing.T) {
	e, m := newAdmin(t, true)
	m.IncrementRequestCount()

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "edgeproxy_") {
		t.Errorf("metrics body lacks edgeproxy_ series:\n%s", rec.Body.String())
	}
}
