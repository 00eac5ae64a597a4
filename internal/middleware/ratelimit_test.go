package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"edgeproxy/internal/config"
)

func TestRateLimiter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.RateLimitConfig
		clients  []string
		want429  bool
		wantNone bool
	}{
		{name: "disabled", cfg: config.RateLimitConfig{RequestsPerSecond: 1}, wantNone: true},
		{
			name:    "same client exceeds burst",
			cfg:     config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1},
			clients: []string{"10.0.0.1:1000", "10.0.0.1:1001", "10.0.0.1:1002", "10.0.0.1:1003"},
			want429: true,
		},
		{
			name:    "distinct clients keep separate buckets",
			cfg:     config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1},
			clients: []string{"10.0.0.1:1000", "10.0.0.2:1000", "10.0.0.3:1000", "10.0.0.4:1000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := RateLimiter(tt.cfg)
			if tt.wantNone {
				if mw != nil {
					t.Fatal("RateLimiter() should be nil when disabled")
				}
				return
			}

			e := echo.New()
			e.Use(mw)
			e.Any("/*", func(c echo.Context) error {
				return c.NoContent(http.StatusNoContent)
			})

			got429 := false
			for _, addr := range tt.clients {
				req := httptest.NewRequest(http.MethodGet, "/v1/anything", http.NoBody)
				req.RemoteAddr = addr
				rec := httptest.NewRecorder()
				e.ServeHTTP(rec, req)
				if rec.Code == http.StatusTooManyRequests {
					got429 = true
				}
			}
			if got429 != tt.want429 {
				t.Errorf("got 429 = %v, want %v", got429, tt.want429)
			}
		})
	}
}
