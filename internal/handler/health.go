package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edgeproxy/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Gateway is the view of the running gateway the admin endpoints report on.
type Gateway interface {
	UID() string
	Routes() []*route.Route
	Plugins() []string
}

// ProxyStatus describes one configured proxy route.
type ProxyStatus struct {
	BasePath string `json:"base_path"`
	URL      string `json:"url"`
}

// StatusResponse is the body served by Status.
type StatusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	UID     string        `json:"uid"`
	Proxies []ProxyStatus `json:"proxies"`
	Plugins []string      `json:"plugins"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	gw      Gateway
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(gw Gateway, v Version) *HealthHandler {
	return &HealthHandler{gw: gw, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway identity and the active routes.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := h.gw.Routes()
	proxies := make([]ProxyStatus, 0, len(routes))
	for _, r := range routes {
		proxies = append(proxies, ProxyStatus{BasePath: r.BasePath, URL: r.Target.String()})
	}
	plugins := h.gw.Plugins()
	if plugins == nil {
		plugins = []string{}
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: string(h.version),
		UID:     h.gw.UID(),
		Proxies: proxies,
		Plugins: plugins,
	})
}
