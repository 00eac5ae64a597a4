package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edgeproxy/internal/model"
)

// Snapshotter returns the current transaction counters.
type Snapshotter interface {
	Snapshot() model.StatsSnapshot
}

// StatsHandler serves the counter snapshot.
type StatsHandler struct {
	stats Snapshotter
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(s Snapshotter) *StatsHandler {
	return &StatsHandler{stats: s}
}

// Stats returns the counters as JSON.
func (h *StatsHandler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.stats.Snapshot())
}
