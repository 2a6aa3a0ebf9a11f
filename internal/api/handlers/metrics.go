package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsHandler struct {
	manager SourceManager
	prom    http.Handler
}

// NewMetricsHandler serves snapshots from the manager and the Prometheus
// exposition from gatherer.
func NewMetricsHandler(manager SourceManager, gatherer prometheus.Gatherer) *MetricsHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsHandler{
		manager: manager,
		prom:    promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// @Summary Metrics snapshot
// @Description Per-source and system metrics from the last collection tick. Pass ?source=cam1 for one source
// @Tags metrics
// @Produce json
// @Param source query string false "Source ID"
// @Success 200 {object} metrics.Snapshot
// @Failure 404 {object} ErrorResponse
// @Router /metrics/snapshot [get]
func (h *MetricsHandler) Snapshot(c *gin.Context) {
	snap := h.manager.Metrics()
	if id := c.Query("source"); id != "" {
		s, ok := snap.Sources[id]
		if !ok {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "no metrics for source " + id})
			return
		}
		c.JSON(http.StatusOK, s)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// @Summary Prometheus metrics
// @Tags metrics
// @Produce plain
// @Success 200 {string} string
// @Router /metrics [get]
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	h.prom.ServeHTTP(c.Writer, c.Request)
}
