package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	WorkerID string
	Version  string
	manager  SourceManager
	detector func() bool
	started  time.Time
}

// NewHealthHandler reports the manager's health; detectorHealthy may be nil.
func NewHealthHandler(workerID, version string, manager SourceManager, detectorHealthy func() bool) *HealthHandler {
	return &HealthHandler{WorkerID: workerID, Version: version, manager: manager, detector: detectorHealthy, started: time.Now()}
}

type HealthResponse struct {
	Status          string         `json:"status" example:"healthy"`
	WorkerID        string         `json:"worker_id" example:"worker-1"`
	DetectorHealthy bool           `json:"detector_healthy"`
	Sources         map[string]int `json:"sources"`
}

type WorkerInfoResponse struct {
	WorkerID     string   `json:"worker_id" example:"worker-1"`
	Status       string   `json:"status" example:"running"`
	Version      string   `json:"version" example:"1.0.0"`
	UptimeS      float64  `json:"uptime_s"`
	Capabilities []string `json:"capabilities"`
}

// @Summary Health check
// @Description Healthy unless a source has been failing for longer than its reconnect backoff cap
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:          "healthy",
		WorkerID:        h.WorkerID,
		DetectorHealthy: h.detector == nil || h.detector(),
		Sources:         map[string]int{},
	}
	for _, st := range h.manager.Status() {
		resp.Sources[st.State]++
	}

	status := http.StatusOK
	if !h.manager.IsHealthy() {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// @Summary Worker information
// @Tags health
// @Produce json
// @Success 200 {object} WorkerInfoResponse
// @Router / [get]
func (h *HealthHandler) WorkerInfo(c *gin.Context) {
	c.JSON(http.StatusOK, WorkerInfoResponse{
		WorkerID: h.WorkerID,
		Status:   "running",
		Version:  h.Version,
		UptimeS:  time.Since(h.started).Seconds(),
		Capabilities: []string{
			"stream_ingestion",
			"object_tracking",
			"osc_output",
		},
	})
}
