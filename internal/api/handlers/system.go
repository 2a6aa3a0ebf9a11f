package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemHandler reports runtime statistics of the worker process.
type SystemHandler struct {
	WorkerID string
	manager  SourceManager
}

func NewSystemHandler(workerID string, manager SourceManager) *SystemHandler {
	return &SystemHandler{WorkerID: workerID, manager: manager}
}

// @Summary Get system stats
// @Description Go runtime statistics plus host usage from the last metrics snapshot
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /system/stats [get]
func (h *SystemHandler) GetStats(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	sys := h.manager.Metrics().System

	c.JSON(http.StatusOK, gin.H{
		"worker_id":         h.WorkerID,
		"heap_alloc_mb":     m.HeapAlloc / 1024 / 1024,
		"num_gc":            m.NumGC,
		"cpu_cores":         runtime.NumCPU(),
		"goroutines":        runtime.NumGoroutine(),
		"go_version":        runtime.Version(),
		"cpu_percent":       sys.CPUPercent,
		"memory_percent":    sys.MemoryPercent,
		"process_rss_bytes": sys.ProcessRSSBytes,
		"timestamp":         time.Now().Unix(),
	})
}
