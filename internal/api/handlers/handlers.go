package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/logging"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/events"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/sources"
)

// SourceManager is the control surface the handlers delegate to.
type SourceManager interface {
	AddSource(ctx context.Context, d models.SourceDescriptor) error
	RemoveSource(ctx context.Context, id string) error
	UpdateSource(ctx context.Context, d models.SourceDescriptor) (bool, error)
	GetSource(id string) (models.SourceDescriptor, error)
	ListSources() []models.SourceDescriptor
	Start(id string) error
	Stop(id string) error
	Restart(id string) error
	StartAll() map[string]error
	StopAll() map[string]error
	Reload(ctx context.Context, next *config.SourcesConfig) (sources.ReloadResult, error)
	Config() *config.SourcesConfig
	Status() []sources.Status
	StatusOf(id string) (sources.Status, error)
	Slots(id string) ([]models.TrackedSlot, error)
	Metrics() *metrics.Snapshot
	Subscribe(buffer int) (<-chan events.Event, func())
	IsHealthy() bool
}

type ErrorResponse struct {
	Error string `json:"error" example:"source not found: cam1"`
}

type SuccessResponse struct {
	Message string `json:"message" example:"Source started"`
}

// writeError maps control-plane errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sources.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sources.ErrDuplicateID), errors.Is(err, sources.ErrSourceDisabled):
		status = http.StatusConflict
	case errors.Is(err, sources.ErrInvalidSource):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Error(c).Err(err).Msg("Request failed")
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// resultMap turns per-source errors into a JSON-friendly map; nil means ok.
func resultMap(results map[string]error) map[string]string {
	out := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = "ok"
		}
	}
	return out
}
