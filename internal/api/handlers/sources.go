package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/logging"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/streamcapture"
	"rextrack-worker-go/internal/services/sources"
)

// Reloader re-reads the sources file from disk.
type Reloader func() (*config.SourcesConfig, error)

type SourceHandler struct {
	manager  SourceManager
	reload   Reloader
	defaults func() *config.SourcesConfig
	opener   streamcapture.Opener
	probeTTL time.Duration
}

// NewSourceHandler wires the source endpoints. reload and opener may be nil;
// the reload-from-file and stream check endpoints then answer 501.
func NewSourceHandler(manager SourceManager, reload Reloader, defaults func() *config.SourcesConfig, opener streamcapture.Opener, probeTimeout time.Duration) *SourceHandler {
	if defaults == nil {
		defaults = func() *config.SourcesConfig { return config.DefaultSourcesConfig(nil) }
	}
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &SourceHandler{manager: manager, reload: reload, defaults: defaults, opener: opener, probeTTL: probeTimeout}
}

type SourceResponse struct {
	Source models.SourceDescriptor `json:"source"`
	Status sources.Status          `json:"status"`
}

type UpdateResponse struct {
	Source    models.SourceDescriptor `json:"source"`
	Restarted bool                    `json:"restarted"`
}

type CheckRequest struct {
	URI       string `json:"uri" binding:"required" example:"rtsp://10.0.0.12:554/stream1"`
	TimeoutMS int    `json:"timeout_ms,omitempty" example:"5000"`
}

// @Summary List sources
// @Tags sources
// @Produce json
// @Success 200 {array} models.SourceDescriptor
// @Router /sources [get]
func (h *SourceHandler) ListSources(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.ListSources())
}

// @Summary Add a source
// @Description Registers a new source in the stopped state
// @Tags sources
// @Accept json
// @Produce json
// @Param source body models.SourceDescriptor true "Source descriptor"
// @Success 201 {object} models.SourceDescriptor
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sources [post]
func (h *SourceHandler) AddSource(c *gin.Context) {
	var d models.SourceDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.manager.AddSource(c.Request.Context(), d); err != nil {
		writeError(c, err)
		return
	}
	logging.Info(c).Str("source_id", d.ID).Msg("Source added via API")
	c.JSON(http.StatusCreated, d)
}

// @Summary Get a source
// @Tags sources
// @Produce json
// @Param id path string true "Source ID"
// @Success 200 {object} SourceResponse
// @Failure 404 {object} ErrorResponse
// @Router /sources/{id} [get]
func (h *SourceHandler) GetSource(c *gin.Context) {
	id := c.Param("id")
	d, err := h.manager.GetSource(id)
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := h.manager.StatusOf(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, SourceResponse{Source: d, Status: st})
}

// @Summary Update a source
// @Description Replaces the descriptor; stream or OSC destination changes restart a running source
// @Tags sources
// @Accept json
// @Produce json
// @Param id path string true "Source ID"
// @Param source body models.SourceDescriptor true "Source descriptor"
// @Success 200 {object} UpdateResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sources/{id} [put]
func (h *SourceHandler) UpdateSource(c *gin.Context) {
	var d models.SourceDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if d.ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "body id does not match path id"})
		return
	}
	restarted, err := h.manager.UpdateSource(c.Request.Context(), d)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, UpdateResponse{Source: d, Restarted: restarted})
}

// @Summary Remove a source
// @Tags sources
// @Param id path string true "Source ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /sources/{id} [delete]
func (h *SourceHandler) RemoveSource(c *gin.Context) {
	if err := h.manager.RemoveSource(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Start a source
// @Tags sources
// @Produce json
// @Param id path string true "Source ID"
// @Success 200 {object} sources.Status
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sources/{id}/start [post]
func (h *SourceHandler) StartSource(c *gin.Context) {
	h.control(c, h.manager.Start)
}

// @Summary Stop a source
// @Tags sources
// @Produce json
// @Param id path string true "Source ID"
// @Success 200 {object} sources.Status
// @Failure 404 {object} ErrorResponse
// @Router /sources/{id}/stop [post]
func (h *SourceHandler) StopSource(c *gin.Context) {
	h.control(c, h.manager.Stop)
}

// @Summary Restart a source
// @Tags sources
// @Produce json
// @Param id path string true "Source ID"
// @Success 200 {object} sources.Status
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sources/{id}/restart [post]
func (h *SourceHandler) RestartSource(c *gin.Context) {
	h.control(c, h.manager.Restart)
}

func (h *SourceHandler) control(c *gin.Context, op func(string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		writeError(c, err)
		return
	}
	st, err := h.manager.StatusOf(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary Start every enabled source
// @Tags sources
// @Produce json
// @Success 200 {object} map[string]string
// @Router /sources/start [post]
func (h *SourceHandler) StartAll(c *gin.Context) {
	c.JSON(http.StatusOK, resultMap(h.manager.StartAll()))
}

// @Summary Stop every source
// @Tags sources
// @Produce json
// @Success 200 {object} map[string]string
// @Router /sources/stop [post]
func (h *SourceHandler) StopAll(c *gin.Context) {
	c.JSON(http.StatusOK, resultMap(h.manager.StopAll()))
}

// @Summary Current tracked slots of a source
// @Tags sources
// @Produce json
// @Param id path string true "Source ID"
// @Success 200 {array} models.TrackedSlot
// @Failure 404 {object} ErrorResponse
// @Router /sources/{id}/slots [get]
func (h *SourceHandler) GetSlots(c *gin.Context) {
	slots, err := h.manager.Slots(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if slots == nil {
		slots = []models.TrackedSlot{}
	}
	c.JSON(http.StatusOK, slots)
}

// @Summary Status of every source
// @Tags sources
// @Produce json
// @Success 200 {array} sources.Status
// @Router /status [get]
func (h *SourceHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

// @Summary Reload the sources configuration
// @Description With a JSON body the document is applied on top of the defaults; with an empty body the sources file is re-read
// @Tags sources
// @Accept json
// @Produce json
// @Param config body config.SourcesConfig false "Sources configuration"
// @Success 200 {object} sources.ReloadResult
// @Failure 400 {object} ErrorResponse
// @Failure 501 {object} ErrorResponse
// @Router /reload [post]
func (h *SourceHandler) Reload(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	var next *config.SourcesConfig
	if len(body) == 0 {
		if h.reload == nil {
			c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "no sources file configured"})
			return
		}
		if next, err = h.reload(); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	} else {
		next = h.defaults()
		if err := json.Unmarshal(body, next); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid configuration: " + err.Error()})
			return
		}
	}

	res, err := h.manager.Reload(c.Request.Context(), next)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.Info(c).
		Strs("added", res.Added).
		Strs("removed", res.Removed).
		Strs("updated", res.Updated).
		Msg("Configuration reloaded")
	c.JSON(http.StatusOK, res)
}

// @Summary Check a stream URI
// @Description Opens the stream and waits for its first frame
// @Tags sources
// @Accept json
// @Produce json
// @Param request body CheckRequest true "Stream to probe"
// @Success 200 {object} streamcapture.ProbeResult
// @Failure 400 {object} ErrorResponse
// @Failure 501 {object} ErrorResponse
// @Router /sources/check [post]
func (h *SourceHandler) CheckSource(c *gin.Context) {
	if h.opener == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "stream probing is not available"})
		return
	}
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	timeout := h.probeTTL
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	res := streamcapture.Probe(c.Request.Context(), h.opener, req.URI, timeout)
	c.JSON(http.StatusOK, res)
}
