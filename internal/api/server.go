package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"rextrack-worker-go/internal/api/handlers"
	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/services/streamcapture"
)

// Options carries the optional collaborators of the control API.
type Options struct {
	DetectorHealthy func() bool
	Reload          handlers.Reloader
	Defaults        func() *config.SourcesConfig
	Opener          streamcapture.Opener
	Gatherer        prometheus.Gatherer
}

type Server struct {
	config *config.Config
	router *gin.Engine
	server *http.Server

	healthHandler  *handlers.HealthHandler
	sourceHandler  *handlers.SourceHandler
	metricsHandler *handlers.MetricsHandler
	eventsHandler  *handlers.EventsHandler
	systemHandler  *handlers.SystemHandler
}

func NewServer(cfg *config.Config, manager handlers.SourceManager, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	return &Server{
		config:         cfg,
		router:         router,
		healthHandler:  handlers.NewHealthHandler(cfg.WorkerID, cfg.Version, manager, opts.DetectorHealthy),
		sourceHandler:  handlers.NewSourceHandler(manager, opts.Reload, opts.Defaults, opts.Opener, cfg.ConnectTimeout),
		metricsHandler: handlers.NewMetricsHandler(manager, opts.Gatherer),
		eventsHandler:  handlers.NewEventsHandler(manager, cfg.EventBufferSize),
		systemHandler:  handlers.NewSystemHandler(cfg.WorkerID, manager),
	}
}

func (s *Server) Setup() error {
	s.setupMiddleware()

	s.setupRoutes()

	s.setupSwagger()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

// Start serves until Stop is called; a clean shutdown returns nil.
func (s *Server) Start() error {
	log.Info().Int("port", s.config.Port).Msg("Starting RexTrack worker API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping RexTrack worker API")
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}
