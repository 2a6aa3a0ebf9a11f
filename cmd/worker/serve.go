package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"rextrack-worker-go/internal/api"
	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/logging"
	"rextrack-worker-go/internal/services/detection"
	"rextrack-worker-go/internal/services/messaging"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/sources"
	"rextrack-worker-go/internal/services/streamcapture/opencv"
	"rextrack-worker-go/internal/store"
)

func runServe(parent context.Context, sourcesFile string) error {
	cfg := config.Load()
	logging.Setup(cfg)
	if sourcesFile != "" {
		cfg.SourcesFile = sourcesFile
	}

	log.Info().
		Str("worker_id", cfg.WorkerID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("sources_file", cfg.SourcesFile).
		Msg("Starting RexTrack worker")

	sc, err := loadSources(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detector, err := detection.NewService(cfg)
	if err != nil {
		return fmt.Errorf("create detector client: %w", err)
	}
	defer detector.Close()
	if err := detector.CheckHealth(ctx); err != nil {
		log.Warn().Err(err).Str("endpoint", detector.Endpoint()).Msg("Detector not healthy yet, sources will retry per frame")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	collector := metrics.NewCollector(cfg.MetricsInterval, logging.NewServiceLogger(cfg, "metrics"))
	go collector.Run(ctx)

	var opts []sources.Option
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rs.Close()
		opts = append(opts, sources.WithStore(rs))
	}

	opener := opencv.NewOpener(cfg)
	manager, err := sources.NewManager(sc, sources.Deps{
		Opener:           opener,
		Detector:         detector,
		Metrics:          collector,
		Logger:           logging.NewServiceLogger(cfg, "sources"),
		StopTimeout:      cfg.StopTimeout,
		ErrorHistorySize: cfg.ErrorHistorySize,
		JitterPct:        cfg.ReconnectJitterPct,
	}, opts...)
	if err != nil {
		return fmt.Errorf("create source manager: %w", err)
	}

	if n, err := manager.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore stored sources")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Restored sources from redis")
	}

	var bus *messaging.Service
	if cfg.NatsEnabled {
		bus, err = messaging.NewService(cfg)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NatsURL).Msg("NATS unavailable, events stay local")
		} else {
			ch, unsubscribe := manager.Subscribe(cfg.EventBufferSize)
			defer unsubscribe()
			go bus.Forward(ctx, ch)
		}
	}

	for id, err := range manager.StartAll() {
		if err != nil && !errors.Is(err, sources.ErrSourceDisabled) {
			log.Error().Err(err).Str("source_id", id).Msg("Failed to start source")
		}
	}

	server := api.NewServer(cfg, manager, api.Options{
		DetectorHealthy: detector.IsHealthy,
		Reload: func() (*config.SourcesConfig, error) {
			return config.LoadSourcesFile(cfg.SourcesFile, cfg)
		},
		Defaults: func() *config.SourcesConfig { return config.DefaultSourcesConfig(cfg) },
		Opener:   opener,
		Gatherer: reg,
	})
	if err := server.Setup(); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server forced to shutdown")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Source manager forced to shutdown")
	}
	if bus != nil {
		if err := bus.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("NATS shutdown failed")
		}
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// loadSources reads the sources file. A missing file starts the worker with
// no sources; any other error is fatal.
func loadSources(cfg *config.Config) (*config.SourcesConfig, error) {
	sc, err := config.LoadSourcesFile(cfg.SourcesFile, cfg)
	if err == nil {
		log.Info().Int("sources", len(sc.Sources)).Msg("Sources file loaded")
		return sc, nil
	}
	if _, statErr := os.Stat(cfg.SourcesFile); os.IsNotExist(statErr) {
		log.Warn().Str("path", cfg.SourcesFile).Msg("Sources file not found, starting without sources")
		return config.DefaultSourcesConfig(cfg), nil
	}
	return nil, err
}
