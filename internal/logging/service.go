package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rextrack-worker-go/internal/config"
)

func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	return log.With().Str("worker_id", cfg.WorkerID).Str("service", service).Logger()
}

func WithSource(base zerolog.Logger, sourceID string) zerolog.Logger {
	return base.With().Str("source_id", sourceID).Logger()
}

// WithRun tags every line of one worker run so restarts can be told apart.
func WithRun(base zerolog.Logger, runID string) zerolog.Logger {
	return base.With().Str("run_id", runID).Logger()
}
