package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/logdyhq/logdy-core/logdy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rextrack-worker-go/internal/config"
)

type logdyWriter struct {
	logger logdy.Logdy
}

func (w *logdyWriter) Write(p []byte) (n int, err error) {
	w.logger.LogString(string(p))
	return len(p), nil
}

// StartLogdy starts embedded Logdy web UI and returns a writer to tee logs, plus the UI URL
func StartLogdy(cfg *config.Config) (io.Writer, string, error) {
	portStr := strconv.Itoa(cfg.LogdyPort)
	ld := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: portStr,
	}, nil)

	url := fmt.Sprintf("http://%s:%s", cfg.LogdyHost, portStr)
	return &logdyWriter{logger: ld}, url, nil
}

// Setup installs the console writer, the level from cfg and, when enabled,
// the Logdy tee. Unknown levels fall back to info.
func Setup(cfg *config.Config) {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05Z07:00"
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	var logdyURL string
	var logdyErr error
	if cfg.LogdyEnabled {
		var w io.Writer
		w, logdyURL, logdyErr = StartLogdy(cfg)
		if logdyErr == nil {
			// Logdy parses JSON lines, so it gets the raw encoder output.
			out = zerolog.MultiLevelWriter(out, w)
		}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	if logdyErr != nil {
		log.Warn().Err(logdyErr).Msg("Logdy UI unavailable")
	} else if logdyURL != "" {
		log.Info().Str("url", logdyURL).Msg("Logdy UI available")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
