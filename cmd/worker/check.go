package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/logging"
	"rextrack-worker-go/internal/services/streamcapture"
	"rextrack-worker-go/internal/services/streamcapture/opencv"
)

func runCheck(ctx context.Context, out io.Writer, uri, timeout string) error {
	cfg := config.Load()
	logging.Setup(cfg)

	d := cfg.ConnectTimeout
	if timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
		d = parsed
	}

	res := streamcapture.Probe(ctx, opencv.NewOpener(cfg), uri, d)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Reachable {
		return fmt.Errorf("stream unreachable: %s", res.Error)
	}
	return nil
}

func runSources(out io.Writer, sourcesFile string) error {
	cfg := config.Load()
	logging.Setup(cfg)
	if sourcesFile != "" {
		cfg.SourcesFile = sourcesFile
	}

	sc, err := config.LoadSourcesFile(cfg.SourcesFile, cfg)
	if err != nil {
		return err
	}
	return writeSources(out, sc)
}

func writeSources(out io.Writer, sc *config.SourcesConfig) error {
	if len(sc.Sources) == 0 {
		_, err := fmt.Fprintln(out, "no sources configured")
		return err
	}
	for _, d := range sc.Sources {
		s := config.Resolve(sc, d)
		roi := "none"
		if s.ROI != nil {
			roi = fmt.Sprintf("[%g,%g,%g,%g]", s.ROI.X1, s.ROI.Y1, s.ROI.X2, s.ROI.Y2)
		}
		_, err := fmt.Fprintf(out, "%s\t%s\tenabled=%t confidence=%.2f classes=%v roi=%s period=%d objects_max=%d persistence=%s osc=%s:%d%s\n",
			s.SourceID, s.URI, s.Enabled, s.Confidence, s.Classes, roi,
			s.PeriodFrames, s.ObjectsMax, s.ObjectPersistence, s.OSC.Host, s.OSC.Port, s.OSC.AddressPrefix)
		if err != nil {
			return err
		}
	}
	return nil
}
