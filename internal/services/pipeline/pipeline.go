// Package pipeline drives the per-frame cycle of one source: capture,
// detect, track, emit.
package pipeline

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/detection"
	"rextrack-worker-go/internal/services/events"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/streamcapture"
	"rextrack-worker-go/internal/services/tracking"
)

// Emitter hands tracked slots to the downstream engine.
type Emitter interface {
	Emit(slots []models.TrackedSlot, s config.OSCSettings) error
}

// Result describes one completed or skipped cycle.
type Result struct {
	Seq        uint64
	Skipped    bool
	Detections int
	Slots      []models.TrackedSlot
	Created    []int
	Freed      []int
	Dropped    int
	CapturedAt time.Time
	InferredAt time.Time
	EmittedAt  time.Time
	Latency    time.Duration
	DetectErr  error
	EmitErr    error
}

type Options struct {
	SourceID  string
	Source    streamcapture.Source
	Detector  detection.Detector
	Buffer    *tracking.Buffer
	Emitter   Emitter
	Metrics   *metrics.Source
	Publisher events.Publisher
	Logger    zerolog.Logger
	// Settings is read once per cycle so live changes apply on the next frame.
	Settings func() config.Settings
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline is driven from a single goroutine; it is not safe for
// concurrent use.
type Pipeline struct {
	opts Options

	frames  uint64
	lastSeq uint64
	haveSeq bool

	detectFailures uint64
	emitFailures   uint64
}

func New(opts Options) *Pipeline {
	if opts.Buffer == nil {
		opts.Buffer = tracking.NewBuffer()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{opts: opts}
}

// RunCycle pulls one frame and runs it through the pipeline. Only stream
// failures and cancellation are returned; detection and emit failures are
// counted, logged and reported in the Result.
func (p *Pipeline) RunCycle(ctx context.Context) (Result, error) {
	o := p.opts
	frame, err := o.Source.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if !streamcapture.IsStreamError(err) {
			err = streamcapture.NewStreamError(streamcapture.KindDisconnected, o.SourceID, err)
		}
		return Result{}, err
	}
	o.Metrics.FrameIn()

	res := Result{Seq: frame.Seq, CapturedAt: frame.Timestamp}

	// Never process a frame twice or out of order.
	if p.haveSeq && frame.Seq <= p.lastSeq {
		o.Metrics.FrameDropped()
		res.Skipped = true
		return res, nil
	}
	p.lastSeq, p.haveSeq = frame.Seq, true

	s := o.Settings()
	p.frames++
	if period := uint64(max(1, s.PeriodFrames)); (p.frames-1)%period != 0 {
		o.Metrics.FrameDropped()
		res.Skipped = true
		return res, nil
	}

	dets, err := o.Detector.Detect(ctx, frame, detection.Options{
		Confidence: s.Confidence,
		Classes:    s.Classes,
	})
	res.InferredAt = o.Now()
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		p.detectFailures++
		o.Metrics.DetectionError()
		res.DetectErr = err
		p.reportFailure(err, "detection", p.detectFailures)
		return res, nil
	}
	res.Detections = len(dets)

	tr := o.Buffer.Update(dets, TrackingConfig(s), frame.Timestamp)
	res.Slots, res.Created, res.Freed, res.Dropped = tr.Slots, tr.Created, tr.Freed, tr.Dropped

	if err := o.Emitter.Emit(tr.Slots, s.OSC); err != nil {
		p.emitFailures++
		o.Metrics.EmitError()
		res.EmitErr = err
		p.reportFailure(err, "emit", p.emitFailures)
	}
	res.EmittedAt = o.Now()
	res.Latency = res.EmittedAt.Sub(frame.Timestamp)
	o.Metrics.FrameProcessed(res.Latency, len(tr.Slots))

	o.Publisher.Publish(events.Event{
		Type:      events.TypeCycle,
		SourceID:  o.SourceID,
		Timestamp: res.EmittedAt,
		Fields: map[string]any{
			"seq":        frame.Seq,
			"detections": res.Detections,
			"objects":    len(tr.Slots),
			"created":    slices.Clone(tr.Created),
			"freed":      slices.Clone(tr.Freed),
			"dropped":    tr.Dropped,
			"latency_ms": float64(res.Latency) / float64(time.Millisecond),
			"slots":      slices.Clone(tr.Slots),
		},
	})
	return res, nil
}

// Slots returns the current buffer contents.
func (p *Pipeline) Slots() []models.TrackedSlot {
	return p.opts.Buffer.Slots()
}

func (p *Pipeline) reportFailure(err error, stage string, n uint64) {
	if n == 1 || n%100 == 0 {
		p.opts.Logger.Warn().Err(err).Str("stage", stage).Uint64("failures", n).Msg("Cycle failed, skipping frame")
	}
	kind := "detection_error"
	if stage == "emit" {
		kind = "emit_error"
	}
	var de *detection.DetectionError
	if errors.As(err, &de) {
		err = de.Err
	}
	p.opts.Publisher.Publish(events.Event{
		Type:     events.TypeError,
		SourceID: p.opts.SourceID,
		Fields:   map[string]any{"kind": kind, "error": err.Error()},
	})
}

// TrackingConfig maps resolved settings onto identity buffer parameters.
func TrackingConfig(s config.Settings) tracking.Config {
	return tracking.Config{
		Confidence:        s.Confidence,
		Classes:           s.Classes,
		ROI:               s.ROI,
		MaxObjects:        s.ObjectsMax,
		Persistence:       s.ObjectPersistence,
		PersistenceFrames: s.PersistenceFrames,
		MaxDistance:       s.MaxDistance,
		PreferTrackID:     s.PreferTrackID,
	}
}
