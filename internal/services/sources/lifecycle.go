package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/logging"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/events"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/pipeline"
	"rextrack-worker-go/internal/services/streamcapture"
	"rextrack-worker-go/internal/services/tracking"
)

// State is the lifecycle state of one worker.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateError
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrorRecord is one entry of a worker's error history.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// Status is a read-only view of one worker.
type Status struct {
	SourceID          string        `json:"source_id"`
	Name              string        `json:"name"`
	URI               string        `json:"uri"`
	Enabled           bool          `json:"enabled"`
	State             string        `json:"state"`
	LastError         string        `json:"last_error,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	ReconnectCount    uint64        `json:"reconnect_count"`
	ErrorCount        uint64        `json:"error_count"`
	Objects           int           `json:"objects"`
	RunID             string        `json:"run_id,omitempty"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	ErrorSince        *time.Time    `json:"error_since,omitempty"`
	NextRetry         *time.Time    `json:"next_retry,omitempty"`
	Errors            []ErrorRecord `json:"errors,omitempty"`
}

// Emitter is a pipeline emitter owning a network resource.
type Emitter interface {
	pipeline.Emitter
	Close() error
}

// EmitterFactory opens the emitter for one run of a worker. onError is
// called for asynchronous send failures.
type EmitterFactory func(sourceID string, s config.OSCSettings, logger zerolog.Logger, onError func(error)) (Emitter, error)

// Worker runs the pipeline of one source on its own goroutine and owns its
// reconnect policy.
type Worker struct {
	id   string
	deps *Deps

	settings atomic.Pointer[config.Settings]
	desc     atomic.Pointer[models.SourceDescriptor]
	metrics  *metrics.Source
	logger   zerolog.Logger

	// Serializes Start and Stop.
	opMu sync.Mutex

	mu                sync.Mutex
	state             State
	cancel            context.CancelFunc
	done              chan struct{}
	runID             string
	startedAt         time.Time
	errorSince        time.Time
	nextRetry         time.Time
	lastErr           error
	reconnectAttempts int
	history           []ErrorRecord
	buffer            *tracking.Buffer
}

func newWorker(d models.SourceDescriptor, s config.Settings, deps *Deps) *Worker {
	w := &Worker{
		id:      d.ID,
		deps:    deps,
		metrics: deps.Metrics.Reset(d.ID),
		logger:  logging.WithSource(deps.Logger, d.ID),
	}
	w.desc.Store(&d)
	w.settings.Store(&s)
	w.metrics.SetState(StateStopped.String(), time.Now())
	return w
}

func (w *Worker) ID() string { return w.id }

// Settings returns the settings the next cycle will use.
func (w *Worker) Settings() config.Settings { return *w.settings.Load() }

func (w *Worker) Descriptor() models.SourceDescriptor { return w.desc.Load().Clone() }

// update swaps descriptor and settings. Running cycles pick them up on the
// next frame.
func (w *Worker) update(d models.SourceDescriptor, s config.Settings) {
	w.desc.Store(&d)
	w.settings.Store(&s)
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the worker. Starting a worker whose run goroutine is still
// alive is a no-op; a worker left in error by an exited goroutine is started
// again.
func (w *Worker) Start() error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	if w.state != StateStopped && w.alive() {
		w.mu.Unlock()
		return nil
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	s := w.Settings()
	emitter, err := w.deps.NewEmitter(w.id, s.OSC, w.logger, func(error) { w.metrics.EmitError() })
	if err != nil {
		return fmt.Errorf("failed to open emitter for source %s: %w", w.id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	runID := uuid.NewString()
	buffer := tracking.NewBuffer()

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.runID = runID
	w.startedAt = time.Now()
	w.errorSince = time.Time{}
	w.nextRetry = time.Time{}
	w.lastErr = nil
	w.reconnectAttempts = 0
	w.buffer = buffer
	w.mu.Unlock()

	w.transition(ctx, StateStarting, nil)
	w.logger.Info().Str("run_id", runID).Str("uri", s.URI).Msg("Starting source")

	go w.run(ctx, done, emitter, buffer, logging.WithRun(w.logger, runID))
	return nil
}

// Stop cancels the worker and waits for its goroutine up to the configured
// stop timeout. It is allowed from every state and always ends in stopped.
func (w *Worker) Stop() error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	cancel, done, prev := w.cancel, w.done, w.state
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(w.deps.StopTimeout):
			w.logger.Warn().Dur("timeout", w.deps.StopTimeout).Msg("Source did not stop in time, abandoning in-flight cycle")
		}
	}

	w.mu.Lock()
	w.state = StateStopped
	w.errorSince = time.Time{}
	w.nextRetry = time.Time{}
	w.mu.Unlock()
	w.metrics.SetState(StateStopped.String(), time.Now())

	if prev != StateStopped {
		w.publishState(StateStopped, prev, nil)
		w.logger.Info().Str("previous", prev.String()).Msg("Source stopped")
	}
	return nil
}

// alive reports whether the current run goroutine has not exited. w.mu must
// be held.
func (w *Worker) alive() bool {
	if w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Worker) Restart() error {
	if err := w.Stop(); err != nil {
		return err
	}
	return w.Start()
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	d := w.Descriptor()
	counts := w.metrics.Snapshot(time.Now())

	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		SourceID:          w.id,
		Name:              d.Name,
		URI:               d.URI,
		Enabled:           d.Enabled,
		State:             w.state.String(),
		ReconnectAttempts: w.reconnectAttempts,
		ReconnectCount:    counts.ReconnectCount,
		ErrorCount:        counts.ErrorCount,
		Objects:           counts.ObjectsCount,
		Errors:            append([]ErrorRecord(nil), w.history...),
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	if w.state != StateStopped {
		st.RunID = w.runID
		st.StartedAt = timePtr(w.startedAt)
	}
	st.ErrorSince = timePtr(w.errorSince)
	st.NextRetry = timePtr(w.nextRetry)
	return st
}

// Slots returns the identity buffer contents of the current run.
func (w *Worker) Slots() []models.TrackedSlot {
	w.mu.Lock()
	b := w.buffer
	w.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Slots()
}

// failingFor reports how long the worker has been failing without a
// successful cycle, or zero.
func (w *Worker) failingFor(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.errorSince.IsZero() {
		return 0
	}
	return now.Sub(w.errorSince)
}

func (w *Worker) run(ctx context.Context, done chan struct{}, emitter Emitter, buffer *tracking.Buffer, logger zerolog.Logger) {
	defer close(done)
	defer func() {
		if err := emitter.Close(); err != nil {
			logger.Debug().Err(err).Msg("Emitter close failed")
		}
	}()
	defer func() {
		// Panics outside an attempt end the run; Start recovers the worker.
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Source worker panic recovered")
			w.fail(ctx, fmt.Errorf("panic: %v", r))
		}
	}()

	s := w.Settings()
	backoff := &streamcapture.Backoff{Min: s.BackoffMin, Max: s.BackoffMax, JitterPct: w.deps.JitterPct}

	for ctx.Err() == nil {
		err := w.attempt(ctx, emitter, buffer, backoff, logger)
		if ctx.Err() != nil {
			return
		}

		w.fail(ctx, err)
		logger.Warn().Err(err).Msg("Source failed")
		if !w.waitReconnect(ctx, backoff, logger) {
			return
		}
	}
}

// attempt opens the source and runs cycles until it fails. A panic in a
// cycle is returned as a disconnect so the reconnect policy applies.
func (w *Worker) attempt(ctx context.Context, emitter Emitter, buffer *tracking.Buffer, backoff *streamcapture.Backoff, logger zerolog.Logger) (err error) {
	s := w.Settings()
	src, err := w.deps.Opener.Open(ctx, streamcapture.OpenOptions{
		SourceID:       w.id,
		URI:            s.URI,
		ConnectTimeout: s.ConnectTimeout,
		ReadTimeout:    s.ReadTimeout,
	})
	if err != nil {
		if !streamcapture.IsStreamError(err) && ctx.Err() == nil {
			err = streamcapture.NewStreamError(streamcapture.KindConnect, w.id, err)
		}
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("Source close failed")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Cycle panic recovered")
			err = streamcapture.NewStreamError(streamcapture.KindDisconnected, w.id, fmt.Errorf("panic: %v", r))
		}
	}()

	// Cycle errors are logged inside the pipeline; only stream failures
	// come back here.
	return w.runCycles(ctx, src, emitter, buffer, backoff, logger)
}

func (w *Worker) runCycles(ctx context.Context, src streamcapture.Source, emitter Emitter, buffer *tracking.Buffer, backoff *streamcapture.Backoff, logger zerolog.Logger) error {
	p := pipeline.New(pipeline.Options{
		SourceID:  w.id,
		Source:    src,
		Detector:  w.deps.Detector,
		Buffer:    buffer,
		Emitter:   emitter,
		Metrics:   w.metrics,
		Publisher: w.deps.Publisher,
		Logger:    logger,
		Settings:  w.Settings,
	})

	first := true
	for {
		if _, err := p.RunCycle(ctx); err != nil {
			return err
		}
		if first {
			first = false
			backoff.Reset()
			w.mu.Lock()
			w.reconnectAttempts = 0
			w.errorSince = time.Time{}
			w.nextRetry = time.Time{}
			w.mu.Unlock()
			w.transition(ctx, StateRunning, nil)
			logger.Info().Msg("Source running")
		}
	}
}

// waitReconnect sleeps for the next backoff delay. It returns false when the
// worker was cancelled or the source has been disabled meanwhile.
func (w *Worker) waitReconnect(ctx context.Context, backoff *streamcapture.Backoff, logger zerolog.Logger) bool {
	delay := backoff.Next()
	w.mu.Lock()
	w.nextRetry = time.Now().Add(delay)
	w.mu.Unlock()
	logger.Info().Dur("delay", delay).Int("attempt", backoff.Attempt()).Msg("Reconnecting after backoff")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	if !w.Settings().Enabled {
		logger.Info().Msg("Source disabled, not reconnecting")
		w.transition(ctx, StateStopped, nil)
		return false
	}

	w.mu.Lock()
	w.reconnectAttempts++
	w.nextRetry = time.Time{}
	w.mu.Unlock()
	w.metrics.Reconnect()
	w.transition(ctx, StateReconnecting, nil)
	return true
}

// fail records err and moves the worker to error.
func (w *Worker) fail(ctx context.Context, err error) {
	kind := "error"
	if k, ok := streamcapture.KindOf(err); ok {
		kind = k.String()
	}
	w.metrics.StreamError()

	w.mu.Lock()
	w.lastErr = err
	w.history = append(w.history, ErrorRecord{Timestamp: time.Now(), Kind: kind, Message: err.Error()})
	if n := w.deps.ErrorHistorySize; n > 0 && len(w.history) > n {
		w.history = append(w.history[:0:0], w.history[len(w.history)-n:]...)
	}
	w.mu.Unlock()

	w.deps.Publisher.Publish(events.Event{
		Type:     events.TypeError,
		SourceID: w.id,
		Fields:   map[string]any{"kind": kind, "error": err.Error()},
	})
	w.transition(ctx, StateError, err)
}

// transition applies a state change made by the run goroutine. Changes from
// a cancelled run are discarded so they cannot overwrite a Stop.
func (w *Worker) transition(ctx context.Context, next State, err error) {
	w.mu.Lock()
	if ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	prev := w.state
	w.state = next
	if next == StateError && prev != StateError && w.errorSince.IsZero() {
		w.errorSince = time.Now()
	}
	w.mu.Unlock()

	w.metrics.SetState(next.String(), time.Now())
	if prev != next {
		w.publishState(next, prev, err)
	}
}

func (w *Worker) publishState(next, prev State, err error) {
	fields := map[string]any{"state": next.String(), "previous": prev.String()}
	if err != nil {
		fields["error"] = err.Error()
	}
	w.deps.Publisher.Publish(events.Event{Type: events.TypeState, SourceID: w.id, Fields: fields})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var errNoOpener = errors.New("no stream opener configured")
