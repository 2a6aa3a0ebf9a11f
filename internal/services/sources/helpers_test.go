package sources

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/detection"
	"rextrack-worker-go/internal/services/events"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/streamcapture"
	"rextrack-worker-go/internal/services/streamcapture/memsource"
)

type staticDetector struct{}

func (staticDetector) Detect(_ context.Context, f models.Frame, _ detection.Options) ([]models.RawDetection, error) {
	return []models.RawDetection{{
		Class:      "person",
		Confidence: 0.9,
		Box:        models.BBox{X1: 10, Y1: 10, X2: 30, Y2: 50},
		Timestamp:  f.Timestamp,
	}}, nil
}

// panickingDetector panics on its nth call and detects normally otherwise.
type panickingDetector struct {
	n     int32
	calls atomic.Int32
}

func (d *panickingDetector) Detect(ctx context.Context, f models.Frame, opts detection.Options) ([]models.RawDetection, error) {
	if d.calls.Add(1) == d.n {
		panic("detector exploded")
	}
	return staticDetector{}.Detect(ctx, f, opts)
}

// slowDetector ignores cancellation and holds every call for delay.
type slowDetector struct {
	delay time.Duration
}

func (d slowDetector) Detect(ctx context.Context, f models.Frame, opts detection.Options) ([]models.RawDetection, error) {
	time.Sleep(d.delay)
	return staticDetector{}.Detect(ctx, f, opts)
}

type nopEmitter struct {
	mu     sync.Mutex
	emits  int
	closed bool
}

func (e *nopEmitter) Emit([]models.TrackedSlot, config.OSCSettings) error {
	e.mu.Lock()
	e.emits++
	e.mu.Unlock()
	return nil
}

func (e *nopEmitter) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// routingOpener fails every URI starting with "bad://" and serves the rest
// from an in-memory opener.
type routingOpener struct {
	mem *memsource.Opener
}

func (o routingOpener) Open(ctx context.Context, opts streamcapture.OpenOptions) (streamcapture.Source, error) {
	if strings.HasPrefix(opts.URI, "bad://") {
		return nil, streamcapture.NewStreamError(streamcapture.KindConnect, opts.SourceID, context.DeadlineExceeded)
	}
	return o.mem.Open(ctx, opts)
}

type fixture struct {
	m      *Manager
	opener *memsource.Opener
	pub    *events.MemoryPublisher
	sc     *config.SourcesConfig
}

func testConfig(descs ...models.SourceDescriptor) *config.SourcesConfig {
	sc := config.DefaultSourcesConfig(nil)
	sc.Stream = config.StreamDefaults{
		ConnectTimeout: models.Duration(time.Second),
		ReadTimeout:    models.Duration(60 * time.Millisecond),
		BackoffMin:     models.Duration(20 * time.Millisecond),
		BackoffMax:     models.Duration(100 * time.Millisecond),
	}
	sc.Sources = descs
	return sc
}

func src(id string) models.SourceDescriptor {
	return models.SourceDescriptor{ID: id, Name: id, URI: "mem://" + id, Enabled: true}
}

func newFixture(t *testing.T, sc *config.SourcesConfig, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, sc, staticDetector{}, opts...)
}

func newFixtureWith(t *testing.T, sc *config.SourcesConfig, det detection.Detector, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		opener: &memsource.Opener{Interval: 5 * time.Millisecond},
		pub:    events.NewMemoryPublisher(),
		sc:     sc,
	}
	m, err := NewManager(sc, Deps{
		Opener:   routingOpener{mem: f.opener},
		Detector: det,
		NewEmitter: func(string, config.OSCSettings, zerolog.Logger, func(error)) (Emitter, error) {
			return &nopEmitter{}, nil
		},
		Metrics:          metrics.NewCollector(time.Second, zerolog.Nop()),
		Publisher:        f.pub,
		Logger:           zerolog.Nop(),
		StopTimeout:      time.Second,
		ErrorHistorySize: 3,
	}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.m = m
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) state(t *testing.T, id string) string {
	t.Helper()
	st, err := f.m.StatusOf(id)
	if err != nil {
		t.Fatalf("StatusOf(%s): %v", id, err)
	}
	return st.State
}

// stateSequence returns the states id moved through, in order.
func (f *fixture) stateSequence(id string) []string {
	var out []string
	for _, e := range f.pub.OfType(events.TypeState) {
		if e.SourceID == id {
			out = append(out, e.Fields["state"].(string))
		}
	}
	return out
}

func containsInOrder(seq []string, want ...string) bool {
	i := 0
	for _, s := range seq {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}
