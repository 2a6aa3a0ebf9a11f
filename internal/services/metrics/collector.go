// Package metrics accumulates per-source and system counters and publishes
// periodic snapshots.
package metrics

import (
	"context"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	stageIn        = "in"
	stageProcessed = "processed"
	stageDropped   = "dropped"

	kindStream    = "stream"
	kindDetection = "detection"
	kindEmit      = "emit"
)

// SourceSnapshot is one source's view at snapshot time.
type SourceSnapshot struct {
	SourceID        string  `json:"source_id"`
	State           string  `json:"state"`
	FPSIn           float64 `json:"fps_in"`
	FPSProcessed    float64 `json:"fps_processed"`
	LatencyMS       float64 `json:"latency_ms"`
	ObjectsCount    int     `json:"objects_count"`
	FrameCount      uint64  `json:"frame_count"`
	ProcessedCount  uint64  `json:"processed_count"`
	DroppedCount    uint64  `json:"dropped_count"`
	DetectionErrors uint64  `json:"detection_errors"`
	EmitErrors      uint64  `json:"emit_errors"`
	ErrorCount      uint64  `json:"error_count"`
	ReconnectCount  uint64  `json:"reconnect_count"`
	UptimeS         float64 `json:"uptime_s"`
}

// SystemSnapshot aggregates every source plus host resource usage.
type SystemSnapshot struct {
	TotalSources     int     `json:"total_sources"`
	ActiveSources    int     `json:"active_sources"`
	TotalObjects     int     `json:"total_objects"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	TotalErrors      uint64  `json:"total_errors"`
	UptimeS          float64 `json:"uptime_s"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	ProcessRSSBytes  uint64  `json:"process_rss_bytes"`
}

// Snapshot is never modified after it is published.
type Snapshot struct {
	Timestamp time.Time                 `json:"timestamp"`
	Sources   map[string]SourceSnapshot `json:"sources"`
	System    SystemSnapshot            `json:"system"`
}

// SourceIDs returns the snapshot's source ids in order.
func (s *Snapshot) SourceIDs() []string {
	ids := make([]string, 0, len(s.Sources))
	for id := range s.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Source accumulates the counters of one source. All methods are safe for
// concurrent use.
type Source struct {
	id string

	framesIn        atomic.Uint64
	processed       atomic.Uint64
	dropped         atomic.Uint64
	detectionErrors atomic.Uint64
	emitErrors      atomic.Uint64
	streamErrors    atomic.Uint64
	reconnects      atomic.Uint64
	objects         atomic.Int64
	latency         atomic.Int64
	startedAt       atomic.Int64
	state           atomic.Value

	// Float64 bits, written by Tick.
	fpsIn, fpsProcessed atomic.Uint64

	// Guarded by Collector.mu.
	lastIn, lastProcessed uint64
}

func (s *Source) FrameIn() {
	s.framesIn.Add(1)
	framesTotal.WithLabelValues(s.id, stageIn).Inc()
}

// FrameDropped counts a frame skipped by the frame-skip period.
func (s *Source) FrameDropped() {
	s.dropped.Add(1)
	framesTotal.WithLabelValues(s.id, stageDropped).Inc()
}

// FrameProcessed records one completed cycle.
func (s *Source) FrameProcessed(latency time.Duration, objects int) {
	s.processed.Add(1)
	s.latency.Store(int64(latency))
	s.objects.Store(int64(objects))
	framesTotal.WithLabelValues(s.id, stageProcessed).Inc()
	objectsGauge.WithLabelValues(s.id).Set(float64(objects))
	observeLatency(s.id, latency)
}

func (s *Source) DetectionError() {
	s.detectionErrors.Add(1)
	errorsTotal.WithLabelValues(s.id, kindDetection).Inc()
}

func (s *Source) EmitError() {
	s.emitErrors.Add(1)
	errorsTotal.WithLabelValues(s.id, kindEmit).Inc()
}

// StreamError counts a connect or stream failure.
func (s *Source) StreamError() {
	s.streamErrors.Add(1)
	errorsTotal.WithLabelValues(s.id, kindStream).Inc()
}

func (s *Source) Reconnect() {
	s.reconnects.Add(1)
	reconnectsTotal.WithLabelValues(s.id).Inc()
}

// SetState records the worker state name. Uptime runs while the state is
// "running".
func (s *Source) SetState(state string, now time.Time) {
	s.state.Store(state)
	if state == "running" {
		s.startedAt.CompareAndSwap(0, now.UnixNano())
		sourceUp.WithLabelValues(s.id).Set(1)
		return
	}
	s.startedAt.Store(0)
	sourceUp.WithLabelValues(s.id).Set(0)
	if state == "stopped" {
		s.objects.Store(0)
		objectsGauge.WithLabelValues(s.id).Set(0)
	}
}

// Snapshot reads the source's counters. Frame rates are those of the last
// Tick.
func (s *Source) Snapshot(now time.Time) SourceSnapshot {
	state, _ := s.state.Load().(string)
	snap := SourceSnapshot{
		SourceID:        s.id,
		State:           state,
		FPSIn:           math.Float64frombits(s.fpsIn.Load()),
		FPSProcessed:    math.Float64frombits(s.fpsProcessed.Load()),
		LatencyMS:       float64(s.latency.Load()) / float64(time.Millisecond),
		ObjectsCount:    int(s.objects.Load()),
		FrameCount:      s.framesIn.Load(),
		ProcessedCount:  s.processed.Load(),
		DroppedCount:    s.dropped.Load(),
		DetectionErrors: s.detectionErrors.Load(),
		EmitErrors:      s.emitErrors.Load(),
		ReconnectCount:  s.reconnects.Load(),
	}
	snap.ErrorCount = snap.DetectionErrors + snap.EmitErrors + s.streamErrors.Load()
	if started := s.startedAt.Load(); started != 0 {
		snap.UptimeS = now.Sub(time.Unix(0, started)).Seconds()
	}
	return snap
}

// Collector owns the per-source counters and the snapshot ticker.
type Collector struct {
	interval  time.Duration
	startedAt time.Time
	logger    zerolog.Logger

	mu       sync.Mutex
	sources  map[string]*Source
	lastTick time.Time

	latest atomic.Pointer[Snapshot]
	proc   *process.Process
}

func NewCollector(interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	c := &Collector{
		interval:  interval,
		startedAt: time.Now(),
		logger:    logger,
		sources:   make(map[string]*Source),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	return c
}

// Source returns the counters of id, creating them on first use.
func (c *Collector) Source(id string) *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	if !ok {
		s = &Source{id: id}
		s.state.Store("stopped")
		c.sources[id] = s
	}
	return s
}

// Reset registers fresh counters for id, replacing any previous entry.
func (c *Collector) Reset(id string) *Source {
	s := &Source{id: id}
	s.state.Store("stopped")
	c.mu.Lock()
	c.sources[id] = s
	c.mu.Unlock()
	return s
}

// Remove drops a source and its exported series.
func (c *Collector) Remove(id string) {
	c.mu.Lock()
	delete(c.sources, id)
	c.mu.Unlock()
	forget(id)
}

// RemoveIf drops s only while it is still the registered entry for its id.
// It reports whether s was removed.
func (c *Collector) RemoveIf(s *Source) bool {
	c.mu.Lock()
	cur, ok := c.sources[s.id]
	if !ok || cur != s {
		c.mu.Unlock()
		return false
	}
	delete(c.sources, s.id)
	c.mu.Unlock()
	forget(s.id)
	return true
}

// Run recomputes the snapshot every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Panic in metrics collector")
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}

// Tick updates frame rates from counter deltas since the previous tick,
// samples the host and publishes a new snapshot.
func (c *Collector) Tick(now time.Time) *Snapshot {
	c.mu.Lock()
	elapsed := now.Sub(c.lastTick).Seconds()
	first := c.lastTick.IsZero()
	c.lastTick = now
	for id, s := range c.sources {
		in, processed := s.framesIn.Load(), s.processed.Load()
		if !first && elapsed > 0 {
			fpsIn := float64(in-s.lastIn) / elapsed
			fpsProcessed := float64(processed-s.lastProcessed) / elapsed
			s.fpsIn.Store(math.Float64bits(fpsIn))
			s.fpsProcessed.Store(math.Float64bits(fpsProcessed))
			fpsGauge.WithLabelValues(id, stageIn).Set(fpsIn)
			fpsGauge.WithLabelValues(id, stageProcessed).Set(fpsProcessed)
		}
		s.lastIn, s.lastProcessed = in, processed
	}
	snap := c.build(now)
	c.mu.Unlock()

	c.sampleHost(&snap.System)
	c.latest.Store(snap)
	return snap
}

// Snapshot returns the most recent published snapshot, building one if the
// ticker has not run yet.
func (c *Collector) Snapshot() *Snapshot {
	if s := c.latest.Load(); s != nil {
		return s
	}
	return c.Tick(time.Now())
}

func (c *Collector) build(now time.Time) *Snapshot {
	snap := &Snapshot{
		Timestamp: now,
		Sources:   make(map[string]SourceSnapshot, len(c.sources)),
		System: SystemSnapshot{
			TotalSources: len(c.sources),
			UptimeS:      now.Sub(c.startedAt).Seconds(),
		},
	}
	var latencySum float64
	var latencyN int
	for id, s := range c.sources {
		ss := s.Snapshot(now)
		snap.Sources[id] = ss
		if ss.State == "running" {
			snap.System.ActiveSources++
			if ss.ProcessedCount > 0 {
				latencySum += ss.LatencyMS
				latencyN++
			}
		}
		snap.System.TotalObjects += ss.ObjectsCount
		snap.System.TotalErrors += ss.ErrorCount
	}
	if latencyN > 0 {
		snap.System.AverageLatencyMS = latencySum / float64(latencyN)
	}
	return snap
}

func (c *Collector) sampleHost(sys *SystemSnapshot) {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sys.CPUPercent = pct[0]
		cpuPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sys.MemoryPercent = vm.UsedPercent
		memoryPercent.Set(vm.UsedPercent)
	}
	if c.proc != nil {
		if info, err := c.proc.MemoryInfo(); err == nil {
			sys.ProcessRSSBytes = info.RSS
			processRSS.Set(float64(info.RSS))
		}
	}
}
