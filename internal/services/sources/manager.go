// Package sources runs one worker per configured source and exposes the
// control operations over the whole set.
package sources

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/detection"
	"rextrack-worker-go/internal/services/events"
	"rextrack-worker-go/internal/services/metrics"
	"rextrack-worker-go/internal/services/osc"
	"rextrack-worker-go/internal/services/streamcapture"
)

var (
	ErrDuplicateID    = errors.New("source already exists")
	ErrNotFound       = errors.New("source not found")
	ErrInvalidSource  = errors.New("invalid source")
	ErrSourceDisabled = errors.New("source is disabled")
)

// Store persists descriptors changed at runtime.
type Store interface {
	Save(ctx context.Context, d models.SourceDescriptor) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.SourceDescriptor, error)
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Opener     streamcapture.Opener
	Detector   detection.Detector
	NewEmitter EmitterFactory
	Metrics    *metrics.Collector
	// Publisher also receives every event delivered to subscribers.
	Publisher events.Publisher
	Logger    zerolog.Logger

	StopTimeout      time.Duration
	ErrorHistorySize int
	JitterPct        int
}

// DialOSC is the default EmitterFactory.
func DialOSC(sourceID string, s config.OSCSettings, logger zerolog.Logger, onError func(error)) (Emitter, error) {
	return osc.Dial(sourceID, s, logger, onError)
}

// ReloadResult lists what a reload changed.
type ReloadResult struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Updated   []string `json:"updated"`
	Restarted []string `json:"restarted"`
	Stopped   []string `json:"stopped"`
}

// Manager owns the worker registry. Structural changes hold the write lock;
// snapshots hold the read lock. Worker state transitions never take it.
type Manager struct {
	mu      sync.RWMutex
	cfg     *config.SourcesConfig
	workers map[string]*Worker

	deps   Deps
	bus    *events.Bus
	store  Store
	logger zerolog.Logger
}

type Option func(*Manager)

// WithStore persists add, update and remove operations.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// NewManager registers every source of sc in the stopped state.
func NewManager(sc *config.SourcesConfig, deps Deps, opts ...Option) (*Manager, error) {
	if deps.Opener == nil {
		return nil, errNoOpener
	}
	if deps.Detector == nil {
		return nil, errors.New("no detector configured")
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if deps.NewEmitter == nil {
		deps.NewEmitter = DialOSC
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(time.Second, deps.Logger)
	}
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = 5 * time.Second
	}

	m := &Manager{
		cfg:     sc.Clone(),
		workers: make(map[string]*Worker, len(sc.Sources)),
		bus:     events.NewBus(),
		logger:  deps.Logger,
	}
	deps.Publisher = events.Fanout{m.bus, deps.Publisher}
	m.deps = deps
	m.cfg.Sources = nil

	for _, opt := range opts {
		opt(m)
	}
	for _, d := range sc.Sources {
		m.workers[d.ID] = newWorker(d.Clone(), config.Resolve(m.cfg, d), &m.deps)
	}
	return m, nil
}

// Restore adds the descriptors held by the store, replacing file entries
// with the same id. It runs before any worker is started.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load stored sources: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range stored {
		if err := d.Validate(); err != nil {
			m.logger.Warn().Err(err).Str("source_id", d.ID).Msg("Skipping invalid stored source")
			continue
		}
		s := config.Resolve(m.cfg, d)
		if w, ok := m.workers[d.ID]; ok {
			w.update(d.Clone(), s)
		} else {
			m.workers[d.ID] = newWorker(d.Clone(), s, &m.deps)
		}
		n++
	}
	return n, nil
}

// AddSource registers a new stopped worker.
func (m *Manager) AddSource(ctx context.Context, d models.SourceDescriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	m.mu.Lock()
	if _, ok := m.workers[d.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
	}
	m.workers[d.ID] = newWorker(d.Clone(), config.Resolve(m.cfg, d), &m.deps)
	m.mu.Unlock()

	m.logger.Info().Str("source_id", d.ID).Str("uri", d.URI).Msg("Source added")
	m.publishSource(d.ID, "added")
	m.persist(ctx, d)
	return nil
}

// RemoveSource stops the worker and discards it.
func (m *Manager) RemoveSource(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.workers, id)
	m.mu.Unlock()

	m.discard(w)
	m.logger.Info().Str("source_id", id).Msg("Source removed")
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("source_id", id).Msg("Failed to delete stored source")
		}
	}
	return nil
}

// UpdateSource replaces one descriptor, applying the change live or by
// restarting the worker when the stream or emitter destination changed.
func (m *Manager) UpdateSource(ctx context.Context, d models.SourceDescriptor) (restarted bool, err error) {
	if err := d.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	m.mu.Lock()
	w, ok := m.workers[d.ID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	prev := w.Settings()
	next := config.Resolve(m.cfg, d)
	w.update(d.Clone(), next)
	m.mu.Unlock()

	m.persist(ctx, d)
	m.publishSource(d.ID, "updated")
	return m.applyChange(w, prev, next)
}

func (m *Manager) Start(id string) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	if !w.Settings().Enabled {
		return fmt.Errorf("%w: %s", ErrSourceDisabled, id)
	}
	return w.Start()
}

func (m *Manager) Stop(id string) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	return w.Stop()
}

func (m *Manager) Restart(id string) error {
	w, err := m.worker(id)
	if err != nil {
		return err
	}
	if !w.Settings().Enabled {
		return fmt.Errorf("%w: %s", ErrSourceDisabled, id)
	}
	return w.Restart()
}

// StartAll starts every enabled source. The result holds one entry per
// source; a nil error means started (or already running).
func (m *Manager) StartAll() map[string]error {
	results := make(map[string]error)
	for _, w := range m.snapshotWorkers() {
		if !w.Settings().Enabled {
			results[w.id] = ErrSourceDisabled
			continue
		}
		results[w.id] = w.Start()
	}
	return results
}

// StopAll stops every source concurrently.
func (m *Manager) StopAll() map[string]error {
	workers := m.snapshotWorkers()
	results := make(map[string]error, len(workers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			err := w.Stop()
			mu.Lock()
			results[w.id] = err
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return results
}

// Reload diffs next against the registry. Removed sources are discarded,
// new ones are added stopped, changed ones are updated live or restarted.
// Observers of ListSources see either the old or the new set, never a mix.
func (m *Manager) Reload(ctx context.Context, next *config.SourcesConfig) (ReloadResult, error) {
	var res ReloadResult
	if err := next.Validate(); err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	type change struct {
		w          *Worker
		prev, next config.Settings
	}
	var removed []*Worker
	var changed []change

	m.mu.Lock()
	globals := next.Clone()
	globals.Sources = nil

	wanted := make(map[string]models.SourceDescriptor, len(next.Sources))
	for _, d := range next.Sources {
		wanted[d.ID] = d
	}
	for id, w := range m.workers {
		if _, ok := wanted[id]; !ok {
			delete(m.workers, id)
			removed = append(removed, w)
			res.Removed = append(res.Removed, id)
		}
	}
	for _, d := range next.Sources {
		s := config.Resolve(globals, d)
		w, ok := m.workers[d.ID]
		if !ok {
			m.workers[d.ID] = newWorker(d.Clone(), s, &m.deps)
			res.Added = append(res.Added, d.ID)
			continue
		}
		prev := w.Settings()
		if reflect.DeepEqual(prev, s) && reflect.DeepEqual(w.Descriptor(), d.Clone()) {
			continue
		}
		w.update(d.Clone(), s)
		changed = append(changed, change{w: w, prev: prev, next: s})
		res.Updated = append(res.Updated, d.ID)
	}
	m.cfg = globals
	m.mu.Unlock()

	for _, w := range removed {
		m.discard(w)
	}
	for _, c := range changed {
		restarted, err := m.applyChange(c.w, c.prev, c.next)
		switch {
		case err != nil:
			m.logger.Error().Err(err).Str("source_id", c.w.id).Msg("Failed to apply reloaded settings")
		case restarted:
			res.Restarted = append(res.Restarted, c.w.id)
		case !c.next.Enabled && c.prev.Enabled:
			res.Stopped = append(res.Stopped, c.w.id)
		}
	}
	for _, id := range res.Added {
		m.publishSource(id, "added")
	}
	m.persistReload(ctx, res, wanted)
	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Updated)
	sort.Strings(res.Restarted)
	sort.Strings(res.Stopped)

	m.logger.Info().
		Strs("added", res.Added).
		Strs("removed", res.Removed).
		Strs("updated", res.Updated).
		Strs("restarted", res.Restarted).
		Msg("Configuration reloaded")
	return res, nil
}

// applyChange stops a disabled source and restarts an active one whose new
// settings cannot be applied live.
func (m *Manager) applyChange(w *Worker, prev, next config.Settings) (bool, error) {
	state := w.State()
	if state == StateStopped {
		return false, nil
	}
	if !next.Enabled {
		return false, w.Stop()
	}
	if next.RequiresRestart(prev) {
		return true, w.Restart()
	}
	return false, nil
}

// ListSources returns copies of every descriptor ordered by id.
func (m *Manager) ListSources() []models.SourceDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SourceDescriptor, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) GetSource(id string) (models.SourceDescriptor, error) {
	w, err := m.worker(id)
	if err != nil {
		return models.SourceDescriptor{}, err
	}
	return w.Descriptor(), nil
}

// Config returns the current global settings and descriptors.
func (m *Manager) Config() *config.SourcesConfig {
	m.mu.RLock()
	sc := m.cfg.Clone()
	m.mu.RUnlock()
	sc.Sources = m.ListSources()
	return sc
}

// Status returns every worker's status ordered by id.
func (m *Manager) Status() []Status {
	workers := m.snapshotWorkers()
	out := make([]Status, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status())
	}
	return out
}

func (m *Manager) StatusOf(id string) (Status, error) {
	w, err := m.worker(id)
	if err != nil {
		return Status{}, err
	}
	return w.Status(), nil
}

// Slots returns the tracked slots of one source.
func (m *Manager) Slots(id string) ([]models.TrackedSlot, error) {
	w, err := m.worker(id)
	if err != nil {
		return nil, err
	}
	return w.Slots(), nil
}

// Metrics returns the latest metrics snapshot.
func (m *Manager) Metrics() *metrics.Snapshot {
	return m.deps.Metrics.Snapshot()
}

// Subscribe streams worker events. Slow subscribers miss events.
func (m *Manager) Subscribe(buffer int) (<-chan events.Event, func()) {
	return m.bus.Subscribe(buffer)
}

// IsHealthy is false once any source has been failing for longer than its
// backoff cap.
func (m *Manager) IsHealthy() bool {
	now := time.Now()
	for _, w := range m.snapshotWorkers() {
		limit := w.Settings().BackoffMax
		if d := w.failingFor(now); d > 0 && d > limit {
			return false
		}
	}
	return true
}

// Shutdown stops every worker and closes subscriptions. It returns
// ctx.Err() if the workers did not stop before ctx ended.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.StopAll()
		close(done)
	}()
	defer m.bus.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) worker(id string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

func (m *Manager) snapshotWorkers() []*Worker {
	m.mu.RLock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) discard(w *Worker) {
	if err := w.Stop(); err != nil {
		m.logger.Warn().Err(err).Str("source_id", w.id).Msg("Failed to stop removed source")
	}
	m.deps.Metrics.RemoveIf(w.metrics)
	m.publishSource(w.id, "removed")
}

func (m *Manager) persist(ctx context.Context, d models.SourceDescriptor) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, d); err != nil {
		m.logger.Warn().Err(err).Str("source_id", d.ID).Msg("Failed to persist source")
	}
}

// persistReload mirrors a reload into the store so Restore cannot bring back
// removed sources or stale descriptors.
func (m *Manager) persistReload(ctx context.Context, res ReloadResult, wanted map[string]models.SourceDescriptor) {
	if m.store == nil {
		return
	}
	for _, id := range res.Removed {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("source_id", id).Msg("Failed to delete stored source")
		}
	}
	for _, ids := range [][]string{res.Added, res.Updated} {
		for _, id := range ids {
			m.persist(ctx, wanted[id])
		}
	}
}

func (m *Manager) publishSource(id, action string) {
	m.deps.Publisher.Publish(events.Event{
		Type:     events.TypeSource,
		SourceID: id,
		Fields:   map[string]any{"action": action},
	})
}
