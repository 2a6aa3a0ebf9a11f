// Package memsource provides in-memory frame sources for exercising
// pipelines and workers without a camera.
package memsource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rextrack-worker-go/internal/models"
	"rextrack-worker-go/internal/services/streamcapture"
)

var errClosed = errors.New("source closed")

// Source serves frames handed to Push, in order.
type Source struct {
	id          string
	readTimeout time.Duration

	frames chan models.Frame
	fail   chan error
	stall  chan struct{}

	closeOnce sync.Once
	stallOnce sync.Once
	closed    chan struct{}
	seq       atomic.Uint64
}

func New(id string, readTimeout time.Duration) *Source {
	return &Source{
		id:          id,
		readTimeout: readTimeout,
		frames:      make(chan models.Frame, 64),
		fail:        make(chan error, 1),
		stall:       make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// Push queues a frame. It blocks while the queue is full.
func (s *Source) Push(f models.Frame) {
	select {
	case s.frames <- f:
	case <-s.closed:
	}
}

// PushNext queues a frame with the next sequence number and the given
// capture time.
func (s *Source) PushNext(ts time.Time) {
	s.Push(models.Frame{SourceID: s.id, Seq: s.seq.Add(1), Timestamp: ts, Width: 640, Height: 480, Format: models.FrameFormatJPEG})
}

// Fail makes the next Next return err.
func (s *Source) Fail(err error) {
	select {
	case s.fail <- err:
	default:
	}
}

// Stall stops any generator feeding this source; Next then times out.
func (s *Source) Stall() {
	s.stallOnce.Do(func() { close(s.stall) })
}

func (s *Source) Next(ctx context.Context) (models.Frame, error) {
	var timeout <-chan time.Time
	if s.readTimeout > 0 {
		t := time.NewTimer(s.readTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case err := <-s.fail:
		return models.Frame{}, err
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.fail:
		return models.Frame{}, err
	case <-s.closed:
		return models.Frame{}, streamcapture.NewStreamError(streamcapture.KindDisconnected, s.id, errClosed)
	case <-ctx.Done():
		return models.Frame{}, ctx.Err()
	case <-timeout:
		return models.Frame{}, streamcapture.NewStreamError(streamcapture.KindTimeout, s.id, nil)
	}
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Source) generate(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-s.stall:
			return
		case now := <-ticker.C:
			select {
			case s.frames <- models.Frame{SourceID: s.id, Seq: s.seq.Add(1), Timestamp: now, Width: 640, Height: 480, Format: models.FrameFormatJPEG}:
			default:
			}
		}
	}
}

// Opener hands out Sources. With Interval set every opened source is fed a
// frame per tick until it is closed or stalled.
type Opener struct {
	Interval time.Duration

	mu        sync.Mutex
	sources   []*Source
	failOpens int
	opens     int
}

// FailOpens makes the next n Open calls fail with a connect error.
func (o *Opener) FailOpens(n int) {
	o.mu.Lock()
	o.failOpens = n
	o.mu.Unlock()
}

func (o *Opener) Open(ctx context.Context, opts streamcapture.OpenOptions) (streamcapture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failOpens > 0 {
		o.failOpens--
		return nil, streamcapture.NewStreamError(streamcapture.KindConnect, opts.SourceID, errors.New("connection refused"))
	}
	src := New(opts.SourceID, opts.ReadTimeout)
	o.sources = append(o.sources, src)
	if o.Interval > 0 {
		go src.generate(o.Interval)
	}
	return src, nil
}

// Opens counts every Open call, failed ones included.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Last returns the most recently opened source, or nil.
func (o *Opener) Last() *Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sources) == 0 {
		return nil
	}
	return o.sources[len(o.sources)-1]
}

// Sources returns every source opened so far.
func (o *Opener) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}
