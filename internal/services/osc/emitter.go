package osc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/models"
)

var (
	ErrQueueFull = errors.New("emit queue full")
	ErrClosed    = errors.New("emitter closed")
)

// EmitError marks a cycle whose slots were not handed to the network.
type EmitError struct {
	SourceID string
	Err      error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit failed for %s: %v", e.SourceID, e.Err)
}

func (e *EmitError) Unwrap() error { return e.Err }

// Stats are cumulative emitter counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
	Dropped    uint64 `json:"dropped"`
}

// Emitter writes encoded batches on a background goroutine so Emit never
// waits on the socket. A full queue drops the batch.
type Emitter struct {
	sourceID string
	conn     net.Conn
	logger   zerolog.Logger
	onError  func(error)

	mu     sync.RWMutex
	closed bool
	queue  chan [][]byte
	done   chan struct{}

	// Indices emitted by the previous Emit, for clear_freed.
	lastEmitted map[int]bool

	sent       atomic.Uint64
	sendErrors atomic.Uint64
	dropped    atomic.Uint64
}

// Dial opens the UDP socket. onError is called from the sender goroutine
// for every failed write and may be nil.
func Dial(sourceID string, s config.OSCSettings, logger zerolog.Logger, onError func(error)) (*Emitter, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial osc %s: %w", addr, err)
	}

	size := s.QueueSize
	if size < 1 {
		size = 64
	}
	e := &Emitter{
		sourceID:    sourceID,
		conn:        conn,
		logger:      logger.With().Str("osc_addr", addr).Logger(),
		onError:     onError,
		queue:       make(chan [][]byte, size),
		done:        make(chan struct{}),
		lastEmitted: make(map[int]bool),
	}
	go e.sendLoop()
	return e, nil
}

// Emit formats slots and queues them for transmission.
func (e *Emitter) Emit(slots []models.TrackedSlot, s config.OSCSettings) error {
	msgs := Format(e.sourceID, slots, s)

	current := make(map[int]bool, len(slots))
	for _, slot := range slots {
		if slot.Age >= s.EmitMinAge {
			current[slot.Index] = true
		}
	}
	if s.ClearFreed {
		for idx := range e.lastEmitted {
			if !current[idx] {
				msgs = append(msgs, ClearMessage(e.sourceID, idx, s))
			}
		}
	}
	if len(msgs) == 0 {
		e.lastEmitted = current
		return nil
	}

	batch := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := m.MarshalBinary()
		if err != nil {
			return &EmitError{SourceID: e.sourceID, Err: fmt.Errorf("encode %s: %w", m.Address, err)}
		}
		batch = append(batch, b)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return &EmitError{SourceID: e.sourceID, Err: ErrClosed}
	}
	// lastEmitted only advances once the batch is queued, so clears lost
	// to a full queue are sent again next time.
	select {
	case e.queue <- batch:
		e.lastEmitted = current
		return nil
	default:
		e.dropped.Add(uint64(len(batch)))
		return &EmitError{SourceID: e.sourceID, Err: ErrQueueFull}
	}
}

func (e *Emitter) sendLoop() {
	defer close(e.done)
	for batch := range e.queue {
		for _, pkt := range batch {
			if _, err := e.conn.Write(pkt); err != nil {
				// Fire-and-forget: count and move on, never retry.
				if n := e.sendErrors.Add(1); n == 1 || n%100 == 0 {
					e.logger.Warn().Err(err).Uint64("send_errors", n).Msg("OSC send failed")
				}
				if e.onError != nil {
					e.onError(err)
				}
				continue
			}
			e.sent.Add(1)
		}
	}
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Sent:       e.sent.Load(),
		SendErrors: e.sendErrors.Load(),
		Dropped:    e.dropped.Load(),
	}
}

// Close flushes queued batches and releases the socket.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
	return e.conn.Close()
}
