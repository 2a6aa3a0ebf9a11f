package streamcapture

import (
	"math/rand/v2"
	"time"
)

// Backoff produces reconnect delays: Min, 2*Min, 4*Min ... capped at Max.
// Delays never decrease between resets, jitter included.
type Backoff struct {
	Min       time.Duration
	Max       time.Duration
	JitterPct int

	attempt int
	last    time.Duration
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	minDelay, maxDelay := b.Min, b.Max
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	delay := maxDelay
	if b.attempt < 62 {
		if d := minDelay << b.attempt; d > 0 && d < maxDelay {
			delay = d
		}
	}
	b.attempt++

	if b.JitterPct > 0 {
		delay += time.Duration(float64(delay) * float64(b.JitterPct) / 100.0 * rand.Float64())
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	if delay < b.last {
		delay = b.last
	}
	b.last = delay
	return delay
}

// Attempt is the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset returns the sequence to Min after a successful reconnect.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}
