package streamcapture

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := &Backoff{Min: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("delay %d = %s; want %s", i, got, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Fatalf("Attempt = %d; want %d", b.Attempt(), len(want))
	}
}

func TestBackoffNonDecreasingWithJitter(t *testing.T) {
	b := &Backoff{Min: 10 * time.Millisecond, Max: 500 * time.Millisecond, JitterPct: 50}
	var prev time.Duration
	for i := 0; i < 200; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("delay %d decreased: %s < %s", i, d, prev)
		}
		if d > b.Max {
			t.Fatalf("delay %d = %s exceeds cap %s", i, d, b.Max)
		}
		prev = d
	}
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := &Backoff{Min: 50 * time.Millisecond, Max: time.Second}
	b.Next()
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 50*time.Millisecond {
		t.Fatalf("after reset delay = %s; want 50ms", got)
	}
}

func TestBackoffLargeAttemptDoesNotOverflow(t *testing.T) {
	b := &Backoff{Min: time.Second, Max: time.Minute}
	for i := 0; i < 100; i++ {
		if d := b.Next(); d <= 0 || d > time.Minute {
			t.Fatalf("delay %d = %s out of range", i, d)
		}
	}
}

func TestStreamErrorKinds(t *testing.T) {
	base := errors.New("read stalled")
	err := fmt.Errorf("cycle: %w", NewStreamError(KindTimeout, "cam1", base))

	if !IsStreamError(err) {
		t.Fatalf("IsStreamError = false")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindTimeout {
		t.Fatalf("KindOf = %v, %v; want timeout", kind, ok)
	}
	if !errors.Is(err, base) {
		t.Fatalf("StreamError must unwrap to its cause")
	}
	if _, ok := KindOf(base); ok {
		t.Fatalf("plain error reported as stream error")
	}
	if got := KindDecode.String(); got != "decode_error" {
		t.Fatalf("KindDecode = %q", got)
	}
}
