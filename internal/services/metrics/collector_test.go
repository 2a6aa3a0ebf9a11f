package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConcurrentCountsAreNotLost(t *testing.T) {
	c := NewCollector(time.Second, zerolog.Nop())
	src := c.Source("metrics-concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				src.FrameIn()
				src.EmitError()
			}
		}()
	}
	wg.Wait()

	snap := c.Tick(time.Now())
	got := snap.Sources["metrics-concurrent"]
	if got.FrameCount != 4000 || got.EmitErrors != 4000 || got.ErrorCount != 4000 {
		t.Fatalf("snapshot = %+v", got)
	}
	if v := testutil.ToFloat64(framesTotal.WithLabelValues("metrics-concurrent", stageIn)); v != 4000 {
		t.Fatalf("frames_total{in} = %v; want 4000", v)
	}
}

func TestTickComputesFPS(t *testing.T) {
	c := NewCollector(time.Second, zerolog.Nop())
	src := c.Source("metrics-fps")
	start := time.Now()
	c.Tick(start)

	for i := 0; i < 30; i++ {
		src.FrameIn()
	}
	for i := 0; i < 15; i++ {
		src.FrameProcessed(20*time.Millisecond, 2)
	}
	snap := c.Tick(start.Add(2 * time.Second))
	got := snap.Sources["metrics-fps"]
	if got.FPSIn != 15 || got.FPSProcessed != 7.5 {
		t.Fatalf("fps = %v/%v; want 15/7.5", got.FPSIn, got.FPSProcessed)
	}
	if got.LatencyMS != 20 || got.ObjectsCount != 2 {
		t.Fatalf("latency/objects = %v/%d", got.LatencyMS, got.ObjectsCount)
	}
}

func TestStateDrivesUptimeAndAggregates(t *testing.T) {
	c := NewCollector(time.Second, zerolog.Nop())
	now := time.Now()
	a := c.Source("metrics-a")
	b := c.Source("metrics-b")

	a.SetState("running", now.Add(-10*time.Second))
	a.FrameProcessed(40*time.Millisecond, 3)
	b.SetState("error", now)
	b.StreamError()
	b.Reconnect()

	snap := c.Tick(now)
	if snap.System.TotalSources != 2 || snap.System.ActiveSources != 1 {
		t.Fatalf("system = %+v", snap.System)
	}
	if snap.System.TotalObjects != 3 || snap.System.TotalErrors != 1 || snap.System.AverageLatencyMS != 40 {
		t.Fatalf("system = %+v", snap.System)
	}
	if up := snap.Sources["metrics-a"].UptimeS; up < 9.9 || up > 10.1 {
		t.Fatalf("uptime = %v; want ~10", up)
	}
	if snap.Sources["metrics-b"].UptimeS != 0 || snap.Sources["metrics-b"].ReconnectCount != 1 {
		t.Fatalf("b = %+v", snap.Sources["metrics-b"])
	}

	a.SetState("stopped", now)
	snap2 := c.Tick(now.Add(time.Second))
	if snap2.Sources["metrics-a"].ObjectsCount != 0 || snap2.Sources["metrics-a"].UptimeS != 0 {
		t.Fatalf("stopped source = %+v", snap2.Sources["metrics-a"])
	}
	// The earlier snapshot is unchanged.
	if snap.Sources["metrics-a"].ObjectsCount != 3 {
		t.Fatalf("published snapshot mutated")
	}
}

func TestRemoveForgetsSource(t *testing.T) {
	c := NewCollector(time.Second, zerolog.Nop())
	c.Source("metrics-gone").FrameIn()
	c.Remove("metrics-gone")
	if _, ok := c.Tick(time.Now()).Sources["metrics-gone"]; ok {
		t.Fatalf("removed source still in snapshot")
	}
}

func TestRemoveIfKeepsReplacement(t *testing.T) {
	c := NewCollector(time.Second, zerolog.Nop())
	old := c.Source("metrics-readded")
	fresh := c.Reset("metrics-readded")
	if fresh == old {
		t.Fatalf("Reset returned the previous counters")
	}
	fresh.FrameIn()

	if c.RemoveIf(old) {
		t.Fatalf("RemoveIf removed a replaced entry")
	}
	snap := c.Tick(time.Now())
	if got, ok := snap.Sources["metrics-readded"]; !ok || got.FrameCount != 1 {
		t.Fatalf("replacement lost: %+v", snap.Sources)
	}
	if !c.RemoveIf(fresh) {
		t.Fatalf("RemoveIf kept the current entry")
	}
	if _, ok := c.Tick(time.Now()).Sources["metrics-readded"]; ok {
		t.Fatalf("removed source still in snapshot")
	}
}

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	c := NewCollector(time.Second, zerolog.Nop())
	c.Source("metrics-reg").FrameDropped()
	if n := testutil.CollectAndCount(framesTotal, "rextrack_frames_total"); n == 0 {
		t.Fatalf("no frames_total series collected")
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}
