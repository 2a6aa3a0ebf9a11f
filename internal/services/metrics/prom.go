package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rextrack_frames_total",
			Help: "Frames per source and pipeline stage",
		},
		[]string{"source", "stage"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rextrack_errors_total",
			Help: "Errors per source and kind",
		},
		[]string{"source", "kind"},
	)

	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rextrack_reconnects_total",
			Help: "Reconnect attempts per source",
		},
		[]string{"source"},
	)

	objectsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rextrack_objects",
			Help: "Occupied tracking slots per source",
		},
		[]string{"source"},
	)

	fpsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rextrack_fps",
			Help: "Frames per second per source and stage, averaged over the metrics interval",
		},
		[]string{"source", "stage"},
	)

	cycleLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rextrack_cycle_latency_seconds",
			Help:    "Capture to emit latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"source"},
	)

	sourceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rextrack_source_running",
			Help: "1 while the source worker is running",
		},
		[]string{"source"},
	)

	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rextrack_cpu_percent",
		Help: "Host CPU utilisation",
	})

	memoryPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rextrack_memory_percent",
		Help: "Host memory utilisation",
	})

	processRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rextrack_process_rss_bytes",
		Help: "Resident set size of the worker process",
	})
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(framesTotal, errorsTotal, reconnectsTotal, objectsGauge, fpsGauge,
		cycleLatency, sourceUp, cpuPercent, memoryPercent, processRSS)
}

func forget(source string) {
	for _, stage := range []string{stageIn, stageProcessed, stageDropped} {
		framesTotal.DeleteLabelValues(source, stage)
	}
	for _, kind := range []string{kindStream, kindDetection, kindEmit} {
		errorsTotal.DeleteLabelValues(source, kind)
	}
	fpsGauge.DeleteLabelValues(source, stageIn)
	fpsGauge.DeleteLabelValues(source, stageProcessed)
	reconnectsTotal.DeleteLabelValues(source)
	objectsGauge.DeleteLabelValues(source)
	cycleLatency.DeleteLabelValues(source)
	sourceUp.DeleteLabelValues(source)
}

func observeLatency(source string, d time.Duration) {
	cycleLatency.WithLabelValues(source).Observe(d.Seconds())
}
