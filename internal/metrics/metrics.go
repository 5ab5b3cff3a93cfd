package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Counters are plain atomics updated
// on the hot path; Prometheus reads them through gauge closures.
type Metrics struct {
	// Capture
	FramesCaptured    atomic.Uint64
	FramesDropped     atomic.Uint64
	CaptureReconnects atomic.Uint64
	ReadErrors        atomic.Uint64
	CaptureFPSMilli   atomic.Uint64 // fps * 1000

	// Processing
	FramesProcessed atomic.Uint64
	DegradedTicks   atomic.Uint64
	DetectErrors    atomic.Uint64
	TrackErrors     atomic.Uint64
	ReIDErrors      atomic.Uint64
	TickLatencyMs   atomic.Uint64

	// Counting
	PeopleEntered atomic.Uint64
	PeopleExited  atomic.Uint64
	Occupancy     atomic.Int64

	// Event delivery
	EventsPublished atomic.Uint64
	EventsDropped   atomic.Uint64

	// Presentation
	StreamClients atomic.Int64

	// Recording
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its Prometheus collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"counter_frames_captured_total", "Total frames read from the capture source",
			func() float64 { return float64(m.FramesCaptured.Load()) }},
		{"counter_frames_dropped_total", "Total frames dropped under backpressure",
			func() float64 { return float64(m.FramesDropped.Load()) }},
		{"counter_capture_reconnects_total", "Total capture reconnect attempts",
			func() float64 { return float64(m.CaptureReconnects.Load()) }},
		{"counter_capture_read_errors_total", "Total capture read errors",
			func() float64 { return float64(m.ReadErrors.Load()) }},
		{"counter_capture_fps", "Measured capture frames per second",
			func() float64 { return float64(m.CaptureFPSMilli.Load()) / 1000 }},
		{"counter_frames_processed_total", "Total frames run through the processing tick",
			func() float64 { return float64(m.FramesProcessed.Load()) }},
		{"counter_degraded_ticks_total", "Ticks that degraded to zero detections",
			func() float64 { return float64(m.DegradedTicks.Load()) }},
		{"counter_detect_errors_total", "Total detector failures",
			func() float64 { return float64(m.DetectErrors.Load()) }},
		{"counter_track_errors_total", "Total tracker failures",
			func() float64 { return float64(m.TrackErrors.Load()) }},
		{"counter_reid_errors_total", "Total re-identification failures",
			func() float64 { return float64(m.ReIDErrors.Load()) }},
		{"counter_tick_latency_ms", "Latest processing tick latency in milliseconds",
			func() float64 { return float64(m.TickLatencyMs.Load()) }},
		{"counter_people_entered_total", "Total enter events counted",
			func() float64 { return float64(m.PeopleEntered.Load()) }},
		{"counter_people_exited_total", "Total exit events counted",
			func() float64 { return float64(m.PeopleExited.Load()) }},
		{"counter_occupancy", "Current occupancy (entered minus exited)",
			func() float64 { return float64(m.Occupancy.Load()) }},
		{"counter_events_published_total", "Total events delivered to sinks",
			func() float64 { return float64(m.EventsPublished.Load()) }},
		{"counter_events_dropped_total", "Total events dropped by slow sinks",
			func() float64 { return float64(m.EventsDropped.Load()) }},
		{"counter_stream_clients", "Connected MJPEG/SSE/WebRTC clients",
			func() float64 { return float64(m.StreamClients.Load()) }},
		{"counter_recording_active", "Recording active (0=inactive, 1=active)",
			func() float64 { return float64(m.RecordingActive.Load()) }},
		{"counter_recording_bytes", "Total bytes written to the current recording",
			func() float64 { return float64(m.RecordingBytes.Load()) }},
		{"counter_recording_frames", "Total frames written to the current recording",
			func() float64 { return float64(m.RecordingFrames.Load()) }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
}

// UpdateTickLatency records the latency of the last processing tick.
func (m *Metrics) UpdateTickLatency(d time.Duration) {
	m.TickLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetCaptureFPS records the measured capture rate.
func (m *Metrics) SetCaptureFPS(fps float64) {
	m.CaptureFPSMilli.Store(uint64(fps * 1000))
}

// CaptureFPS returns the measured capture rate.
func (m *Metrics) CaptureFPS() float64 {
	return float64(m.CaptureFPSMilli.Load()) / 1000
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
