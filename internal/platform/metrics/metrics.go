package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the splice injector.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	activeSessions         prometheus.Gauge
	markersWrittenTotal    *prometheus.CounterVec
	markerWriteFailures    *prometheus.CounterVec
	engineRestartsTotal    *prometheus.CounterVec
	engineState            *prometheus.GaugeVec
	streamBitrate          *prometheus.GaugeVec
	streamPackets          *prometheus.GaugeVec
	streamContinuityErrors *prometheus.GaugeVec
	markersInjected        *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics for the injector.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splice_http_requests_total",
			Help: "Total number of control API requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splice_http_errors_total",
			Help: "Total number of control API responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splice_active_sessions",
			Help: "Number of sessions that are not stopped",
		}),
		markersWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splice_markers_written_total",
			Help: "Marker files handed to the engine's watched directory",
		}, []string{"profile", "cue"}),
		markerWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splice_marker_write_failures_total",
			Help: "Marker files that could not be written",
		}, []string{"profile"}),
		engineRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splice_engine_restarts_total",
			Help: "Engine process restarts by exit classification",
		}, []string{"profile", "reason"}),
		engineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splice_engine_state",
			Help: "Supervisor state (0 idle, 1 starting, 2 running, 3 reconnecting, 4 stopped)",
		}, []string{"profile"}),
		streamBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splice_stream_bitrate_bps",
			Help: "Last bitrate reported by the engine",
		}, []string{"profile"}),
		streamPackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splice_stream_packets",
			Help: "Cumulative transport packets processed in the session",
		}, []string{"profile"}),
		streamContinuityErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splice_stream_continuity_errors",
			Help: "Cumulative continuity errors reported in the session",
		}, []string{"profile"}),
		markersInjected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "splice_markers_injected",
			Help: "Reconciled count of markers injected in the session",
		}, []string{"profile"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.markersWrittenTotal,
		m.markerWriteFailures,
		m.engineRestartsTotal,
		m.engineState,
		m.streamBitrate,
		m.streamPackets,
		m.streamContinuityErrors,
		m.markersInjected,
	)

	return m
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// IncMarkersWritten records one marker file written for profile.
func (m *Metrics) IncMarkersWritten(profile, cue string) {
	if m == nil {
		return
	}
	m.markersWrittenTotal.WithLabelValues(profile, cue).Inc()
}

// IncMarkerWriteFailures records a failed marker write for profile.
func (m *Metrics) IncMarkerWriteFailures(profile string) {
	if m == nil {
		return
	}
	m.markerWriteFailures.WithLabelValues(profile).Inc()
}

// IncEngineRestarts records an engine restart with the exit classification.
func (m *Metrics) IncEngineRestarts(profile, reason string) {
	if m == nil {
		return
	}
	m.engineRestartsTotal.WithLabelValues(profile, reason).Inc()
}

// SetEngineState publishes the numeric supervisor state for profile.
func (m *Metrics) SetEngineState(profile string, state int) {
	if m == nil {
		return
	}
	m.engineState.WithLabelValues(profile).Set(float64(state))
}

// SetStreamStats publishes the session telemetry gauges for profile.
func (m *Metrics) SetStreamStats(profile string, bitrate, packets, continuityErrors, markersInjected int64) {
	if m == nil {
		return
	}
	m.streamBitrate.WithLabelValues(profile).Set(float64(bitrate))
	m.streamPackets.WithLabelValues(profile).Set(float64(packets))
	m.streamContinuityErrors.WithLabelValues(profile).Set(float64(continuityErrors))
	m.markersInjected.WithLabelValues(profile).Set(float64(markersInjected))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
