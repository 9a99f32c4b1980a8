package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the proctoring service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsStarted   prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	Violations        *prometheus.CounterVec
	MediaAcquisitions *prometheus.CounterVec
	SinkEvents        *prometheus.CounterVec
	SinkWriteDuration prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
	StreamConnections prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "proctor",
				Name:      "sessions_started_total",
				Help:      "Total number of proctored sessions started.",
			},
		),

		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proctor",
				Name:      "sessions_closed_total",
				Help:      "Total number of sessions closed by final status.",
			},
			[]string{"status"},
		),

		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "proctor",
				Name:      "session_duration_seconds",
				Help:      "Length of closed sessions in seconds.",
				Buckets:   []float64{60, 300, 600, 1200, 1800, 3600, 5400, 7200, 10800},
			},
			[]string{"status"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "proctor",
				Name:      "active_sessions",
				Help:      "Number of sessions currently active.",
			},
		),

		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proctor",
				Name:      "violations_total",
				Help:      "Total violations recorded by type and severity.",
			},
			[]string{"type", "severity"},
		),

		MediaAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proctor",
				Name:      "media_acquisitions_total",
				Help:      "Media acquisition attempts by kind and result.",
			},
			[]string{"kind", "result"},
		),

		SinkEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proctor",
				Name:      "sink_events_total",
				Help:      "Events handed to the durable store by result.",
			},
			[]string{"result"},
		),

		SinkWriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "proctor",
				Name:      "sink_write_duration_seconds",
				Help:      "Duration of durable store writes, including retries.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "proctor",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		StreamConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "proctor",
				Name:      "stream_connections",
				Help:      "Number of open student exam stream connections.",
			},
		),
	}

	reg.MustRegister(
		m.SessionsStarted,
		m.SessionsClosed,
		m.SessionDuration,
		m.ActiveSessions,
		m.Violations,
		m.MediaAcquisitions,
		m.SinkEvents,
		m.SinkWriteDuration,
		m.RequestsInFlight,
		m.StreamConnections,
	)

	return m
}

// RecordSessionStart counts a new active session.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionClose records a session leaving the active state.
func (m *Metrics) RecordSessionClose(status string, durationSec float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(status).Inc()
	m.SessionDuration.WithLabelValues(status).Observe(durationSec)
	m.ActiveSessions.Dec()
}

func (m *Metrics) RecordViolation(violationType, severity string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(violationType, severity).Inc()
}

// RecordMedia records an acquisition outcome: acquired, denied, unavailable or ended.
func (m *Metrics) RecordMedia(kind, result string) {
	if m == nil {
		return
	}
	m.MediaAcquisitions.WithLabelValues(kind, result).Inc()
}

// RecordSinkEvent records a store outcome: written, dropped or failed.
func (m *Metrics) RecordSinkEvent(result string) {
	if m == nil {
		return
	}
	m.SinkEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSinkWrite(seconds float64) {
	if m == nil {
		return
	}
	m.SinkWriteDuration.Observe(seconds)
}
