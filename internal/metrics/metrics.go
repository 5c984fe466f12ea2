// Package metrics exposes Prometheus collectors for the presentation runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	navigationTransitions *prometheus.CounterVec
	executionsStarted     *prometheus.CounterVec
	executionsFinished    *prometheus.CounterVec
	executionDuration     *prometheus.HistogramVec
	recordedBytes         prometheus.Counter
	retainedRuns          prometheus.Gauge
	retainedBytes         prometheus.Gauge
	connectedClients      *prometheus.GaugeVec
	broadcastEvents       *prometheus.CounterVec
	slowClients           prometheus.Counter
	deckReloads           prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		navigationTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livedeck_navigation_transitions_total",
				Help: "Navigation transitions that changed the current position.",
			},
			[]string{"command"},
		),
		executionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livedeck_executions_started_total",
				Help: "Code block executions started.",
			},
			[]string{"language"},
		),
		executionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livedeck_executions_finished_total",
				Help: "Code block executions that reached a terminal status.",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livedeck_execution_duration_seconds",
				Help:    "Wall time of code block executions.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"status"},
		),
		recordedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedeck_recording_bytes_total",
			Help: "Bytes of terminal output captured.",
		}),
		retainedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livedeck_recording_retained_runs",
			Help: "Recordings currently retained in memory.",
		}),
		retainedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livedeck_recording_retained_bytes",
			Help: "Bytes of recordings currently retained in memory.",
		}),
		connectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livedeck_sync_clients",
				Help: "Connected views by role.",
			},
			[]string{"role"},
		),
		broadcastEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livedeck_sync_events_total",
				Help: "Sequenced events broadcast to views.",
			},
			[]string{"type"},
		),
		slowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedeck_sync_slow_clients_total",
			Help: "Views disconnected because their queue overflowed.",
		}),
		deckReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livedeck_deck_reloads_total",
			Help: "Deck replacements.",
		}),
	}
	m.registry.MustRegister(
		m.navigationTransitions,
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.recordedBytes,
		m.retainedRuns,
		m.retainedBytes,
		m.connectedClients,
		m.broadcastEvents,
		m.slowClients,
		m.deckReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) NavigationTransition(command string) {
	if m == nil {
		return
	}
	m.navigationTransitions.WithLabelValues(command).Inc()
}

func (m *Metrics) ExecutionStarted(language string) {
	if m == nil {
		return
	}
	m.executionsStarted.WithLabelValues(language).Inc()
}

func (m *Metrics) ExecutionFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) RecordedBytes(n int) {
	if m == nil {
		return
	}
	m.recordedBytes.Add(float64(n))
}

func (m *Metrics) Retained(runs int, bytes int64) {
	if m == nil {
		return
	}
	m.retainedRuns.Set(float64(runs))
	m.retainedBytes.Set(float64(bytes))
}

func (m *Metrics) ClientConnected(role string) {
	if m == nil {
		return
	}
	m.connectedClients.WithLabelValues(role).Inc()
}

func (m *Metrics) ClientDisconnected(role string) {
	if m == nil {
		return
	}
	m.connectedClients.WithLabelValues(role).Dec()
}

func (m *Metrics) EventBroadcast(eventType string) {
	if m == nil {
		return
	}
	m.broadcastEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SlowClient() {
	if m == nil {
		return
	}
	m.slowClients.Inc()
}

func (m *Metrics) DeckReloaded() {
	if m == nil {
		return
	}
	m.deckReloads.Inc()
}
