// Package metrics exposes Hearth's Prometheus instruments. Every
// method is safe to call on a nil *Metrics so components can run
// without a registry in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hearth"

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	streamConnected  prometheus.Gauge
	streamReconnects prometheus.Counter
	streamEvents     prometheus.Counter
	cachedEntities   prometheus.Gauge
	commands         *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	modelCalls       *prometheus.CounterVec
	actions          *prometheus.CounterVec
	fetches          *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry that
// also carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		streamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 when the Home Assistant event stream is streaming.",
		}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled by the stream client.",
		}),
		streamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state_changes_total",
			Help:      "state_changed events applied to the cache.",
		}),
		cachedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entities",
			Help:      "Entities in the most recent snapshot.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commands_total",
			Help:      "Commands processed, by template and outcome.",
		}, []string{"template", "success"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "command_duration_seconds",
			Help:      "End-to-end command processing latency.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "generate_total",
			Help:      "Model generate calls, by cache result and outcome.",
		}, []string{"cache", "success"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "executed_total",
			Help:      "Hub service calls, by service and outcome.",
		}, []string{"service", "success"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetchers",
			Name:      "fetch_total",
			Help:      "Context fetcher lookups, by key and result (hit, miss, error).",
		}, []string{"key", "result"}),
	}

	reg.MustRegister(
		m.streamConnected, m.streamReconnects, m.streamEvents, m.cachedEntities,
		m.commands, m.commandDuration, m.modelCalls, m.actions, m.fetches,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StreamConnected records whether the event stream is live.
func (m *Metrics) StreamConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.streamConnected.Set(1)
	} else {
		m.streamConnected.Set(0)
	}
}

// StreamReconnect counts one scheduled reconnect.
func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

// StreamEvent counts one applied state change.
func (m *Metrics) StreamEvent() {
	if m == nil {
		return
	}
	m.streamEvents.Inc()
}

// CachedEntities records the snapshot size.
func (m *Metrics) CachedEntities(n int) {
	if m == nil {
		return
	}
	m.cachedEntities.Set(float64(n))
}

// Command records one pipeline run.
func (m *Metrics) Command(template string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(template, strconv.FormatBool(success)).Inc()
	m.commandDuration.Observe(elapsed.Seconds())
}

// ModelCall records one generate call. cached is "hit" or "miss".
func (m *Metrics) ModelCall(cached string, success bool) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(cached, strconv.FormatBool(success)).Inc()
}

// Action records one hub service call.
func (m *Metrics) Action(service string, success bool) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(service, strconv.FormatBool(success)).Inc()
}

// Fetch records one fetcher lookup. result is "hit", "miss", or "error".
func (m *Metrics) Fetch(key, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(key, result).Inc()
}
