// Package metrics exposes Prometheus metrics for the relay gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is
// valid; every method is a no-op on it so call sites never nil-check.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	interruptsTotal prometheus.Counter
	protocolErrors  prometheus.Counter
	configResolves  *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicerelay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live relay sessions",
	})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total relay sessions by end result",
	}, []string{"result"})
	turnsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Total conversation turns by result",
	}, []string{"result"})
	turnDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_duration_seconds",
		Help:      "Completion backend turn duration in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	interruptsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interrupts_total",
		Help:      "Total caller barge-ins that canceled a generation",
	})
	protocolErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Total malformed inbound frames discarded",
	})
	configResolves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_resolutions_total",
		Help:      "Tenant config resolutions by result",
	}, []string{"result"})

	registry.MustRegister(sessionsActive, sessionsTotal, turnsTotal, turnDuration, interruptsTotal, protocolErrors, configResolves)

	return &Metrics{
		registry:        registry,
		sessionsActive:  sessionsActive,
		sessionsTotal:   sessionsTotal,
		turnsTotal:      turnsTotal,
		turnDuration:    turnDuration,
		interruptsTotal: interruptsTotal,
		protocolErrors:  protocolErrors,
		configResolves:  configResolves,
	}
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionEnded decrements the gauge and counts the end result.
func (m *Metrics) SessionEnded(result string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(result).Inc()
}

// TurnObserved counts a completed turn and its backend latency.
func (m *Metrics) TurnObserved(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(result).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// InterruptObserved counts a caller barge-in that canceled generation.
func (m *Metrics) InterruptObserved() {
	if m == nil {
		return
	}
	m.interruptsTotal.Inc()
}

// ProtocolErrorObserved counts a discarded malformed frame.
func (m *Metrics) ProtocolErrorObserved() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// ConfigResolutionObserved counts a tenant config resolution.
func (m *Metrics) ConfigResolutionObserved(result string) {
	if m == nil {
		return
	}
	m.configResolves.WithLabelValues(result).Inc()
}
