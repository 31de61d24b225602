package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server owns its
// own registry so several servers can run in one process (tests).
// All Record methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections  prometheus.Gauge
	authenticatedUsers prometheus.Gauge
	commandsTotal      *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	broadcastsTotal    *prometheus.CounterVec
	activeCalls        prometheus.Gauge
	relayPortsInUse    prometheus.Gauge
	binaryBytesTotal   prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_connections",
			Help: "Number of open client connections",
		}),
		authenticatedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_authenticated_users",
			Help: "Number of users with a registered connection",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_commands_total",
			Help: "Commands received by verb",
		}, []string{"verb"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_errors_total",
			Help: "Error replies by wire code",
		}, []string{"code"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_broadcast_targets_total",
			Help: "Broadcast targets by result (delivered, skipped, failed)",
		}, []string{"result"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_calls",
			Help: "Number of call sessions that have not ended",
		}),
		relayPortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_relay_ports_in_use",
			Help: "Relay ports currently allocated",
		}),
		binaryBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_binary_bytes_received_total",
			Help: "Bytes received in binary segments",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeConnections,
		m.authenticatedUsers,
		m.commandsTotal,
		m.errorsTotal,
		m.broadcastsTotal,
		m.activeCalls,
		m.relayPortsInUse,
		m.binaryBytesTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordActiveConnections sets the open connection gauge
func (m *Metrics) RecordActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

// RecordAuthenticatedUsers sets the registered user gauge
func (m *Metrics) RecordAuthenticatedUsers(n int) {
	if m == nil {
		return
	}
	m.authenticatedUsers.Set(float64(n))
}

// RecordCommand counts one received command
func (m *Metrics) RecordCommand(verb string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(verb).Inc()
}

// RecordError counts one error reply
func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(code).Inc()
}

// RecordBroadcast counts the outcome of one fan-out
func (m *Metrics) RecordBroadcast(delivered, skipped, failed int) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues("delivered").Add(float64(delivered))
	m.broadcastsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.broadcastsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordCalls sets the call gauges
func (m *Metrics) RecordCalls(active, portsInUse int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(active))
	m.relayPortsInUse.Set(float64(portsInUse))
}

// RecordBinaryBytes counts received segment bytes
func (m *Metrics) RecordBinaryBytes(n int64) {
	if m == nil {
		return
	}
	m.binaryBytesTotal.Add(float64(n))
}
