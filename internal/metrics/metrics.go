// Package metrics holds the Prometheus collectors of the control plane.
//
// Every method is safe to call on a nil *Metrics so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duckap"

// DNS query results.
const (
	DNSAnswered = "answered"
	DNSServFail = "servfail"
	DNSDropped  = "dropped"
)

// Metrics is the set of control plane collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	DNSQueries        *prometheus.CounterVec
	UpdateAttempts    *prometheus.CounterVec
	UpdateBytes       prometheus.Counter
	BridgeCommands    prometheus.Counter
	BridgeConnections prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	EventListeners    prometheus.Gauge
	EventsDropped     prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		DNSQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dns",
			Name:      "queries_total",
			Help:      "Captive DNS queries by result",
		}, []string{"result"}),
		UpdateAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "attempts_total",
			Help:      "Firmware update attempts by outcome",
		}, []string{"outcome"}),
		UpdateBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "bytes_total",
			Help:      "Firmware bytes written to storage",
		}),
		BridgeCommands: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Command lines dispatched to the interpreter",
		}),
		BridgeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "connections",
			Help:      "Open command bridge connections",
		}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Broadcast events by label",
		}, []string{"label"}),
		EventListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "listeners",
			Help:      "Connected event stream listeners",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped for slow listeners",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DNSQuery(result string) {
	if m == nil {
		return
	}
	m.DNSQueries.WithLabelValues(result).Inc()
}

func (m *Metrics) UpdateFinished(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.UpdateAttempts.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.UpdateBytes.Add(float64(bytes))
	}
}

func (m *Metrics) CommandDispatched() {
	if m == nil {
		return
	}
	m.BridgeCommands.Inc()
}

func (m *Metrics) BridgeConnected(delta int) {
	if m == nil {
		return
	}
	m.BridgeConnections.Add(float64(delta))
}

func (m *Metrics) EventPublished(label string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(label).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) ListenersChanged(delta int) {
	if m == nil {
		return
	}
	m.EventListeners.Add(float64(delta))
}
