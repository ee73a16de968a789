// Package metrics exposes workflow counters for Prometheus. All methods are
// safe on a nil *Metrics so callers never need to check for it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grantflow"

type Metrics struct {
	Registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	directory     *prometheus.CounterVec
	outbox        prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Status transitions requested, by status and result.",
		}, []string{"status", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts, by event and result.",
		}, []string{"event", "result"}),
		directory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookups_total",
			Help:      "Directory lookups, by cache result.",
		}, []string{"cache"}),
		outbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Notifications waiting for delivery at the last dispatcher pass.",
		}),
	}
	reg.MustRegister(
		m.transitions,
		m.notifications,
		m.directory,
		m.outbox,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Transition counts one status request. result is "ok" or a rejection kind.
func (m *Metrics) Transition(status, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, result).Inc()
}

func (m *Metrics) Notification(event string, delivered bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !delivered {
		result = "failed"
	}
	m.notifications.WithLabelValues(event, result).Inc()
}

func (m *Metrics) DirectoryLookup(hit bool) {
	if m == nil {
		return
	}
	cache := "miss"
	if hit {
		cache = "hit"
	}
	m.directory.WithLabelValues(cache).Inc()
}

func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.outbox.Set(float64(n))
}
