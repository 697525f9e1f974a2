// Package metrics holds the Prometheus instruments shared by the tick
// scheduler and the protocol gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TicksTotal        *prometheus.CounterVec
	TickFailures      *prometheus.CounterVec
	TickBackpressure  *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	QueriesTotal      *prometheus.CounterVec
	NotificationsSent prometheus.Counter
	ConnectedSessions prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_ticks_total",
			Help: "Tick captures per sync group.",
		}, []string{"sync_group"}),
		TickFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_tick_failures_total",
			Help: "Failed tick captures per sync group.",
		}, []string{"sync_group"}),
		TickBackpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_tick_backpressure_total",
			Help: "Ticks whose capture exceeded the target interval.",
		}, []string{"sync_group"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worldsync_tick_duration_seconds",
			Help:    "Wall-clock duration of tick captures.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"sync_group"}),
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldsync_queries_total",
			Help: "Gateway queries by action and outcome.",
		}, []string{"action", "outcome"}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worldsync_notifications_sent_total",
			Help: "Change notifications delivered to subscribers.",
		}),
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "worldsync_connected_sessions",
			Help: "Currently connected gateway sessions.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.TickFailures,
		m.TickBackpressure,
		m.TickDuration,
		m.QueriesTotal,
		m.NotificationsSent,
		m.ConnectedSessions,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
