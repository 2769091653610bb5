// Package metrics exposes API telemetry in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devvelocity/internal/types"
)

const namespace = "devvelocity"

// Prometheus records request and entitlement metrics on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EntitlementDenials  *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them, together with the
// Go runtime and process collectors, on registry. A nil registry gets a
// fresh one.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Prometheus{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		EntitlementDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entitlement_denials_total",
				Help:      "Requests refused because the organization's plan lacks a capability",
			},
			[]string{"capability", "plan"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EntitlementDenials,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// RecordRequest counts one request. route is the matched chi pattern, not the
// raw path, so ids do not explode label cardinality.
func (m *Prometheus) RecordRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDenial counts one plan-gated refusal.
func (m *Prometheus) RecordDenial(capability string, plan types.PlanID) {
	m.EntitlementDenials.WithLabelValues(capability, string(plan)).Inc()
}

// ObservePool exports connection pool gauges for pool.
func (m *Prometheus) ObservePool(pool *pgxpool.Pool) {
	gauge := func(name, help string, fn func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(pool.Stat())) })
	}
	m.registry.MustRegister(
		gauge("connections_acquired", "Connections currently in use", (*pgxpool.Stat).AcquiredConns),
		gauge("connections_idle", "Idle connections", (*pgxpool.Stat).IdleConns),
		gauge("connections_total", "Total connections in the pool", (*pgxpool.Stat).TotalConns),
	)
}

// Handler serves the registry at /metrics.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
