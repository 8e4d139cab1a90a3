// Package metrics defines and registers the Prometheus collectors hostgate
// exposes, grounded on the teacher's admin-API metrics (prometheus +
// promauto, one CounterVec per concern) but scoped to the request, upstream
// selection, health-transition, and reload boundaries named in §2.10 of
// SPEC_FULL.md rather than the teacher's admin API surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hostgate"

// Metrics is a registry-scoped bundle of collectors. A fresh Registry is
// created per process (not the global default) so tests can construct
// independent instances without colliding on collector registration.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	UpstreamSelections *prometheus.CounterVec
	UpstreamActiveConn *prometheus.GaugeVec
	UpstreamHealth     *prometheus.GaugeVec

	ReloadsTotal *prometheus.CounterVec
}

// New builds a Metrics bundle registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of requests dispatched, by site, status code, and method.",
		}, []string{"site", "code", "method"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency, by site.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"site"}),

		UpstreamSelections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "selections_total",
			Help:      "Count of upstream endpoint selections, by site, group, and endpoint.",
		}, []string{"site", "group", "endpoint"}),

		UpstreamActiveConn: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "active_connections",
			Help:      "Current in-flight connections held against an upstream endpoint.",
		}, []string{"site", "group", "endpoint"}),

		UpstreamHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "healthy",
			Help:      "1 if the endpoint is healthy, 0 otherwise.",
		}, []string{"site", "group", "endpoint"}),

		ReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reload",
			Name:      "total",
			Help:      "Count of reload attempts, by outcome.",
		}, []string{"outcome"}),
	}
}
