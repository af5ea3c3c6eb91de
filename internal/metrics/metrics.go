// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	AuthRejections prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docker_socket_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docker_socket_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docker_socket_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		AuthRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docker_socket_proxy_auth_rejections_total",
			Help: "Requests rejected for a missing or wrong x-api-key.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docker_socket_proxy_upstream_request_duration_seconds",
			Help:    "Time to the Docker daemon's response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docker_socket_proxy_upstream_responses_total",
			Help: "Total Docker daemon responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docker_socket_proxy_upstream_errors_total",
			Help: "Requests that failed to reach or read from the Docker socket.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.AuthRejections,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
	)

	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the Docker Engine API resources used as path labels.
var knownPrefixes = map[string]bool{
	"_ping": true, "auth": true, "build": true, "commit": true,
	"configs": true, "containers": true, "distribution": true, "events": true,
	"exec": true, "grpc": true, "health": true, "images": true, "info": true,
	"networks": true, "nodes": true, "plugins": true, "secrets": true,
	"services": true, "session": true, "swarm": true, "system": true,
	"tasks": true, "version": true, "volumes": true,
}

// NormalizePath returns a bounded path label for Prometheus metrics: the
// first Docker API resource segment, skipping an optional /vX.Y prefix.
// Container IDs and names never become label values.
func NormalizePath(path string) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) > 1 && isAPIVersion(segs[0]) {
		segs = segs[1:]
	}
	if knownPrefixes[segs[0]] {
		return "/" + segs[0]
	}
	return "other"
}

// isAPIVersion reports whether seg looks like "v1.43".
func isAPIVersion(seg string) bool {
	if len(seg) < 2 || seg[0] != 'v' {
		return false
	}
	for _, r := range seg[1:] {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
