// Package metrics collects the prometheus metrics exported by the proxy,
// directly descended from the teacher's CSV-proxy metric set, extended for
// the richer routing, certificate, and connection model of this proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_routes_total",
		Help: "Total number of registered (host, path) routes.",
	})

	RouteTargetsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_route_targets_total",
		Help: "Total number of backend targets across all routes.",
	})

	RouteActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_route_active",
		Help: "Whether a route is active for a hostname+path (1 = active, 0 = removed).",
	}, []string{"hostname", "path"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_requests_total",
		Help: "Total number of proxied requests by hostname, backend, and status code.",
	}, []string{"hostname", "backend", "status_code"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "Proxy request duration in seconds by hostname and backend.",
		Buckets: prometheus.DefBuckets,
	}, []string{"hostname", "backend"})

	LastRequestTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_last_request_timestamp_seconds",
		Help: "Timestamp of the last successful proxied request by hostname and backend.",
	}, []string{"hostname", "backend"})

	ConfigReloadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_config_reload_total",
		Help: "Total number of configuration loads that produced at least one valid route.",
	})

	ConfigReloadErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_config_reload_errors_total",
		Help: "Total number of configuration reload errors.",
	})

	WatcherRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_watcher_restarts_total",
		Help: "Total number of file watcher restarts.",
	})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_retry_attempts_total",
		Help: "Total number of backend retry attempts by hostname and outcome.",
	}, []string{"hostname", "outcome"})

	BackendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_backend_failures_total",
		Help: "Total number of backend failures that triggered a retry, by hostname and backend.",
	}, []string{"hostname", "backend"})

	CertRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_cert_renewals_total",
		Help: "Total number of certificate renewal attempts by hostname and outcome.",
	}, []string{"hostname", "outcome"})

	CertExpirySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_cert_expiry_seconds",
		Help: "Seconds until certificate expiry by hostname.",
	}, []string{"hostname"})

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_connections_open",
		Help: "Number of currently open listener connections.",
	})

	ConnectionsAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_connections_accepted_total",
		Help: "Total connections accepted by listener address.",
	}, []string{"listener"})
)
