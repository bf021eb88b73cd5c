// Package metrics wraps every Prometheus collector the resolver exports
// behind one Registry struct, so components take the collectors they touch
// as a single dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the resolver exposes.
type Registry struct {
	ActiveSessions      prometheus.Gauge
	ActiveWriters       prometheus.Gauge
	DirectoryEntries    prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	BatchSize           prometheus.Histogram
	ScavengeSweeps      prometheus.Counter
	ScavengedWriters    prometheus.Counter
	ScavengedPaths      prometheus.Counter
	AcceptErrors        prometheus.Counter
	AcceptThrottled     prometheus.Counter
	ClientReconnects    prometheus.Counter
	ClientReconnectFail prometheus.Counter
	NotifyPublished     prometheus.Counter
	NotifyFailed        prometheus.Counter
}

// NewRegistry constructs and registers every resolver collector against the
// default Prometheus registerer.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.DefaultRegisterer)
}

// NewRegistryWith constructs and registers every resolver collector against
// the supplied registerer, so tests can use a throwaway prometheus.Registry
// instead of colliding with the global default on repeated construction.
func NewRegistryWith(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_sessions_active",
			Help: "Number of currently open resolver client connections.",
		}),
		ActiveWriters: f.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_writers_active",
			Help: "Number of writer client records tracked in the registry.",
		}),
		DirectoryEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_directory_entries",
			Help: "Number of distinct paths currently published.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_requests_total",
			Help: "Total requests processed, by kind.",
		}, []string{"kind"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolver_batch_size",
			Help:    "Number of requests drained into a single session batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ScavengeSweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_scavenge_sweeps_total",
			Help: "Total scavenger ticks processed.",
		}),
		ScavengedWriters: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_scavenged_writers_total",
			Help: "Total writer records removed for exceeding their TTL.",
		}),
		ScavengedPaths: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_scavenged_paths_total",
			Help: "Total path/endpoint pairs revoked by the scavenger.",
		}),
		AcceptErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_accept_errors_total",
			Help: "Total connection accept errors.",
		}),
		AcceptThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_accept_throttled_total",
			Help: "Total connections rejected by the accept-rate limiter.",
		}),
		ClientReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_client_reconnects_total",
			Help: "Total successful client reconnect attempts.",
		}),
		ClientReconnectFail: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_client_reconnect_failures_total",
			Help: "Total failed client reconnect attempts.",
		}),
		NotifyPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_notify_published_total",
			Help: "Total change-notification events published to NATS.",
		}),
		NotifyFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "resolver_notify_failed_total",
			Help: "Total change-notification events that failed to publish.",
		}),
	}
}

// Handler returns the Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
