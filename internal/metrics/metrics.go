// Package metrics exposes the control plane's Prometheus collectors. All
// methods are safe on a nil *Collector so components can run without one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxyplane"

type Collector struct {
	registry *prometheus.Registry

	reloads         *prometheus.CounterVec
	reloadDuration  prometheus.Histogram
	generation      prometheus.Gauge
	routes          prometheus.Gauge
	clusters        prometheus.Gauge
	updates         *prometheus.CounterVec
	updateDuration  prometheus.Histogram
	probes          *prometheus.CounterVec
	backups         *prometheus.CounterVec
	backupsDeleted  prometheus.Counter
	documentReloads *prometheus.CounterVec
}

// New registers the collectors on registry, or on a fresh registry when nil.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "provider", Name: "reloads_total",
			Help: "Proxy configuration rebuilds by outcome.",
		}, []string{"outcome"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "provider", Name: "reload_duration_seconds",
			Help:    "Time spent rebuilding the proxy configuration.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "provider", Name: "generation",
			Help: "Generation of the installed proxy configuration snapshot.",
		}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "provider", Name: "routes",
			Help: "Routes in the installed snapshot.",
		}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "provider", Name: "clusters",
			Help: "Clusters in the installed snapshot.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "update", Name: "total",
			Help: "Configuration updates by outcome.",
		}, []string{"outcome"}),
		updateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "update", Name: "duration_seconds",
			Help:    "Wall time of configuration updates.",
			Buckets: prometheus.DefBuckets,
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "health", Name: "probes_total",
			Help: "Destination health probes by result.",
		}, []string{"result"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backup", Name: "operations_total",
			Help: "Backup operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		backupsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backup", Name: "deleted_total",
			Help: "Backups removed by retention cleanup.",
		}),
		documentReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watch", Name: "document_reloads_total",
			Help: "Document file changes applied by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		c.reloads, c.reloadDuration, c.generation, c.routes, c.clusters,
		c.updates, c.updateDuration, c.probes, c.backups, c.backupsDeleted,
		c.documentReloads,
	)
	return c
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) RecordReload(ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.reloads.WithLabelValues(outcome(ok)).Inc()
	c.reloadDuration.Observe(d.Seconds())
}

func (c *Collector) SetSnapshot(generation uint64, routes, clusters int) {
	if c == nil {
		return
	}
	c.generation.Set(float64(generation))
	c.routes.Set(float64(routes))
	c.clusters.Set(float64(clusters))
}

func (c *Collector) RecordUpdate(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.updates.WithLabelValues(result).Inc()
	c.updateDuration.Observe(d.Seconds())
}

func (c *Collector) RecordProbe(healthy bool) {
	if c == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	c.probes.WithLabelValues(result).Inc()
}

func (c *Collector) RecordBackup(op string, ok bool) {
	if c == nil {
		return
	}
	c.backups.WithLabelValues(op, outcome(ok)).Inc()
}

func (c *Collector) RecordBackupsDeleted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.backupsDeleted.Add(float64(n))
}

func (c *Collector) RecordDocumentReload(ok bool) {
	if c == nil {
		return
	}
	c.documentReloads.WithLabelValues(outcome(ok)).Inc()
}
