// Package metrics exposes prometheus collectors for sessions, live subscriptions and mutations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/reconcile"
)

const namespace = "vision365"

// Collectors implements the live, reconcile and session observers on a private registry.
type Collectors struct {
	registry *prometheus.Registry

	sessions      prometheus.Gauge
	subscriptions *prometheus.GaugeVec
	updates       *prometheus.CounterVec
	mutations     *prometheus.CounterVec
}

// New registers the collectors, plus the Go and process collectors, on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Operator sessions currently open.",
		}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscriptions",
			Help:      "Open live subscriptions by snapshot kind.",
		}, []string{"kind"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_updates_total",
			Help:      "Live deliveries by snapshot kind and result.",
		}, []string{"kind", "result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Settled optimistic mutations by snapshot kind and status.",
		}, []string{"kind", "status"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessions,
		c.subscriptions,
		c.updates,
		c.mutations,
	)
	return c
}

// Registry returns the registry holding every collector.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) SessionsChanged(open int) {
	c.sessions.Set(float64(open))
}

func (c *Collectors) SubscriptionOpened(kind buildings.Kind) {
	c.subscriptions.WithLabelValues(string(kind)).Inc()
}

func (c *Collectors) SubscriptionClosed(kind buildings.Kind) {
	c.subscriptions.WithLabelValues(string(kind)).Dec()
}

func (c *Collectors) UpdateDelivered(kind buildings.Kind, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	c.updates.WithLabelValues(string(kind), result).Inc()
}

func (c *Collectors) MutationSettled(kind buildings.Kind, status reconcile.Status) {
	c.mutations.WithLabelValues(string(kind), string(status)).Inc()
}
