// Package metric wraps a prometheus registry shared by all components.
package metric

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalnet/rulebot/internal/errs"
)

// Namespace prefixes every metric name.
const Namespace = "rulebot"

// Registry tracks collectors per service so each is registered once.
type Registry struct {
	prom       *prometheus.Registry
	mu         sync.Mutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register adds a collector under service/name.
func (r *Registry) Register(service, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := service + "." + name
	if _, ok := r.registered[key]; ok {
		return errs.WrapConfig(fmt.Errorf("metric %s already registered for %s", name, service),
			"Registry", "Register", "duplicate registration")
	}
	if err := r.prom.Register(c); err != nil {
		return errs.WrapConfig(err, "Registry", "Register", "register "+key)
	}
	r.registered[key] = c
	return nil
}

// Unregister removes a collector registered under service/name.
func (r *Registry) Unregister(service, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := service + "." + name
	c, ok := r.registered[key]
	if !ok {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Counter registers and returns a counter. A nil registry yields an
// unregistered counter so callers never need nil checks.
func (r *Registry) Counter(service, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Subsystem: service, Name: name, Help: help})
	if kept, ok := r.register(service, name, c).(prometheus.Counter); ok {
		return kept
	}
	return c
}

// CounterVec registers and returns a labelled counter.
func (r *Registry) CounterVec(service, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: service, Name: name, Help: help}, labels)
	if kept, ok := r.register(service, name, c).(*prometheus.CounterVec); ok {
		return kept
	}
	return c
}

// Gauge registers and returns a gauge.
func (r *Registry) Gauge(service, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: service, Name: name, Help: help})
	if kept, ok := r.register(service, name, g).(prometheus.Gauge); ok {
		return kept
	}
	return g
}

// Histogram registers and returns a histogram.
func (r *Registry) Histogram(service, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: service, Name: name, Help: help, Buckets: buckets})
	if kept, ok := r.register(service, name, h).(prometheus.Histogram); ok {
		return kept
	}
	return h
}

// HistogramVec registers and returns a labelled histogram.
func (r *Registry) HistogramVec(service, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: service, Name: name, Help: help, Buckets: buckets}, labels)
	if kept, ok := r.register(service, name, h).(*prometheus.HistogramVec); ok {
		return kept
	}
	return h
}

func (r *Registry) register(service, name string, c prometheus.Collector) prometheus.Collector {
	if r == nil {
		return c
	}
	r.mu.Lock()
	kept, ok := r.registered[service+"."+name]
	r.mu.Unlock()
	if ok {
		// Components rebuilt on reconnect keep feeding the exported collector.
		return kept
	}
	_ = r.Register(service, name, c)
	return c
}
