package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "userdirectory"

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Metrics holds the Prometheus collectors exported by the service.
type Metrics struct {
	registry       *prometheus.Registry
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	searchResults  prometheus.Histogram
	updates        *prometheus.CounterVec
	batches        *prometheus.CounterVec
	batchItems     *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
}

// New builds a Metrics set on a fresh registry that also carries Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "User directory searches by outcome.",
		}, []string{"outcome"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Latency of user directory searches.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of results returned per search.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incremental_updates_total",
			Help:      "Incremental directory updates by kind and outcome.",
		}, []string{"kind", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_batches_total",
			Help:      "Background update batches by update name and outcome.",
		}, []string{"update", "outcome"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_items_total",
			Help:      "Items processed by background updates.",
		}, []string{"update"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_batch_duration_seconds",
			Help:      "Duration of background update batches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"update"}),
	}
	registry.MustRegister(m.searches, m.searchDuration, m.searchResults, m.updates, m.batches, m.batchItems, m.batchDuration)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSearch records one search.
func (m *Metrics) ObserveSearch(results int, duration time.Duration, err error) {
	m.searches.WithLabelValues(outcome(err)).Inc()
	m.searchDuration.Observe(duration.Seconds())
	if err == nil {
		m.searchResults.Observe(float64(results))
	}
}

// ObserveUpdate records one incremental update.
func (m *Metrics) ObserveUpdate(kind string, err error) {
	m.updates.WithLabelValues(kind, outcome(err)).Inc()
}

// ObserveBatch records one background update batch.
func (m *Metrics) ObserveBatch(name string, processed int, duration time.Duration, err error) {
	m.batches.WithLabelValues(name, outcome(err)).Inc()
	m.batchDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err == nil && processed > 0 {
		m.batchItems.WithLabelValues(name).Add(float64(processed))
	}
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeOK
}
