// Package metrics exposes engine, embedding and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"horse.fit/clearoid/internal/dedup"
)

const namespace = "clearoid"

var _ dedup.Observer = (*Metrics)(nil)

type Metrics struct {
	Registry *prometheus.Registry

	titlesSubmitted *prometheus.CounterVec
	embedDuration   *prometheus.HistogramVec
	embedFailures   *prometheus.CounterVec
	batchRows       *prometheus.CounterVec
	reconciled      prometheus.Counter
	lockWait        prometheus.Histogram
	httpRequests    *prometheus.CounterVec
}

// New registers every collector on a private registry. withRuntime adds the
// Go and process collectors.
func New(withRuntime bool) *Metrics {
	registry := prometheus.NewRegistry()
	if withRuntime {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		Registry: registry,
		titlesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "titles_submitted_total",
			Help:      "Titles stored, by matching decision.",
		}, []string{"result"}),
		embedDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Latency of embedding calls.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}, []string{"embedder"}),
		embedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_failures_total",
			Help:      "Embedding calls that returned an error.",
		}, []string{"embedder"}),
		batchRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_rows_total",
			Help:      "Batch rows by outcome.",
		}, []string{"outcome"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Duplicate flags flipped by cluster reconciliation.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring cluster key locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(
		m.titlesSubmitted,
		m.embedDuration,
		m.embedFailures,
		m.batchRows,
		m.reconciled,
		m.lockWait,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) TitleStored(decision dedup.DecisionKind) {
	m.titlesSubmitted.WithLabelValues(string(decision)).Inc()
}

func (m *Metrics) BatchRow(outcome string) {
	m.batchRows.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconciled(changed int) {
	if changed > 0 {
		m.reconciled.Add(float64(changed))
	}
}

func (m *Metrics) LockWaited(elapsed time.Duration) {
	m.lockWait.Observe(elapsed.Seconds())
}

// ObserveEmbedding matches embedding.ObserveFunc.
func (m *Metrics) ObserveEmbedding(name string, elapsed time.Duration, err error) {
	m.embedDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		m.embedFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
