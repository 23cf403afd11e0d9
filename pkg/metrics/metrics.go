// Package metrics defines the Prometheus series exported by governor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. All methods are safe on a nil receiver.
type Metrics struct {
	StoreOperations *prometheus.CounterVec
	StoreDegraded   prometheus.Gauge

	CacheRequests *prometheus.CounterVec

	BudgetDecisions *prometheus.CounterVec
	TokensConsumed  prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers all metrics with reg. Passing nil uses a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_store_operations_total",
				Help: "Backing store operations by backend, operation and result",
			},
			[]string{"backend", "op", "result"},
		),
		StoreDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "governor_store_degraded",
			Help: "1 when the networked store was unreachable at startup and the in-process store is in use",
		}),
		CacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_cache_requests_total",
				Help: "Cache lookups by category and result",
			},
			[]string{"category", "result"}, // hit, miss
		),
		BudgetDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_budget_decisions_total",
				Help: "Budget enforcement outcomes",
			},
			[]string{"outcome"}, // allowed, rejected, error
		),
		TokensConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "governor_tokens_consumed_total",
			Help: "Estimated tokens debited from user budgets",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		gatherer: reg,
	}
}

// RecordStoreOp counts a backing store operation.
func (m *Metrics) RecordStoreOp(backend, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreOperations.WithLabelValues(backend, op, result).Inc()
}

// SetDegraded flips the degradation gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.StoreDegraded.Set(1)
	} else {
		m.StoreDegraded.Set(0)
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(category string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(category, result).Inc()
}

// RecordBudgetDecision counts an enforcement outcome and, when allowed, the debit.
func (m *Metrics) RecordBudgetDecision(outcome string, tokens int64) {
	if m == nil {
		return
	}
	m.BudgetDecisions.WithLabelValues(outcome).Inc()
	if outcome == "allowed" && tokens > 0 {
		m.TokensConsumed.Add(float64(tokens))
	}
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
