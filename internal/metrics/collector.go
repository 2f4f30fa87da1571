// Package metrics exposes Prometheus collectors for the HTTP surface, state
// transitions, credit movements and provider calls.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several instances can coexist in tests.
// All Record methods are safe on a nil Collector.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	stateTransitions *prometheus.CounterVec
	creditsMoved     *prometheus.CounterVec

	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	dispatchQueueDepth prometheus.Gauge
	batchBacklog       prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		stateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of entity status transitions",
			},
			[]string{"entity", "from_state", "to_state"},
		),
		creditsMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_total",
				Help:      "Credits moved through the ledger, by transaction type and direction",
			},
			[]string{"type", "direction"},
		),
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of external generation calls",
			},
			[]string{"provider", "stage", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "External generation call duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "stage"},
		),
		dispatchQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dispatch_queue_depth",
				Help:      "Provider jobs waiting for a dispatcher worker",
			},
		),
		batchBacklog: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_backlog",
				Help:      "Batch pipelines seen queued on the last worker pass",
			},
		),
	}
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	if path == "" {
		path = "unmatched"
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) RecordTransition(entity, from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(entity, from, to).Inc()
}

// RecordCredits counts a ledger entry. Negative amounts are debits.
func (c *Collector) RecordCredits(txType string, amount int64) {
	if c == nil || amount == 0 {
		return
	}
	direction := "credit"
	if amount < 0 {
		direction = "debit"
		amount = -amount
	}
	c.creditsMoved.WithLabelValues(txType, direction).Add(float64(amount))
}

func (c *Collector) RecordProviderCall(provider, stage string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.providerCallsTotal.WithLabelValues(provider, stage, status).Inc()
	c.providerCallDuration.WithLabelValues(provider, stage).Observe(duration.Seconds())
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.dispatchQueueDepth.Set(float64(n))
}

func (c *Collector) SetBatchBacklog(n int) {
	if c == nil {
		return
	}
	c.batchBacklog.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
