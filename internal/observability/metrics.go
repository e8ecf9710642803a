package observability

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce             sync.Once
	apiRequestsTotal         *prometheus.CounterVec
	apiLatencySeconds        *prometheus.HistogramVec
	apiErrorsTotal           *prometheus.CounterVec
	submissionEventsTotal    *prometheus.CounterVec
	aggregateFailuresTotal   *prometheus.CounterVec
	standingsCacheTotal      *prometheus.CounterVec
	submissionEventsReceived *prometheus.CounterVec
	reconcileDriftTotal      *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the ledger.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		submissionEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_events_total",
			Help: "Ledger events applied, by kind and verdict.",
		}, []string{"kind", "status"})

		aggregateFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregate_persist_failures_total",
			Help: "Ledger events whose aggregate writes failed and were rolled back.",
		}, []string{"kind"})

		standingsCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "standings_cache_total",
			Help: "Standings cache lookups by result.",
		}, []string{"result"})

		submissionEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_events_received_total",
			Help: "Ledger events received from other nodes, by transport.",
		}, []string{"transport"})

		reconcileDriftTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_drift_total",
			Help: "Aggregate drifts found by reconciliation, by aggregate kind.",
		}, []string{"kind"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			submissionEventsTotal,
			aggregateFailuresTotal,
			standingsCacheTotal,
			submissionEventsReceived,
			reconcileDriftTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// SubmissionEvents counts applied ledger events.
func SubmissionEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionEventsTotal
}

// AggregateFailures counts rolled back ledger events.
func AggregateFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return aggregateFailuresTotal
}

// StandingsCache counts standings cache hits and misses.
func StandingsCache() *prometheus.CounterVec {
	RegisterMetrics()
	return standingsCacheTotal
}

// SubmissionEventsReceived counts events consumed from redis or NATS.
func SubmissionEventsReceived() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionEventsReceived
}

// ReconcileDrift counts drifts found by reconciliation.
func ReconcileDrift() *prometheus.CounterVec {
	RegisterMetrics()
	return reconcileDriftTotal
}

// MetricsHandler exposes the Prometheus scrape endpoint via Fiber.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 4,
		Timeout:             5 * time.Second,
	}))
}
