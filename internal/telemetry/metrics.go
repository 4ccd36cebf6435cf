package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_enqueued_total", Help: "Jobs enqueued per provider"}, []string{"provider"})
	WorkerSuccess   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"provider"})
	WorkerFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_failed_total", Help: "Jobs that failed terminally"}, []string{"provider"})
	WorkerRetries   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_jobs_retried_total", Help: "Jobs re-queued with backoff"}, []string{"provider"})
	RateLimitWaits  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enrichment_rate_limit_waits_total", Help: "Dispatch attempts deferred by the rate budget"}, []string{"provider"})
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "enrichment_queue_depth", Help: "Ready queue depth per provider"}, []string{"provider"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "enrichment_jobs_inflight", Help: "Jobs currently leased"})
	SearchFanout    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "search_source_queries_total", Help: "Sub-searches per source"}, []string{"source"})
	SearchErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "search_source_errors_total", Help: "Sub-search failures per source"}, []string{"source"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			WorkerSuccess,
			WorkerFailures,
			WorkerRetries,
			RateLimitWaits,
			QueueDepthGauge,
			InFlightGauge,
			SearchFanout,
			SearchErrors,
		)
	})
	return promhttp.Handler()
}
