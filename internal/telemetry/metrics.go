package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Total enqueued jobs"}, []string{"queue"})
	JobCompleted   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobRetried     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"queue"})
	JobDeadLetter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_dead_total", Help: "Jobs moved to the dead-letter list"}, []string{"queue"})
	JobStalled     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_stalled_total", Help: "Expired leases returned to waiting"}, []string{"queue"})
	JobDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "pipeline_job_duration_seconds", Help: "Handler execution time", Buckets: prometheus.DefBuckets}, []string{"queue"})
	QueueDepth     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Jobs per queue and state"}, []string{"queue", "state"})
	InFlight       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Handler invocations currently running"}, []string{"queue"})

	DetectionsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "detections_total", Help: "Detection events by action"}, []string{"action"})
	Notifications       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifications_total", Help: "Notification outcomes by channel"}, []string{"channel", "outcome"})
	RateLimitRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"}, []string{"scope"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"}, []string{"name"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			JobCompleted,
			JobRetried,
			JobDeadLetter,
			JobStalled,
			JobDuration,
			QueueDepth,
			InFlight,
			DetectionsTotal,
			Notifications,
			RateLimitRejects,
			CircuitBreakerState,
		)
	})
	return promhttp.Handler()
}
