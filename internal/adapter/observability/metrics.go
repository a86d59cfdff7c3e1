// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// AdmissionOutcomesTotal counts admission attempts by capability and outcome
	// (queued, invalid_params, quota_exceeded, rate_limited). Every parameter
	// validation failure, including an unknown model or an empty prompt, is
	// counted as invalid_params.
	AdmissionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_outcomes_total",
			Help: "Total admission attempts by capability and outcome",
		},
		[]string{"capability", "outcome"},
	)

	// QueueDepth is a gauge of QUEUED jobs by priority.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of QUEUED jobs by priority",
		},
		[]string{"priority"},
	)

	// DispatchTickDuration records the wall time of a dispatcher tick.
	DispatchTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_tick_duration_seconds",
			Help:    "Dispatcher tick duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
	// DispatchAssignedTotal counts jobs assigned to a worker per tick, by
	// whether the assignment was part of a batch.
	DispatchAssignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_assigned_total",
			Help: "Total jobs assigned to workers",
		},
		[]string{"batched"},
	)

	// WorkerLivenessGauge is a gauge of workers by liveness classification
	// (healthy, stale, dead).
	WorkerLivenessGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_liveness",
			Help: "Number of workers by liveness state",
		},
		[]string{"state"},
	)

	// ReaperRequeuedTotal counts retry outcomes by reason: dead_worker and
	// timeout when the reaper requeues a job, dead_worker_exhausted and
	// timeout_exhausted when the reaper fails a job whose retries are spent,
	// and completion_retry when the completion handler requeues a job.
	ReaperRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_requeued_total",
			Help: "Total jobs requeued by the reaper",
		},
		[]string{"reason"},
	)

	// CircuitBreakerStatus tracks the worker circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Worker circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"worker_id"},
	)

	// WebhookDeliveryTotal counts webhook delivery attempts by outcome
	// (delivered, exhausted).
	WebhookDeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_delivery_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// CleanupDeletedTotal counts rows removed by the retention sweep, by table.
	CleanupDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_deleted_total",
			Help: "Total rows deleted by the retention sweep",
		},
		[]string{"table"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AdmissionOutcomesTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DispatchTickDuration)
	prometheus.MustRegister(DispatchAssignedTotal)
	prometheus.MustRegister(WorkerLivenessGauge)
	prometheus.MustRegister(ReaperRequeuedTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(WebhookDeliveryTotal)
	prometheus.MustRegister(CleanupDeletedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordAdmissionOutcome increments the admission outcome counter.
func RecordAdmissionOutcome(capability, outcome string) {
	AdmissionOutcomesTotal.WithLabelValues(capability, outcome).Inc()
}

// RecordCircuitBreakerStatus records a worker's circuit breaker state.
func RecordCircuitBreakerStatus(workerID string, status int) {
	CircuitBreakerStatus.WithLabelValues(workerID).Set(float64(status))
}

// RecordReaperRequeue increments the reaper requeue counter for reason.
func RecordReaperRequeue(reason string) {
	ReaperRequeuedTotal.WithLabelValues(reason).Inc()
}

// RecordWebhookDelivery increments the webhook delivery counter for outcome.
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveryTotal.WithLabelValues(outcome).Inc()
}

// RecordCleanupDeleted increments the cleanup counter for table by n.
func RecordCleanupDeleted(table string, n int) {
	if n <= 0 {
		return
	}
	CleanupDeletedTotal.WithLabelValues(table).Add(float64(n))
}
