package metrics

import (
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HttpRequestsTotal   *prometheus.CounterVec
	HttpRequestDuration *prometheus.HistogramVec

	// Lifecycle metrics
	LifecycleCommandsTotal *prometheus.CounterVec

	// Sync metrics
	SyncOperationsTotal   *prometheus.CounterVec
	SyncCallDuration      *prometheus.HistogramVec
	SyncBackpressureTotal *prometheus.CounterVec
	SyncQueueDepth        *prometheus.GaugeVec
	SyncReclaimedTotal    prometheus.Counter

	// Webhook metrics
	WebhooksReceivedTotal *prometheus.CounterVec

	// Batch job metrics
	BatchJobItemsTotal  *prometheus.CounterVec
	BatchJobsResetTotal prometheus.Counter
)

func init() {
	prefix := strings.TrimSpace(os.Getenv("METRICS_PREFIX"))
	if prefix == "" {
		prefix = "ordersync"
	}

	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	LifecycleCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_lifecycle_commands_total",
			Help: "Order lifecycle commands by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	SyncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_sync_operations_total",
			Help: "Sync operation attempts by direction, entity type and outcome",
		},
		[]string{"direction", "entity_type", "outcome"},
	)
	SyncCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_sync_call_duration_seconds",
			Help:    "Duration of external ledger calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity_type", "operation"},
	)
	SyncBackpressureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_sync_backpressure_total",
			Help: "Queue items deferred by rate limits or tenant halts",
		},
		[]string{"reason"},
	)
	SyncQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "_sync_operations",
			Help: "Sync operations per status",
		},
		[]string{"status"},
	)
	SyncReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_sync_reclaimed_total",
			Help: "Stale in-progress operations returned to the queue",
		},
	)

	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_webhooks_received_total",
			Help: "Inbound ledger webhooks by entity type and result",
		},
		[]string{"entity_type", "result"},
	)

	BatchJobItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_batch_job_items_total",
			Help: "Batch job items processed by job type and outcome",
		},
		[]string{"job_type", "outcome"},
	)
	BatchJobsResetTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_batch_jobs_reset_total",
			Help: "Stuck batch jobs returned to the queue",
		},
	)
}

func RecordLifecycleCommand(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LifecycleCommandsTotal.WithLabelValues(action, outcome).Inc()
}

func RecordSyncOutcome(direction string, entityType string, outcome string) {
	SyncOperationsTotal.WithLabelValues(direction, entityType, outcome).Inc()
}

// TrackSyncCall returns a function that records the duration of a ledger call
func TrackSyncCall(entityType string, operation string) func() {
	start := time.Now()
	return func() {
		SyncCallDuration.WithLabelValues(entityType, operation).Observe(time.Since(start).Seconds())
	}
}

func RecordBackpressure(reason string) {
	SyncBackpressureTotal.WithLabelValues(reason).Inc()
}

func RecordWebhook(entityType string, result string) {
	WebhooksReceivedTotal.WithLabelValues(entityType, result).Inc()
}

func RecordBatchItem(jobType string, outcome string) {
	BatchJobItemsTotal.WithLabelValues(jobType, outcome).Inc()
}
