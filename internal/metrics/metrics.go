package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_webhook_events_total",
		Help: "Webhook requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	EntitiesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_entities_written_total",
		Help: "Entity rows written by operation (created, updated, deleted).",
	}, []string{"operation"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_tasks_finished_total",
		Help: "Sync tasks leaving processing, by resulting status.",
	}, []string{"status"})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_claim_conflicts_total",
		Help: "Claims lost to a concurrent worker.",
	})

	WorkerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_worker_runs_total",
		Help: "Worker invocations by exit reason.",
	}, []string{"reason"})

	WorkerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncbridge_worker_duration_seconds",
		Help:    "Wall time of one worker invocation.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 20, 30, 45, 60},
	})

	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncbridge_sync_run_duration_seconds",
		Help:    "Duration of one sync execution segment.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "mode"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	}, []string{"scope"})

	StaleTasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncbridge_stale_tasks_requeued_total",
		Help: "Processing tasks returned to pending after missed heartbeats.",
	})

	ConnectorCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncbridge_connector_lookups_total",
		Help: "Connector registry lookups by result.",
	}, []string{"result"})
)
