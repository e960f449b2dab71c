package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "enrichflow"

var (
	// ─── Orchestrator ────────────────────────────────────────────────────────────

	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "tasks_processed_total",
		Help:      "Tasks that reached a terminal status, by source, status and outcome.",
	}, []string{"source", "status", "outcome"})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "tasks_inflight",
		Help:      "Tasks currently held by a worker.",
	})

	FetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "fetch_duration_seconds",
		Help:      "Adapter fetch latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"source"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "fetch_errors_total",
		Help:      "Failed fetches by source and error kind.",
	}, []string{"source", "kind"})

	QuotaDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "quota_denied_total",
		Help:      "Tasks deferred because the source quota or politeness gate refused.",
	}, []string{"source", "reason"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "retries_total",
		Help:      "Tasks requeued with backoff after a retryable failure.",
	}, []string{"source"})

	FallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "fallbacks_total",
		Help:      "Attempts moved from one source to its fallback.",
	}, []string{"from", "to"})

	AlarmsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "alarms_total",
		Help:      "Failed tasks surfaced as alarms.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	BatchBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "batch_backlog",
		Help:      "Targets still waiting for a fetch after the last run of a policy.",
	}, []string{"policy"})

	BatchETADays = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "batch_eta_days",
		Help:      "Estimated days to clear the backlog at current throughput. -1 when unknown.",
	}, []string{"policy"})

	BatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "batch_runs_total",
		Help:      "Completed batch runs by policy and trigger.",
	}, []string{"policy", "trigger"})

	// ─── API ─────────────────────────────────────────────────────────────────────

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern and status code.",
	}, []string{"route", "code"})
)
