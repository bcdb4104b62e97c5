package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of Prometheus instruments for the agent.
type Metrics struct {
	JobsDispatched *prometheus.CounterVec
	JobsDeduped    *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobRetries     *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	WorkersBusy    prometheus.Gauge

	StepsExecuted    *prometheus.CounterVec
	SandboxesActive  prometheus.Gauge
	SandboxesCreated *prometheus.CounterVec
	AuditEntries     prometheus.Counter
}

// New creates and registers all instruments on a fresh registry so tests can
// instantiate it repeatedly without duplicate-registration panics.
func New() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith creates the instruments and registers them on reg.
func NewWith(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		JobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opencopilot_jobs_dispatched_total",
				Help: "Jobs admitted by the dispatcher",
			},
			[]string{"job_type"},
		),
		JobsDeduped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opencopilot_jobs_deduplicated_total",
				Help: "Dispatch attempts rejected by the dedup service",
			},
			[]string{"job_type"},
		),
		JobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opencopilot_jobs_completed_total",
				Help: "Jobs reaching a terminal status",
			},
			[]string{"job_type", "status"},
		),
		JobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opencopilot_job_retries_total",
				Help: "Job re-enqueues after a retryable failure",
			},
			[]string{"job_type"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opencopilot_job_duration_seconds",
				Help:    "Wall time of a single job attempt",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"job_type"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "opencopilot_queue_depth",
				Help: "Jobs currently waiting in the queue",
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "opencopilot_workers_busy",
				Help: "Workers currently running a job",
			},
		),
		StepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opencopilot_plan_steps_total",
				Help: "Plan steps executed",
			},
			[]string{"result"},
		),
		SandboxesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "opencopilot_sandboxes_active",
				Help: "Sandbox containers currently alive",
			},
		),
		SandboxesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opencopilot_sandboxes_created_total",
				Help: "Sandbox containers created, by base image type",
			},
			[]string{"image_type"},
		),
		AuditEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "opencopilot_audit_entries_total",
				Help: "Audit log entries stored",
			},
		),
	}

	reg.MustRegister(
		m.JobsDispatched,
		m.JobsDeduped,
		m.JobsCompleted,
		m.JobRetries,
		m.JobDuration,
		m.QueueDepth,
		m.WorkersBusy,
		m.StepsExecuted,
		m.SandboxesActive,
		m.SandboxesCreated,
		m.AuditEntries,
	)
	return m
}

// Handler returns the Prometheus scrape handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
