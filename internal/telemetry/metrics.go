package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ConnectionsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "printlog_connections", Help: "Printer connections by state"}, []string{"state"})
	ReconnectAttempts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "printlog_reconnect_attempts_total", Help: "Reconnect attempts across all printers"})
	ReconnectGiveUps   = prometheus.NewCounter(prometheus.CounterOpts{Name: "printlog_reconnect_giveups_total", Help: "Connections abandoned after exhausting reconnect attempts"})
	EventsReceived     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "printlog_events_received_total", Help: "Controller notifications by method"}, []string{"method"})
	ReconcileErrors    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "printlog_reconcile_errors_total", Help: "Events that failed to reconcile"}, []string{"kind"})
	JobsDemoted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "printlog_jobs_demoted_total", Help: "Open jobs demoted to cancelled"})
	JobsMerged         = prometheus.NewCounter(prometheus.CounterOpts{Name: "printlog_jobs_merged_total", Help: "Synthetic duplicates collapsed into an authoritative job"})
	ImportOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "printlog_import_entries_total", Help: "History entries by import outcome"}, []string{"outcome"})

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Total enqueued import tasks"}, []string{"type"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"}, []string{"type"})
	WorkerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that failed and will retry"}, []string{"type"})
	WorkerDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to DLQ"}, []string{"type"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ConnectionsByState,
			ReconnectAttempts,
			ReconnectGiveUps,
			EventsReceived,
			ReconcileErrors,
			JobsDemoted,
			JobsMerged,
			ImportOutcomes,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
