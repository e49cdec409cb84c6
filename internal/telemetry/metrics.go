package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksSubmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_submitted_total", Help: "Tasks accepted into the queue"})
	TasksDeduped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_deduplicated_total", Help: "Submissions resolved to an existing record"})
	TasksClaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_claimed_total", Help: "Tasks handed to compute managers"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_completed_total", Help: "Tasks marked COMPLETE"})
	TasksErrored     = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_errored_total", Help: "Tasks marked ERROR"})
	TasksReset       = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_reset_total", Help: "Tasks reset back to WAITING"})
	TasksReaped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_tasks_reaped_total", Help: "Expired claims requeued by the reaper"})
	ServiceUpdates   = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_service_updates_total", Help: "Service update operations applied"})
	Heartbeats       = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_manager_heartbeats_total", Help: "Manager heartbeats recorded"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	AuthFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "lattice_auth_failures_total", Help: "Failed authentication attempts"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "lattice_queue_depth", Help: "Ready tasks across all tags and priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "lattice_tasks_inflight", Help: "Tasks currently claimed by managers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksSubmitted,
			TasksDeduped,
			TasksClaimed,
			TasksCompleted,
			TasksErrored,
			TasksReset,
			TasksReaped,
			ServiceUpdates,
			Heartbeats,
			RateLimitRejects,
			AuthFailures,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
