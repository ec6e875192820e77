// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DispatchPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_dispatch_passes_total", Help: "Dispatch passes by final campaign status"},
		[]string{"status"},
	)
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_dispatch_attempts_total", Help: "Recorded delivery attempts by outcome"},
		[]string{"outcome"},
	)
	DispatchPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailcast_dispatch_pass_duration_seconds",
			Help:    "Wall time of one dispatch pass",
			Buckets: prometheus.DefBuckets,
		},
	)
	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailcast_transport_send_duration_seconds",
			Help:    "Time spent in one transport send",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	TriggersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "mailcast_triggers_pending", Help: "Armed triggers held by the scheduler"},
	)
	TriggersFired = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailcast_triggers_fired_total", Help: "Triggers handed to the task engine"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_tasks_total", Help: "Task engine runs by result"},
		[]string{"result"},
	)
	TaskQueueDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailcast_task_queue_delay_seconds",
			Help:    "Time a task waited in the engine queue",
			Buckets: prometheus.DefBuckets,
		},
	)

	AdminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailcast_admin_http_requests_total", Help: "Admin HTTP requests"},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchPasses, DispatchAttempts, DispatchPassDuration, SendDuration,
		TriggersPending, TriggersFired,
		TasksFinished, TaskQueueDelay,
		AdminRequests,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
