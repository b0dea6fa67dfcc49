// Package metrics exposes Prometheus collectors for the orchestration
// server: queue depth, lock contention, event fan-out, and webhook
// delivery outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics.
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskorch_tasks_by_status",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskorch_queue_depth",
			Help: "Number of tasks currently ready to run (dependencies satisfied, not yet dispatched)",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskorch_tasks_enqueued_total",
			Help: "Total number of tasks registered onto the queue",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	// Lock metrics.
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"outcome"}, // acquired, contended
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskorch_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a contended lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskorch_locks_held",
			Help: "Current number of held, unexpired locks",
		},
	)

	// Event publisher metrics.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_events_published_total",
			Help: "Total number of task lifecycle events published",
		},
		[]string{"event_type"},
	)

	EventDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskorch_event_dispatch_duration_seconds",
			Help:    "Time spent dispatching a published event to its handlers, broadcaster, and notifier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// WebSocket hub metrics.
	WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskorch_ws_connections_active",
			Help: "Current number of open WebSocket connections",
		},
	)

	WSMessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_ws_messages_sent_total",
			Help: "Total number of messages broadcast over WebSocket connections",
		},
		[]string{"type"},
	)

	// Webhook delivery metrics.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by service and outcome",
		},
		[]string{"service", "outcome"}, // outcome: success, failure
	)

	WebhookDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskorch_webhook_delivery_duration_seconds",
			Help:    "Time spent delivering a webhook, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	WebhookRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskorch_webhook_retries_total",
			Help: "Total number of webhook delivery retry attempts",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksByStatus,
		QueueDepth,
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		LockAcquisitionsTotal,
		LockWaitDuration,
		LocksHeld,
		EventsPublishedTotal,
		EventDispatchDuration,
		WSConnectionsActive,
		WSMessagesSentTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		WebhookRetriesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
