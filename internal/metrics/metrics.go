// Package metrics provides Prometheus instrumentation for work queues and
// the executors draining them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leejennwah/workqueue/internal/queue"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	WorkEnqueuedTotal *prometheus.CounterVec
	WorkSuccessTotal  *prometheus.CounterVec
	WorkFailedTotal   *prometheus.CounterVec
	WorkRetriedTotal  *prometheus.CounterVec
	WorkLatency       *prometheus.HistogramVec
	WorkerBusy        *prometheus.GaugeVec

	QueueActive      *prometheus.GaugeVec
	QueueScheduled   *prometheus.GaugeVec
	QueueRunning     *prometheus.GaugeVec
	QueueCompleted   *prometheus.GaugeVec
	QueueCanceled    *prometheus.GaugeVec
	QueueRescheduled *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkEnqueuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "work_enqueued_total",
			Help: "Total number of work items put on a queue, partitioned by queue and type.",
		}, []string{"queue", "type"}),

		WorkSuccessTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "work_success_total",
			Help: "Total number of work items completed successfully.",
		}, []string{"queue"}),

		WorkFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "work_failed_total",
			Help: "Total number of work items that permanently failed.",
		}, []string{"queue"}),

		WorkRetriedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "work_retried_total",
			Help: "Total number of failed work items put back for another attempt.",
		}, []string{"queue"}),

		WorkLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "work_latency_seconds",
			Help:    "Time from work start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"queue"}),

		WorkerBusy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_busy",
			Help: "Whether the worker is currently processing work (1=busy, 0=idle).",
		}, []string{"worker_id"}),

		QueueActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_active",
			Help: "Whether retrieval from the queue is enabled (1=active, 0=paused).",
		}, []string{"queue"}),

		QueueScheduled: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_scheduled",
			Help: "Current number of pending work items in the queue backend.",
		}, []string{"queue"}),

		QueueRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_running",
			Help: "Current number of running work items reported by the backend.",
		}, []string{"queue"}),

		QueueCompleted: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_completed",
			Help: "Number of completed work items reported by the backend.",
		}, []string{"queue"}),

		QueueCanceled: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_canceled",
			Help: "Number of canceled work items reported by the backend.",
		}, []string{"queue"}),

		QueueRescheduled: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_rescheduled",
			Help: "Number of work items handed back because the queue paused mid-retrieval.",
		}, []string{"queue"}),
	}
}

// ObserveQueue copies a queue snapshot into the queue gauges.
func (m *Metrics) ObserveQueue(snap queue.Metrics, active bool) {
	id := snap.QueueID
	if active {
		m.QueueActive.WithLabelValues(id).Set(1)
	} else {
		m.QueueActive.WithLabelValues(id).Set(0)
	}
	m.QueueScheduled.WithLabelValues(id).Set(float64(snap.Scheduled))
	m.QueueRunning.WithLabelValues(id).Set(float64(snap.Running))
	m.QueueCompleted.WithLabelValues(id).Set(float64(snap.Completed))
	m.QueueCanceled.WithLabelValues(id).Set(float64(snap.Canceled))
	m.QueueRescheduled.WithLabelValues(id).Set(float64(snap.Rescheduled))
}
