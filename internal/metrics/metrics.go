// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chorus"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Job lifecycle
	JobsSubmitted prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    *prometheus.CounterVec
	JobsCancelled prometheus.Counter
	JobsRejected  *prometheus.CounterVec
	JobsActive    prometheus.Gauge
	QueueDepth    prometheus.Gauge
	JobDuration   prometheus.Histogram

	// Stage execution
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec

	// Webhook delivery
	DeliveriesTotal   *prometheus.CounterVec
	DeliveryAttempts  prometheus.Histogram
	DeliveriesDropped prometheus.Counter
}

// New creates all metrics against the given registerer. Tests pass a fresh
// registry so parallel packages do not collide on metric names.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs admitted to the queue",
		}),
		JobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Total number of jobs that completed successfully",
		}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed jobs by error kind",
		}, []string{"kind"}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled before dispatch",
		}),
		JobsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected before enqueue",
		}, []string{"reason"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Number of jobs currently held by workers",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting for a worker slot",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "End-to-end job processing duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		StageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Total number of stage failures by stage and error kind",
		}, []string{"stage", "kind"}),

		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries by outcome",
		}, []string{"outcome"}),
		DeliveryAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_attempts",
			Help:      "HTTP attempts per webhook delivery",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		DeliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_dropped_total",
			Help:      "Deliveries dropped because the dispatch queue was full",
		}),
	}
}

// NewDefault creates metrics against the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// RecordJobOutcome updates the lifecycle counters for a terminal job.
func (m *Metrics) RecordJobOutcome(succeeded bool, errorKind string, durationSeconds float64) {
	m.JobDuration.Observe(durationSeconds)
	if succeeded {
		m.JobsSucceeded.Inc()
		return
	}
	if errorKind == "" {
		errorKind = "StageFailed"
	}
	m.JobsFailed.WithLabelValues(errorKind).Inc()
}

// RecordStage updates stage counters for one stage execution.
func (m *Metrics) RecordStage(stage string, durationSeconds float64, errorKind string) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if errorKind != "" {
		m.StageErrors.WithLabelValues(stage, errorKind).Inc()
	}
}

// RecordDelivery updates webhook counters for one completed delivery.
func (m *Metrics) RecordDelivery(delivered bool, attempts int) {
	outcome := "delivered"
	if !delivered {
		outcome = "failed"
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	m.DeliveryAttempts.Observe(float64(attempts))
}
