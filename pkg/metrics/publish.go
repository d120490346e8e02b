// Package metrics defines the Prometheus instrumentation for the gateway.
//
// All metrics use the "floe_" prefix. Constructors are idempotent and
// methods handle nil receivers gracefully, so a nil metrics struct acts
// as a no-op when metrics are disabled.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PublishMetrics tracks publish-coordinator activity against the blob
// store.
//
// Metrics tracked:
//   - Publish attempts by outcome classification
//   - Retries
//   - Publish duration
//   - In-flight publishes (gauge, bounded by the coordinator semaphore)
//   - Queue wait before admission
type PublishMetrics struct {
	// Attempts counts publish attempts by final outcome.
	// Labels: outcome=[success, auth_failed, rate_limited, client_error,
	//                  server_error, timeout, network_error,
	//                  invalid_response, unknown_error]
	Attempts *prometheus.CounterVec

	// Retries counts retried publish attempts.
	Retries prometheus.Counter

	// Duration tracks end-to-end publish time including retries.
	Duration prometheus.Histogram

	// InFlight tracks publishes currently holding a semaphore slot.
	InFlight prometheus.Gauge

	// QueueWait tracks time spent waiting for semaphore admission.
	QueueWait prometheus.Histogram
}

var (
	publishMetricsOnce     sync.Once
	publishMetricsInstance *PublishMetrics
)

// NewPublishMetrics creates and registers publish metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewPublishMetrics(registerer prometheus.Registerer) *PublishMetrics {
	publishMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &PublishMetrics{
			Attempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "floe_publish_attempts_total",
					Help: "Total blob publish attempts by outcome",
				},
				[]string{"outcome"},
			),
			Retries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "floe_publish_retries_total",
					Help: "Total retried blob publish attempts",
				},
			),
			Duration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "floe_publish_duration_seconds",
					Help:    "Blob publish duration including retries",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			InFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "floe_publish_in_flight",
					Help: "Publishes currently holding a concurrency slot",
				},
			),
			QueueWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "floe_publish_queue_wait_seconds",
					Help:    "Time publishes wait for concurrency admission",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		registerer.MustRegister(
			m.Attempts,
			m.Retries,
			m.Duration,
			m.InFlight,
			m.QueueWait,
		)

		publishMetricsInstance = m
	})

	return publishMetricsInstance
}

// RecordAttempt records a completed publish attempt with its outcome.
func (m *PublishMetrics) RecordAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
	m.Duration.Observe(duration.Seconds())
}

// RecordRetry records one retried attempt.
func (m *PublishMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// RecordAdmission records queue wait and marks the publish in flight.
// The returned func releases the in-flight gauge.
func (m *PublishMetrics) RecordAdmission(wait time.Duration) func() {
	if m == nil {
		return func() {}
	}
	m.QueueWait.Observe(wait.Seconds())
	m.InFlight.Inc()
	return func() { m.InFlight.Dec() }
}
