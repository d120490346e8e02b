package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics tracks the upload and read surfaces.
type GatewayMetrics struct {
	// ActiveUploads tracks upload sessions currently in the GC index.
	ActiveUploads prometheus.Gauge

	// ChunksReceived counts chunk writes by result.
	// Labels: result=[ok, replay, hash_mismatch, size_mismatch, too_large,
	//                 in_progress]
	ChunksReceived *prometheus.CounterVec

	// Finalizations counts finalize outcomes.
	// Labels: result=[completed, replayed, failed, conflict]
	Finalizations *prometheus.CounterVec

	// FinalizeDuration tracks the full finalize protocol duration.
	FinalizeDuration prometheus.Histogram

	// ReadSegments counts upstream segment fetches by result.
	// Labels: result=[ok, failover, error]
	ReadSegments *prometheus.CounterVec

	// ReadBytes counts bytes streamed to clients.
	ReadBytes prometheus.Counter

	// ReapedUploads counts sessions purged by the reaper by reason.
	// Labels: reason=[expired, canceled, failed, completed_residue]
	ReapedUploads *prometheus.CounterVec
}

var (
	gatewayMetricsOnce     sync.Once
	gatewayMetricsInstance *GatewayMetrics
)

// NewGatewayMetrics creates and registers the gateway metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used.
func NewGatewayMetrics(registerer prometheus.Registerer) *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &GatewayMetrics{
			ActiveUploads: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "floe_active_uploads",
					Help: "Upload sessions currently tracked for collection",
				},
			),
			ChunksReceived: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "floe_chunks_received_total",
					Help: "Total chunk writes by result",
				},
				[]string{"result"},
			),
			Finalizations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "floe_finalizations_total",
					Help: "Total finalize operations by result",
				},
				[]string{"result"},
			),
			FinalizeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "floe_finalize_duration_seconds",
					Help:    "Finalize protocol duration from accept to commit",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
				},
			),
			ReadSegments: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "floe_read_segments_total",
					Help: "Total upstream segment fetches by result",
				},
				[]string{"result"},
			),
			ReadBytes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "floe_read_bytes_total",
					Help: "Total bytes streamed to read clients",
				},
			),
			ReapedUploads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "floe_reaped_uploads_total",
					Help: "Total upload sessions purged by the reaper by reason",
				},
				[]string{"reason"},
			),
		}

		registerer.MustRegister(
			m.ActiveUploads,
			m.ChunksReceived,
			m.Finalizations,
			m.FinalizeDuration,
			m.ReadSegments,
			m.ReadBytes,
			m.ReapedUploads,
		)

		gatewayMetricsInstance = m
	})

	return gatewayMetricsInstance
}

// RecordChunk records a chunk write result.
func (m *GatewayMetrics) RecordChunk(result string) {
	if m == nil {
		return
	}
	m.ChunksReceived.WithLabelValues(result).Inc()
}

// RecordFinalize records a finalize outcome with its duration.
func (m *GatewayMetrics) RecordFinalize(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(result).Inc()
	m.FinalizeDuration.Observe(duration.Seconds())
}

// RecordSegment records an upstream read segment result.
func (m *GatewayMetrics) RecordSegment(result string) {
	if m == nil {
		return
	}
	m.ReadSegments.WithLabelValues(result).Inc()
}

// AddReadBytes adds streamed byte volume.
func (m *GatewayMetrics) AddReadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ReadBytes.Add(float64(n))
}

// RecordReaped records a purged session by reason.
func (m *GatewayMetrics) RecordReaped(reason string) {
	if m == nil {
		return
	}
	m.ReapedUploads.WithLabelValues(reason).Inc()
}

// SetActiveUploads sets the active upload gauge.
func (m *GatewayMetrics) SetActiveUploads(n int64) {
	if m == nil {
		return
	}
	m.ActiveUploads.Set(float64(n))
}
