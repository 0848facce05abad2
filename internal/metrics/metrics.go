// Package metrics exposes Prometheus collectors for the compositing and
// delivery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_frames"

var (
	normalizedBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "normalizer",
		Name:      "bytes",
		Help:      "Photo size before and after normalization.",
		Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 10),
	}, []string{"stage"})

	normalizeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "normalizer",
		Name:      "rejected_total",
		Help:      "Photos rejected by the normalizer, by reason.",
	}, []string{"reason"})

	composites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "composites_total",
		Help:      "Composite outcomes by source (local, fallback, failed).",
	}, []string{"source"})

	uploadAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload_queue",
		Name:      "attempts_total",
		Help:      "Upload attempts made against object storage.",
	})

	uploadOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upload_queue",
		Name:      "outcomes_total",
		Help:      "Terminal upload outcomes.",
	}, []string{"status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "upload_queue",
		Name:      "depth",
		Help:      "Tasks currently held by the upload queue.",
	})

	online = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connectivity",
		Name:      "online",
		Help:      "1 when object storage is reachable.",
	})
)

// ObserveNormalized records the byte sizes seen by the normalizer.
func ObserveNormalized(before, after int) {
	normalizedBytes.WithLabelValues("before").Observe(float64(before))
	normalizedBytes.WithLabelValues("after").Observe(float64(after))
}

// NormalizeRejected counts a rejected photo.
func NormalizeRejected(reason string) {
	normalizeRejected.WithLabelValues(reason).Inc()
}

// CompositeProduced counts a composite outcome.
func CompositeProduced(source string) {
	composites.WithLabelValues(source).Inc()
}

// UploadAttempt counts a single storage put.
func UploadAttempt() {
	uploadAttempts.Inc()
}

// UploadFinished counts a terminal upload state.
func UploadFinished(status string) {
	uploadOutcomes.WithLabelValues(status).Inc()
}

// QueueDepth sets the number of queued tasks.
func QueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// Online sets the connectivity gauge.
func Online(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}
