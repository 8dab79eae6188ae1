// Package metrics exposes Prometheus collectors for stage transfers.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rescale/stagexfer/internal/models"
)

// Metrics holds the transfer collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FilesTotal   *prometheus.CounterVec
	BytesTotal   *prometheus.CounterVec
	PartsTotal   *prometheus.CounterVec
	PartDuration *prometheus.HistogramVec
	FileDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors under namespace (default "stagexfer").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stagexfer"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_total",
				Help:      "Files processed by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Bytes moved over the wire by successful files",
			},
			[]string{"operation"},
		),

		PartsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parts_total",
				Help:      "Multi-part chunks by operation and status",
			},
			[]string{"operation", "status"},
		),

		PartDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "part_duration_seconds",
				Help:      "Duration of one multi-part chunk transfer",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"operation"},
		),

		FileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_duration_seconds",
				Help:      "Duration of one file transfer by strategy",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
			},
			[]string{"operation", "strategy"},
		),
	}
}

// ObservePart records one resolved chunk.
func (m *Metrics) ObservePart(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PartsTotal.WithLabelValues(op, status).Inc()
	m.PartDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveFile records one finished file.
func (m *Metrics) ObserveFile(op, strategy string, outcome models.Outcome, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FilesTotal.WithLabelValues(op, outcome.String()).Inc()
	if outcome == models.Success {
		m.BytesTotal.WithLabelValues(op).Add(float64(bytes))
		m.FileDuration.WithLabelValues(op, strategy).Observe(elapsed.Seconds())
	}
}

// WriteTextfile writes the current values in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return errors.New("metrics are not enabled")
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
