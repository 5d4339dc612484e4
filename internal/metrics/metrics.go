// Package metrics counts download outcomes in Prometheus format and writes
// them to a textfile for a node-exporter style collector.
package metrics

import (
	"fmt"
	"time"

	"go-bookshelf-download/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookshelf"

// Outcome statuses used as the status label.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Recorder holds the run's metrics on a private registry. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	downloadsTotal  *prometheus.CounterVec
	entriesScanned  prometheus.Gauge
	transferSeconds *prometheus.HistogramVec
}

// New creates a Recorder with its metrics registered.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Download attempts by format and status.",
		},
		[]string{"format", "status"},
	)
	r.entriesScanned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "entries_scanned",
		Help:      "Catalog entries found by the last scan.",
	})
	// Transfers range from a few seconds to several minutes.
	r.transferSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_seconds",
			Help:      "Time from click to saved file.",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"format"},
	)

	r.registry.MustRegister(r.downloadsTotal, r.entriesScanned, r.transferSeconds)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// SetScanned records the number of catalog entries.
func (r *Recorder) SetScanned(n int) {
	if r == nil {
		return
	}
	r.entriesScanned.Set(float64(n))
}

// ObserveOutcome counts one outcome.
func (r *Recorder) ObserveOutcome(o models.DownloadOutcome) {
	if r == nil {
		return
	}
	r.downloadsTotal.WithLabelValues(string(o.Format), Status(o)).Inc()
}

// ObserveTransfer records the duration of a completed transfer.
func (r *Recorder) ObserveTransfer(format models.Format, d time.Duration) {
	if r == nil {
		return
	}
	r.transferSeconds.WithLabelValues(string(format)).Observe(d.Seconds())
}

// WriteTextfile writes every metric to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}

// Status maps an outcome onto the status label.
func Status(o models.DownloadOutcome) string {
	switch {
	case o.Success && o.Skipped:
		return StatusSkipped
	case o.Success:
		return StatusSuccess
	}
	return StatusFailed
}
