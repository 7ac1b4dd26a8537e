// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgr_uploads_total",
		Help: "Video uploads by result (success, error, missing_chunks)",
	}, []string{"result"})

	uploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sgr_upload_duration_seconds",
		Help:    "Time spent assembling, repairing and uploading one video",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	videosNotUploaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sgr_videos_not_uploaded",
		Help: "Queue entries whose status is not success",
	})

	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgr_archive_failures_total",
		Help: "Best-effort archive copies that failed",
	})
)

// ObserveUpload records the outcome and duration of one upload attempt.
func ObserveUpload(result string, d time.Duration) {
	switch result {
	case "success", "error", "missing_chunks":
	default:
		result = "error"
	}
	uploadsTotal.WithLabelValues(result).Inc()
	uploadDuration.Observe(d.Seconds())
}

// SetNotUploaded publishes the reminder badge count.
func SetNotUploaded(n int) { videosNotUploaded.Set(float64(n)) }

// ArchiveFailed records a failed archive copy.
func ArchiveFailed() { archiveFailures.Inc() }
