// SPDX-License-Identifier: MIT

// Package metrics exposes the Prometheus collectors of the recording agent.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	captureSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sgr_capture_sessions_active",
		Help: "Number of capture sessions currently holding the camera",
	})

	captureSessionStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgr_capture_session_stops_total",
		Help: "Capture session stops by reason",
	}, []string{"reason"})

	chunksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgr_chunks_written_total",
		Help: "Media segments persisted to the chunk store",
	})

	chunkBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgr_chunk_bytes_total",
		Help: "Bytes of media segments persisted to the chunk store",
	})

	chunkWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgr_chunk_write_failures_total",
		Help: "Media segments that could not be persisted",
	})

	codecFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgr_encoder_codec_fallbacks_total",
		Help: "Encoder constructions that fell back to the secondary codec",
	})
)

// SessionStarted marks a capture session as holding the device.
func SessionStarted() { captureSessionsActive.Inc() }

// SessionStopped releases the device gauge and counts the stop reason.
// Reason labels are normalized to cap cardinality.
func SessionStopped(reason string) {
	captureSessionsActive.Dec()
	captureSessionStops.WithLabelValues(normalizeStopReason(reason)).Inc()
}

// ChunkWritten records one persisted segment.
func ChunkWritten(bytes int) {
	chunksWritten.Inc()
	chunkBytes.Add(float64(bytes))
}

// ChunkWriteFailed records a segment lost to a storage error.
func ChunkWriteFailed() { chunkWriteFailures.Inc() }

// CodecFallback records a fallback to the secondary codec.
func CodecFallback() { codecFallbacks.Inc() }

func normalizeStopReason(reason string) string {
	switch r := strings.ToLower(strings.TrimSpace(reason)); r {
	case "user", "disabled", "identity_changed", "max_duration", "teardown",
		"storage_error", "encoder_error", "acquisition_failed":
		return r
	default:
		return "unknown"
	}
}
