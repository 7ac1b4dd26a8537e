// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgr_proc_terminate_total",
		Help: "Signals sent to ffmpeg process groups by result",
	}, []string{"signal", "result"})

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sgr_proc_wait_total",
		Help: "ffmpeg process exits observed during termination",
	}, []string{"outcome"})
)

// IncProcTerminate counts a termination signal.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait counts how a terminated process exited.
func IncProcWait(outcome string) {
	procWait.WithLabelValues(outcome).Inc()
}
