// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sgr_notifications_dropped_total",
		Help: "Events dropped because a subscriber was not keeping up",
	})

	eventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sgr_event_subscribers",
		Help: "Active event stream subscribers",
	})
)

// NotificationDropped records one event a slow subscriber missed.
func NotificationDropped() { notificationsDropped.Inc() }

// SetEventSubscribers publishes the number of live subscriptions.
func SetEventSubscribers(n int) { eventSubscribers.Set(float64(n)) }
