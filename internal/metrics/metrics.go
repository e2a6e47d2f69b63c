// Package metrics holds the Prometheus collectors of the dispatch schedulers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_broadcasts_total",
		Help: "Task offers published to delegates",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_broadcast_failures_total",
		Help: "Task offers that could not be published",
	})

	Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_cas_conflicts_total",
		Help: "Conditional writes lost to a concurrent writer",
	}, []string{"component"})

	Reaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_reaped_total",
		Help: "Tasks force-terminated or removed by the reaper",
	}, []string{"reason"})

	DelegatesDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_delegates_disconnected_total",
		Help: "Delegates flagged disconnected",
	})

	AlertsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_alerts_opened_total",
		Help: "Alerts raised",
	}, []string{"type"})

	AlertsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_alerts_closed_total",
		Help: "Alerts resolved",
	}, []string{"type"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_iterator_pass_duration_seconds",
		Help:    "Time taken by one iterator pass over all items",
		Buckets: prometheus.DefBuckets,
	}, []string{"iterator"})

	ItemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_iterator_item_errors_total",
		Help: "Items whose handling failed during an iterator pass",
	}, []string{"iterator"})
)

// Reap reasons.
const (
	ReasonExpired           = "expired"
	ReasonStartedTimeout    = "started_timeout"
	ReasonValidationTimeout = "validation_timeout"
	ReasonCorrupted         = "corrupted"
	ReasonPurged            = "purged"
	ReasonDisconnected      = "delegate_disconnected"
)
