// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks local API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total local API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "path", "status"},
	)

	// PushEventsTotal counts decoded push events by kind.
	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_push_events_total",
			Help: "Push events received, by decoded kind",
		},
		[]string{"kind"},
	)

	// PushEventsDropped counts push events dropped during decode.
	PushEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_push_events_dropped_total",
			Help: "Push events dropped as malformed or unknown",
		},
		[]string{"reason"},
	)

	// ActiveChannels tracks channels currently subscribed.
	ActiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_active_channels",
			Help: "Number of push channels currently subscribed",
		},
	)

	// ReconcileOutcomes counts reconciler operation results.
	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_reconcile_outcomes_total",
			Help: "Reconciler operation outcomes",
		},
		[]string{"op", "outcome"},
	)

	// RefetchesTotal counts conversation refetches by result.
	RefetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_refetches_total",
			Help: "Conversation refetches triggered by cache misses",
		},
		[]string{"status"},
	)

	// CallTransitions counts call state machine transitions.
	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_call_transitions_total",
			Help: "Call state machine transitions",
		},
		[]string{"from", "to"},
	)

	// RingtoneActive is 1 while the ringtone is playing.
	RingtoneActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_ringtone_active",
			Help: "Whether the ringtone is currently playing",
		},
	)

	// PairingPolls counts pairing status polls by result.
	PairingPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_pairing_polls_total",
			Help: "Pairing session status polls",
		},
		[]string{"status"},
	)

	// PairingExchanges counts pairing credential exchanges by result.
	PairingExchanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_pairing_exchanges_total",
			Help: "Pairing credential exchanges",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordReconcile records the outcome of a reconciler operation.
func RecordReconcile(op, outcome string) {
	ReconcileOutcomes.WithLabelValues(op, outcome).Inc()
}

// RecordCallTransition records a call state change.
func RecordCallTransition(from, to string) {
	CallTransitions.WithLabelValues(from, to).Inc()
}

// SetRingtone records whether the ringtone is playing.
func SetRingtone(playing bool) {
	if playing {
		RingtoneActive.Set(1)
		return
	}
	RingtoneActive.Set(0)
}
