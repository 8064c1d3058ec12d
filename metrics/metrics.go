// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulingOperations counts Scheduler runs by originating transport
	// and outcome.
	SchedulingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skedra",
		Subsystem: "scheduler",
		Name:      "operations_total",
		Help:      "Scheduling operations by variant and outcome.",
	}, []string{"variant", "outcome"})

	// Deliveries counts per-recipient delivery results by transport.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skedra",
		Subsystem: "delivery",
		Name:      "recipients_total",
		Help:      "Per-recipient delivery results by transport and status code.",
	}, []string{"transport", "status"})

	// DeliveryDuration observes full fan-out latency per transport.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "skedra",
		Subsystem: "delivery",
		Name:      "duration_seconds",
		Help:      "Delivery fan-out duration by transport.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"transport"})

	// ImplicitMessages counts inbox-side iTIP processing by method and
	// disposition.
	ImplicitMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skedra",
		Subsystem: "implicit",
		Name:      "messages_total",
		Help:      "Implicit processor messages by method and disposition.",
	}, []string{"method", "disposition"})

	// AutoScheduleDecisions counts auto-schedule evaluator outcomes.
	AutoScheduleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skedra",
		Subsystem: "autoschedule",
		Name:      "decisions_total",
		Help:      "Auto-schedule decisions by resulting participation status.",
	}, []string{"partstat"})

	// MailTokens tracks the iMIP token store.
	MailTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skedra",
		Subsystem: "imip",
		Name:      "tokens_total",
		Help:      "Mail gateway token operations.",
	}, []string{"op"})
)
