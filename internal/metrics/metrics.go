// Package metrics exposes Prometheus counters, gauges and a histogram for the
// coordination core's bus, debounce, completion, coordinator, agent and
// recovery subsystems. The bus and debounce metrics (EventsPublished,
// EventsDelivered, EventsCancelled, DeliveryDuration, DebounceCollapsed,
// DebounceEmitted) are registered and exported, but no component updates
// them, so they always read zero.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts bus publishes by topic.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Total events published to the event bus, by topic.",
	}, []string{"topic"})

	// EventsDelivered counts successful handler deliveries.
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "bus",
		Name:      "events_delivered_total",
		Help:      "Total events delivered to subscriber handlers, by topic.",
	}, []string{"topic"})

	// EventsCancelled counts handler cancellations.
	EventsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "bus",
		Name:      "events_cancelled_total",
		Help:      "Total event deliveries halted by a handler cancellation.",
	})

	// DeliveryDuration tracks per-dispatch handler latency.
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "bus",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent invoking a single event handler.",
		Buckets:   prometheus.DefBuckets,
	})

	// DebounceCollapsed counts events collapsed by the debouncer.
	DebounceCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "debounce",
		Name:      "collapsed_total",
		Help:      "Total filesystem events collapsed into a debounced event.",
	})

	// DebounceEmitted counts debounced events emitted.
	DebounceEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "debounce",
		Name:      "emitted_total",
		Help:      "Total debounced events emitted.",
	})

	// PollAttempts counts completion poller attempts by outcome.
	PollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "completion",
		Name:      "poll_attempts_total",
		Help:      "Total completion poll attempts, by outcome (ok, error).",
	}, []string{"outcome"})

	// HandoffsByStatus tracks current handoff counts by status.
	HandoffsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "coordinator",
		Name:      "handoffs",
		Help:      "Current number of handoffs, by status.",
	}, []string{"status"})

	// AgentsByStatus tracks current agent counts by status.
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "agent",
		Name:      "agents",
		Help:      "Current number of agents, by status.",
	}, []string{"status"})

	// RecoveredAgents counts agents terminated by the recovery manager.
	RecoveredAgents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "recovery",
		Name:      "recovered_total",
		Help:      "Total agents transitioned to Terminated by crash recovery.",
	})
)
