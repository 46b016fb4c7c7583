// Package metrics exposes event counters for the coordinator. Counts
// only, never content.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FencingRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "fencing_rejections_total",
		Help:      "Fenced-out write attempts.",
	})

	NonceValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "nonce_validations_total",
		Help:      "Session binding validation outcomes.",
	}, []string{"outcome"})

	MHFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "mh_failovers_total",
		Help:      "Backup-to-primary MH promotions.",
	})

	ActorRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "actor_restarts_total",
		Help:      "Meeting actor restarts after a fault.",
	})

	ActorQuarantines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "actor_quarantines_total",
		Help:      "Meeting actors quarantined after exhausting the restart budget.",
	})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "breaker_transitions_total",
		Help:      "Shared-store circuit breaker state transitions.",
	}, []string{"to"})

	MeetingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "meetings_active",
		Help:      "Meeting actors currently running on this instance.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "connections_active",
		Help:      "Attached signaling connections.",
	})

	MHNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conclave",
		Name:      "mh_nodes",
		Help:      "Registered MH nodes by health state.",
	}, []string{"state"})

	FailoversInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conclave",
		Name:      "failovers_initiated_total",
		Help:      "Coordinator takeovers triggered by an unreachability quorum.",
	})
)
