package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CompletionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotask_completion_outcomes_total",
		Help: "Completion attempts by outcome",
	}, []string{"outcome"})

	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotask_assignments_total",
		Help: "Assignment attempts by result",
	}, []string{"result"})

	GatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geotask_gateway_call_duration_seconds",
		Help:    "Payment gateway call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "result"})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotask_escrow_transitions_total",
		Help: "Escrow status changes by target status",
	}, []string{"to"})

	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotask_jobs_created_total",
		Help: "Total number of jobs posted",
	})
)
