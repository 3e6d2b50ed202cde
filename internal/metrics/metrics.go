// Package metrics holds the Prometheus collectors shared by the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vision_agent"

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished automation runs by outcome.",
		},
		[]string{"outcome"},
	)

	RunSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_steps",
			Help:      "Loop iterations executed per run.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20, 30, 50},
		},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "1 while a run holds the registry slot.",
		},
	)

	OracleRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_requests_total",
			Help:      "Oracle calls by kind and status.",
		},
		[]string{"kind", "status"},
	)

	OracleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_request_duration_seconds",
			Help:      "Oracle call latency by kind.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"kind"},
	)

	PrimitiveCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primitive_calls_total",
			Help:      "Screen and input primitive calls by operation and status.",
		},
		[]string{"op", "status"},
	)

	TargetingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targeting_failures_total",
			Help:      "Element grounding failures by pass and status.",
		},
		[]string{"pass", "status"},
	)
)

// Status maps an error to the label used by the counters above.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
