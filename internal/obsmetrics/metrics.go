// Package obsmetrics holds the process-wide prometheus collectors shared by
// the rate limiter, eviction sweep, supervised tasks and request gate
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RateLimiterAcquireTotal counts acquire() outcomes by result (allowed|denied)
var RateLimiterAcquireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimiter_acquire_total",
		Help: "Token bucket acquire() calls by outcome",
	},
	[]string{"result"},
)

// EvictionAllowed is the last allowedToEvict() result from the registry sweep
var EvictionAllowed = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "eviction_allowed",
		Help: "Instances the last eviction sweep was permitted to expire",
	},
)

// SupervisorTaskRunsTotal counts supervised task ticks by outcome
var SupervisorTaskRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "supervisor_task_runs_total",
		Help: "Supervised task ticks by outcome (success|timeout|rejected|error)",
	},
	[]string{"task", "outcome"},
)

// SupervisorTaskDelayMs is the current reschedule delay per supervised task
var SupervisorTaskDelayMs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "supervisor_task_delay_ms",
		Help: "Current reschedule delay of a supervised task in milliseconds",
	},
	[]string{"task"},
)

// GateOverloadCandidatesTotal counts requests that would have been rejected
// had enforcement been on, by request class
var GateOverloadCandidatesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_overload_candidates_total",
		Help: "Requests that failed the rate check while enforcement was disabled",
	},
	[]string{"class"},
)

// GateRejectedTotal counts requests the gate actually dropped with 503
var GateRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gate_rejected_total",
		Help: "Requests rejected by the request gate",
	},
	[]string{"class"},
)

// Registry is the collector registry used by the process; callers mount it
// behind /debug/metrics or similar
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RateLimiterAcquireTotal,
		EvictionAllowed,
		SupervisorTaskRunsTotal,
		SupervisorTaskDelayMs,
		GateOverloadCandidatesTotal,
		GateRejectedTotal,
	)
}

// UnregisterTask drops the per-task label series for a cancelled supervised
// task so its metrics stop reporting stale values
func UnregisterTask(name string) {
	SupervisorTaskDelayMs.DeleteLabelValues(name)
	SupervisorTaskRunsTotal.DeletePartialMatch(prometheus.Labels{"task": name})
}
