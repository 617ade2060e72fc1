// Package metrics holds the private prometheus registry and the counters
// instrumenting the scheduler kernel, the task engine and the outbound queue.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var registry = prometheus.NewRegistry()

// GetRegistry returns the process-wide metrics registry.
func GetRegistry() *prometheus.Registry {
	return registry
}

var (
	SchedulerTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otto_scheduler_ticks_total",
		Help: "Scheduler kernel ticks executed.",
	})
	SchedulerClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otto_scheduler_claims_total",
		Help: "Jobs claimed by the scheduler kernel.",
	})
	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otto_runs_finished_total",
		Help: "Job runs finished, labelled by run status.",
	}, []string{"status"})
	OutboundDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otto_outbound_delivered_total",
		Help: "Outbound messages delivered to the transport.",
	})
	OutboundRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otto_outbound_retried_total",
		Help: "Outbound delivery attempts scheduled for retry.",
	})
	OutboundSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otto_outbound_suppressed_total",
		Help: "Outbound messages held by notification policy.",
	})
)

func init() {
	registry.MustRegister(
		SchedulerTicks,
		SchedulerClaims,
		RunsFinished,
		OutboundDelivered,
		OutboundRetried,
		OutboundSuppressed,
	)
}
