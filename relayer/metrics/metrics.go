// Package metrics holds the relayer's prometheus collectors. Collectors work
// unregistered, so packages record into them freely and only the process
// entrypoint registers them.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dhrelay"

var (
	EventsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "events_observed_total",
		Help:      "Intent logs observed on an origin chain before finality.",
	}, []string{"chain", "kind"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "events_dropped_total",
		Help:      "Observations discarded because their transaction left its recorded position.",
	}, []string{"chain"})

	EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "events_final_total",
		Help:      "Observations that reached finality and were handed downstream.",
	}, []string{"chain"})

	WatcherHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "watcher",
		Name:      "healthy",
		Help:      "1 when the chain watcher polled successfully within its health window.",
	}, []string{"chain"})

	EventsAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dedup",
		Name:      "events_total",
		Help:      "Admission decisions by result (accepted, duplicate).",
	}, []string{"chain", "result"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Job handler outcomes (completed, retried, dead, interrupted).",
	}, []string{"type", "outcome"})

	QueueHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "healthy",
		Help:      "1 while the job store is reachable.",
	})

	RequestTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Request status transitions by request type and target status.",
	}, []string{"request", "status"})

	Compensations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "compensations_total",
		Help:      "markFailed writeback attempts by result.",
	}, []string{"chain", "result"})

	BridgeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "bridge_failures_total",
		Help:      "Payment bridge attempts that failed after confirmation.",
	}, []string{"chain"})
)

var registerOnce sync.Once

// Register adds every collector to reg. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			EventsObserved,
			EventsDropped,
			EventsEmitted,
			WatcherHealthy,
			EventsAdmitted,
			JobsProcessed,
			QueueHealthy,
			RequestTransitions,
			Compensations,
			BridgeFailures,
		)
	})
}

// BoolGauge converts a health flag to a gauge value.
func BoolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
