package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpilot",
			Subsystem: "run",
			Name:      "starts_total",
			Help:      "Number of successful run starts.",
		}, []string{"project", "script"},
	)
	runSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpilot",
			Subsystem: "run",
			Name:      "spawn_failures_total",
			Help:      "Number of runs whose process could not be spawned.",
		}, []string{"project", "script"},
	)
	runExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpilot",
			Subsystem: "run",
			Name:      "exits_total",
			Help:      "Number of terminated runs by terminal state.",
		}, []string{"project", "script", "state"},
	)
	stopEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpilot",
			Subsystem: "run",
			Name:      "stop_escalations_total",
			Help:      "Number of stops that escalated to a kill after the grace window.",
		}, []string{"project", "script"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpilot",
			Subsystem: "run",
			Name:      "state_transitions_total",
			Help:      "Number of run state transitions.",
		}, []string{"from", "to"},
	)
	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devpilot",
			Subsystem: "run",
			Name:      "active",
			Help:      "Current number of non-terminal runs.",
		},
	)
	workspaceActiveRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devpilot",
			Subsystem: "workspace",
			Name:      "active_runs",
			Help:      "Current number of active runs attributed to a workspace.",
		}, []string{"workspace"},
	)
	portPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "devpilot",
			Subsystem: "ports",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one port discovery cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devpilot",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Number of events dropped from slow subscriber queues.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		runStarts, runSpawnFailures, runExits, stopEscalations, stateTransitions,
		activeRuns, workspaceActiveRuns, portPollDuration, eventsDropped,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(project, script string) {
	if regOK.Load() {
		runStarts.WithLabelValues(project, script).Inc()
	}
}

func IncSpawnFailure(project, script string) {
	if regOK.Load() {
		runSpawnFailures.WithLabelValues(project, script).Inc()
	}
}

func IncExit(project, script, state string) {
	if regOK.Load() {
		runExits.WithLabelValues(project, script, state).Inc()
	}
}

func IncStopEscalation(project, script string) {
	if regOK.Load() {
		stopEscalations.WithLabelValues(project, script).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetActiveRuns(n int) {
	if regOK.Load() {
		activeRuns.Set(float64(n))
	}
}

func SetWorkspaceActiveRuns(workspace string, n int) {
	if regOK.Load() {
		workspaceActiveRuns.WithLabelValues(workspace).Set(float64(n))
	}
}

func ObservePortPoll(seconds float64) {
	if regOK.Load() {
		portPollDuration.Observe(seconds)
	}
}

func IncEventsDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}
