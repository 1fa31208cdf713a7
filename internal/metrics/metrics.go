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

	ensureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgdesk",
			Subsystem: "ensure",
			Name:      "total",
			Help:      "Ensure calls by outcome (ready or an error kind).",
		}, []string{"outcome"},
	)
	ensureDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pgdesk",
			Subsystem: "ensure",
			Name:      "duration_seconds",
			Help:      "Wall time of ensure calls that did real work.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgdesk",
			Subsystem: "ensure",
			Name:      "state_transitions_total",
			Help:      "Orchestrator state transitions.",
		}, []string{"from", "to"},
	)
	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgdesk",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Server start attempts by result: spawned, adopted, failed.",
		}, []string{"result"},
	)
	serverStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pgdesk",
			Subsystem: "server",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the server accepted our connection.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stopSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pgdesk",
			Subsystem: "server",
			Name:      "stop_steps_total",
			Help:      "Stop ladder steps taken: graceful, immediate, kill.",
		}, []string{"step"},
	)
	serverRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pgdesk",
			Subsystem: "server",
			Name:      "running",
			Help:      "1 when the last status probe found the server running.",
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
		ensureTotal, ensureDuration, stateTransitions,
		serverStarts, serverStartDuration, stopSteps, serverRunning,
		serverCPUPercent, serverMemoryMB,
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

// HandlerFor serves a specific gatherer, used with a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEnsure(outcome string) {
	if regOK.Load() {
		ensureTotal.WithLabelValues(outcome).Inc()
	}
}

func ObserveEnsureDuration(seconds float64) {
	if regOK.Load() {
		ensureDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncServerStart(result string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(result).Inc()
	}
}

func ObserveServerStartDuration(seconds float64) {
	if regOK.Load() {
		serverStartDuration.Observe(seconds)
	}
}

func IncStopStep(step string) {
	if regOK.Load() {
		stopSteps.WithLabelValues(step).Inc()
	}
}

func SetServerRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		serverRunning.Set(v)
	}
}
