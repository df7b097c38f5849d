package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stop paths recorded by IncStop.
const (
	PathNoProcess = "no_process"
	PathAlready   = "already_stopped"
	PathGraceful  = "graceful"
	PathForced    = "forced"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerSetups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multiproc",
			Subsystem: "worker",
			Name:      "setups_total",
			Help:      "Number of worker descriptors built by SetUp.",
		}, []string{"name"},
	)
	workerSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multiproc",
			Subsystem: "worker",
			Name:      "skipped_total",
			Help:      "Number of SetUp calls short-circuited by a test flag.",
		}, []string{"name", "flag"},
	)
	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multiproc",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker process starts.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "multiproc",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of stop calls by the path that completed them.",
		}, []string{"name", "path"},
	)
	workerStopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "multiproc",
			Subsystem: "worker",
			Name:      "stop_duration_seconds",
			Help:      "Wall-clock time spent inside Stop.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"name"},
	)
	runningWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "multiproc",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Worker processes started and not yet reaped.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerSetups, workerSkips, workerStarts, workerStops, workerStopDuration, runningWorkers}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSetUp(name string) {
	if regOK.Load() {
		workerSetups.WithLabelValues(name).Inc()
	}
}

func IncSkip(name, flag string) {
	if regOK.Load() {
		workerSkips.WithLabelValues(name, flag).Inc()
	}
}

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
		runningWorkers.Inc()
	}
}

// ObserveExit marks a started worker as reaped.
func ObserveExit() {
	if regOK.Load() {
		runningWorkers.Dec()
	}
}

func IncStop(name, path string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name, path).Inc()
	}
}

func ObserveStopDuration(name string, seconds float64) {
	if regOK.Load() {
		workerStopDuration.WithLabelValues(name).Observe(seconds)
	}
}
