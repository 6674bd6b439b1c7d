// Package metrics holds the daemon's in-process Prometheus
// collectors. Serving them is an external concern: this package never
// starts an HTTP listener, it only registers collectors and exposes
// Gatherer() so an embedder can wire its own /metrics route if it
// wants one.
package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	regOK atomic.Bool

	runsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsari",
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Number of runs started, by job.",
		}, []string{"job"},
	)
	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dsari",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Number of runs finished, by job and whether exit_code was zero.",
		}, []string{"job", "result"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dsari",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Observed wall-clock duration of finished runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"},
	)
	scheduledRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dsari",
			Subsystem: "scheduler",
			Name:      "scheduled_runs",
			Help:      "Current size of the scheduled_runs set.",
		},
	)
	runningRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dsari",
			Subsystem: "scheduler",
			Name:      "running_runs",
			Help:      "Current size of the running_runs set.",
		},
	)
	groupOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dsari",
			Subsystem: "concurrency_group",
			Name:      "occupancy",
			Help:      "Currently-running runs occupying a concurrency group.",
		}, []string{"group"},
	)
)

// Register registers every collector with r. Safe to call more than
// once; later calls after a success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{runsStarted, runsFinished, runDuration, scheduledRuns, runningRuns, groupOccupancy}
	for _, c := range collectors {
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

// Gatherer exposes the default registry for an external embedder to
// serve; this package does not serve it itself.
func Gatherer() prometheus.Gatherer { return prometheus.DefaultGatherer }

// IncRunStarted records the start of a run of job.
func IncRunStarted(job string) {
	if regOK.Load() {
		runsStarted.WithLabelValues(job).Inc()
	}
}

// ObserveRunFinished records a finished run's outcome and duration.
func ObserveRunFinished(job string, exitCode int, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "failure"
	if exitCode == 0 {
		result = "success"
	}
	runsFinished.WithLabelValues(job, result).Inc()
	runDuration.WithLabelValues(job).Observe(seconds)
}

// SetScheduledRuns reports the current size of scheduled_runs.
func SetScheduledRuns(n int) {
	if regOK.Load() {
		scheduledRuns.Set(float64(n))
	}
}

// SetRunningRuns reports the current size of running_runs.
func SetRunningRuns(n int) {
	if regOK.Load() {
		runningRuns.Set(float64(n))
	}
}

// SetGroupOccupancy reports a concurrency group's current occupancy.
func SetGroupOccupancy(group string, n int) {
	if regOK.Load() {
		groupOccupancy.WithLabelValues(group).Set(float64(n))
	}
}
