// Package metrics exposes Prometheus collectors for streams, the watchdog
// and the task supervisor.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	streamStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "starts_total",
			Help:      "Stream start requests by outcome.",
		}, []string{"result"},
	)
	streamStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "stops_total",
			Help:      "Stream stops by outcome.",
		}, []string{"result"},
	)
	streamRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "restarts_total",
			Help:      "Restart requests by reason.",
		}, []string{"reason"},
	)
	streamStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to feeder launch.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	requestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "request_failures_total",
			Help:      "Bus requests (start, stop, restart) that did not complete, by result kind.",
		}, []string{"op", "kind"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "state_transitions_total",
			Help:      "Pipeline state transitions.",
		}, []string{"from", "to"},
	)
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Stream runtime states seen by the last watchdog tick.",
		},
	)
	subprocessStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subprocess",
			Name:      "starts_total",
			Help:      "Launched subprocesses by kind.",
		}, []string{"kind"},
	)

	watchdogTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "ticks_total",
			Help:      "Watchdog ticks by outcome (run, overlap, rate_limited).",
		}, []string{"outcome"},
	)
	watchdogTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a full watchdog pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	watchdogFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "failures_total",
			Help:      "Detected stream failures by counter.",
		}, []string{"counter"},
	)
	zombiesReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "zombies_reaped_total",
			Help:      "Orphaned processes and containers removed.",
		}, []string{"kind"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "job_runs_total",
			Help:      "Job process launches per catalogue op.",
		}, []string{"op"},
	)
	jobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "job_failures_total",
			Help:      "Job exits with an error per catalogue op.",
		}, []string{"op"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		streamStarts, streamStops, streamRestarts, streamStartDuration, requestFailures, stateTransitions, activeStreams,
		subprocessStarts, watchdogTicks, watchdogTickDuration, watchdogFailures, zombiesReaped,
		jobRuns, jobFailures,
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeded.

func IncStart(result string) {
	if regOK.Load() {
		streamStarts.WithLabelValues(result).Inc()
	}
}

func IncStop(result string) {
	if regOK.Load() {
		streamStops.WithLabelValues(result).Inc()
	}
}

func IncRestart(reason string) {
	if regOK.Load() {
		streamRestarts.WithLabelValues(reason).Inc()
	}
}

func ObserveStartDuration(seconds float64) {
	if regOK.Load() {
		streamStartDuration.Observe(seconds)
	}
}

func IncRequestFailure(op, kind string) {
	if regOK.Load() {
		requestFailures.WithLabelValues(op, kind).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetActiveStreams(n int) {
	if regOK.Load() {
		activeStreams.Set(float64(n))
	}
}

func IncSubprocessStart(kind string) {
	if regOK.Load() {
		subprocessStarts.WithLabelValues(kind).Inc()
	}
}

func IncWatchdogTick(outcome string) {
	if regOK.Load() {
		watchdogTicks.WithLabelValues(outcome).Inc()
	}
}

func ObserveWatchdogTick(seconds float64) {
	if regOK.Load() {
		watchdogTickDuration.Observe(seconds)
	}
}

func IncWatchdogFailure(counter string) {
	if regOK.Load() {
		watchdogFailures.WithLabelValues(counter).Inc()
	}
}

func IncZombie(kind string) {
	if regOK.Load() {
		zombiesReaped.WithLabelValues(kind).Inc()
	}
}

func IncJobRun(op string) {
	if regOK.Load() {
		jobRuns.WithLabelValues(op).Inc()
	}
}

func IncJobFailure(op string) {
	if regOK.Load() {
		jobFailures.WithLabelValues(op).Inc()
	}
}
