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

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server process spawns.",
		}, []string{"server"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"server"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops, labelled by how the process ended.",
		}, []string{"server", "mode"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits with a non-clean exit code.",
		}, []string{"server"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn to ONLINE.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"server"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	serverCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the server process.",
		}, []string{"server"},
	)
	serverMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gamevisor",
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the server process.",
		}, []string{"server"},
	)

	lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gamevisor",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a server lock.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)
	lockTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Lock acquisitions abandoned after the wait bound.",
		}, []string{"op"},
	)
	lockForced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "lock",
			Name:      "force_releases_total",
			Help:      "Locks released because the holder exceeded the hold ceiling.",
		}, []string{"op"},
	)

	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "backup",
			Name:      "operations_total",
			Help:      "Backup engine operations by kind and result.",
		}, []string{"op", "result"},
	)
	backupBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "backup",
			Name:      "written_bytes_total",
			Help:      "Compressed archive bytes written.",
		},
	)

	scheduleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Schedule firings by command and result (ok, error, skipped).",
		}, []string{"command", "result"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamevisor",
			Subsystem: "event",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}, []string{"topic"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverRestarts, serverStops, serverCrashes, startDuration,
		stateTransitions, currentStates, serverCPU, serverMemory,
		lockWait, lockTimeouts, lockForced,
		backups, backupBytes, scheduleRuns, eventsDropped,
	}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(server string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(server).Inc()
	}
}
func IncRestart(server string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(server).Inc()
	}
}
func IncStop(server, mode string) {
	if regOK.Load() {
		serverStops.WithLabelValues(server, mode).Inc()
	}
}
func IncCrash(server string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(server).Inc()
	}
}
func ObserveStartDuration(server string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(server).Observe(seconds)
	}
}

func RecordStateTransition(server, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(server, from, to).Inc()
	}
}

func SetCurrentState(server, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(server, state).Set(value)
	}
}

func SetResourceUsage(server string, cpuPercent float64, rss uint64) {
	if regOK.Load() {
		serverCPU.WithLabelValues(server).Set(cpuPercent)
		serverMemory.WithLabelValues(server).Set(float64(rss))
	}
}

// ForgetServer drops every per-server series, used when a server is deleted.
func ForgetServer(server string) {
	if !regOK.Load() {
		return
	}
	serverCPU.DeleteLabelValues(server)
	serverMemory.DeleteLabelValues(server)
	for _, vec := range []*prometheus.CounterVec{serverStarts, serverRestarts, serverCrashes} {
		vec.DeleteLabelValues(server)
	}
	startDuration.DeleteLabelValues(server)
	currentStates.DeletePartialMatch(prometheus.Labels{"server": server})
	stateTransitions.DeletePartialMatch(prometheus.Labels{"server": server})
	serverStops.DeletePartialMatch(prometheus.Labels{"server": server})
}

func ObserveLockWait(op string, seconds float64) {
	if regOK.Load() {
		lockWait.WithLabelValues(op).Observe(seconds)
	}
}
func IncLockTimeout(op string) {
	if regOK.Load() {
		lockTimeouts.WithLabelValues(op).Inc()
	}
}
func IncLockForceRelease(op string) {
	if regOK.Load() {
		lockForced.WithLabelValues(op).Inc()
	}
}

func IncBackup(op, result string) {
	if regOK.Load() {
		backups.WithLabelValues(op, result).Inc()
	}
}
func AddBackupBytes(n int64) {
	if regOK.Load() && n > 0 {
		backupBytes.Add(float64(n))
	}
}

func IncScheduleRun(command, result string) {
	if regOK.Load() {
		scheduleRuns.WithLabelValues(command, result).Inc()
	}
}

func IncEventDropped(topic string) {
	if regOK.Load() {
		eventsDropped.WithLabelValues(topic).Inc()
	}
}
