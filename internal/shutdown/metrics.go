package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for shutdown monitoring.
var (
	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlpgate_shutdown_duration_seconds",
		Help: "Total duration of the shutdown process in seconds",
	})

	shutdownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dlpgate_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	inFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlpgate_in_flight_requests",
		Help: "Number of requests being served",
	})

	componentsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlpgate_shutdown_components_stopped_total",
		Help: "Total number of components closed during shutdown",
	})

	shutdownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dlpgate_shutdown_errors_total",
		Help: "Total number of errors during shutdown",
	})

	shutdownStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dlpgate_shutdown_start_timestamp_seconds",
		Help: "Unix timestamp when shutdown started",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseHTTPServers,
	PhaseWorkers,
	PhaseAudit,
	PhaseMetadata,
	PhaseStorage,
	PhaseComplete,
	PhaseForcedShutdown,
}

// SetShutdownDuration sets the shutdown duration metric.
func SetShutdownDuration(d time.Duration) {
	shutdownDuration.Set(d.Seconds())
}

// SetShutdownPhase marks phase as the active one.
func SetShutdownPhase(phase Phase) {
	for _, p := range allPhases {
		shutdownPhase.WithLabelValues(string(p)).Set(0)
	}

	shutdownPhase.WithLabelValues(string(phase)).Set(1)
}

// SetInFlightRequests sets the in-flight requests metric.
func SetInFlightRequests(count int64) {
	inFlightRequests.Set(float64(count))
}

// IncrementComponentsStopped increments the components stopped counter.
func IncrementComponentsStopped() {
	componentsStopped.Inc()
}

// IncrementShutdownErrors increments the shutdown errors counter.
func IncrementShutdownErrors() {
	shutdownErrors.Inc()
}

// SetShutdownStartTime sets the shutdown start timestamp.
func SetShutdownStartTime(t time.Time) {
	shutdownStartTime.Set(float64(t.Unix()))
}
