// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "racejob"

var (
	// ServerInfo carries static build information.
	ServerInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Static information about the running scheduler.",
	}, []string{"version", "store"})

	// RacesTotal counts compete attempts by result (won, lost).
	RacesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "races_total",
		Help:      "Compete attempts against the store, by result.",
	}, []string{"instance", "result"})

	// ReleasesTotal counts stale locks forcibly released.
	ReleasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "releases_total",
		Help:      "Stale EXECUTING rows released after a missed heartbeat.",
	}, []string{"instance"})

	// ExecutionsTotal counts handler invocations by outcome (success, error).
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Handler invocations, by outcome.",
	}, []string{"instance", "outcome"})

	// ExecutingJobs is the number of execution attempts in flight.
	ExecutingJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executing_jobs",
		Help:      "Execution attempts currently in flight in this process.",
	}, []string{"instance"})

	// ThrottleSeconds observes the delay applied before an execution attempt.
	ThrottleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "throttle_seconds",
		Help:      "Back-pressure delay applied before execution attempts.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"instance"})

	// EventsTotal counts cluster events by type and direction (in, out).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Cluster events sent and received.",
	}, []string{"instance", "type", "direction"})
)

var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ServerInfo,
			RacesTotal,
			ReleasesTotal,
			ExecutionsTotal,
			ExecutingJobs,
			ThrottleSeconds,
			EventsTotal,
		)
	})
}

func init() {
	register()
}

// Init records static server information.
func Init(version, store string) {
	ServerInfo.WithLabelValues(version, store).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
