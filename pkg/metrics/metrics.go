package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	WaitingJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairedge_waiting_jobs",
			Help: "Number of jobs in the waiting queue",
		},
	)

	RunningContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fairedge_running_containers",
			Help: "Number of running job containers",
		},
	)

	JobsRefused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairedge_jobs_refused_total",
			Help: "Total number of job requests refused",
		},
	)

	// Dispatch metrics
	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairedge_jobs_dispatched_total",
			Help: "Total number of jobs dispatched by priority",
		},
		[]string{"priority"},
	)

	DispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairedge_dispatch_failures_total",
			Help: "Total number of jobs abandoned after the dispatch retry ladder",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fairedge_dispatch_duration_seconds",
			Help:    "Time taken to dispatch one job in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Termination metrics
	JobsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fairedge_jobs_terminated_total",
			Help: "Total number of containers terminated by reason",
		},
		[]string{"reason"},
	)

	IdleContainersDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairedge_idle_containers_total",
			Help: "Total number of containers found idle by the monitor",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WaitingJobs)
	prometheus.MustRegister(RunningContainers)
	prometheus.MustRegister(JobsRefused)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(DispatchFailures)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(JobsTerminated)
	prometheus.MustRegister(IdleContainersDetected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
