package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Farm metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "renderfarm_nodes_total",
			Help: "Total number of known render nodes by state and discovery type",
		},
		[]string{"state", "discovery"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderfarm_jobs_queued",
			Help: "Number of jobs waiting behind the current job",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfarm_jobs_finished_total",
			Help: "Total number of jobs that left the farm by final state",
		},
		[]string{"state"},
	)

	CurrentJobSPP = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "renderfarm_current_job_spp",
			Help: "Samples per pixel of the current job's composite film",
		},
	)

	// Film metrics
	FilmMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_film_merges_total",
			Help: "Total number of composite film merge passes",
		},
	)

	FilmMergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderfarm_film_merge_duration_seconds",
			Help:    "Time taken by one merge pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_sessions_started_total",
			Help: "Total number of node sessions started",
		},
	)

	SessionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "renderfarm_sessions_failed_total",
			Help: "Total number of node sessions that ended with an error",
		},
	)

	FilmPullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "renderfarm_film_pull_duration_seconds",
			Help:    "Time taken to pull a film from a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfarm_bytes_transferred_total",
			Help: "Total bytes moved by file transfers by direction",
		},
		[]string{"direction"},
	)

	// Discovery metrics
	DiscoveryDatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfarm_discovery_datagrams_total",
			Help: "Total beacon datagrams received by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renderfarm_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "renderfarm_api_request_duration_seconds",
			Help:    "API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(CurrentJobSPP)
	prometheus.MustRegister(FilmMergesTotal)
	prometheus.MustRegister(FilmMergeDuration)
	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(SessionsFailed)
	prometheus.MustRegister(FilmPullDuration)
	prometheus.MustRegister(BytesTransferred)
	prometheus.MustRegister(DiscoveryDatagramsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
