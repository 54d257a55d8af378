/*
Package metrics exposes Prometheus metrics and health endpoints for the
farm and node processes.

# Metrics

All series are registered on the default registry at init and served by
Handler:

	renderfarm_nodes_total{state, discovery}        gauge
	renderfarm_jobs_queued                          gauge
	renderfarm_jobs_finished_total{state}           counter
	renderfarm_current_job_spp                      gauge
	renderfarm_film_merges_total                    counter
	renderfarm_film_merge_duration_seconds          histogram
	renderfarm_film_pull_duration_seconds           histogram
	renderfarm_sessions_started_total               counter
	renderfarm_sessions_failed_total                counter
	renderfarm_bytes_transferred_total{direction}   counter
	renderfarm_discovery_datagrams_total{result}    counter
	renderfarm_api_requests_total{method, status}   counter
	renderfarm_api_request_duration_seconds{method} histogram

Counters and histograms are updated inline by the components that own
them. Gauges describing farm state are refreshed by a Collector that
samples a Source (the farm) on an interval:

	collector := metrics.NewCollector(f, 15*time.Second)
	collector.Start()
	defer collector.Stop()

Durations are measured with Timer:

	timer := metrics.NewTimer()
	mergeFilms()
	timer.ObserveDuration(metrics.FilmMergeDuration)

# Health

Components report their state with RegisterComponent. Farm and api are
critical by default (see SetCriticalComponents): HealthHandler answers 503
when one of them is down and reports "degraded" with 200 when only another
component is, such as discovery failing to bind its beacon port.
ReadyHandler waits until every critical component registered healthy.

Useful queries:

  - Rendering nodes: renderfarm_nodes_total{state="rendering"}
  - Failed nodes: sum(renderfarm_nodes_total{state="error"})
  - Merge latency p95: histogram_quantile(0.95, renderfarm_film_merge_duration_seconds_bucket)
  - Session failure rate: rate(renderfarm_sessions_failed_total[5m])
*/
package metrics
