/*
Package api implements the renderfarm HTTP status and control API.

The server is a chi router in front of the farm. It is the only way to
interact with a running farm process: the CLI's job and nodes subcommands
go through pkg/client, which speaks this API.

# Endpoints

Health and metrics:

	GET  /health                    component health (metrics registry)
	GET  /ready                     readiness of farm, discovery and api
	GET  /live                      process liveness
	GET  /metrics                   Prometheus exposition

Farm:

	GET  /api/v1/status             idle or rendering, node counts, queue length
	GET  /api/v1/events             server-sent farm events, ?type= filters
	GET  /api/v1/nodes              node registry ordered by address
	POST /api/v1/nodes              add a node without beacon {"address":"host:port"}
	GET  /api/v1/jobs               finished, current and queued jobs
	POST /api/v1/jobs               submit a YAML or JSON job definition
	GET  /api/v1/jobs/current       current job and its sessions
	POST /api/v1/jobs/current/stop  stop after a final film update and merge
	POST /api/v1/jobs/current/merge merge films now

Errors are returned as {"error": "..."}. Operations that need a current job
answer 409 when the farm is idle and 503 once the farm has stopped.

# Read-only mode

With Config.ReadOnly set, every non-GET request under /api/v1 is refused
with 403, leaving the API usable as a status page.

# Instrumentation

Every request is counted in renderfarm_api_requests_total and timed in
renderfarm_api_request_duration_seconds, labelled by method and chi route
pattern so path parameters do not explode cardinality.
*/
package api
