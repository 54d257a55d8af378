/*
Package log provides structured logging for renderfarm using zerolog.

A single package-level Logger is configured once in main via Init and shared
by every component. Components derive child loggers that carry identifying
fields, so farm, session and merger output can be filtered per node or job.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})

Component loggers:

	logger := log.WithComponent("farm")
	logger.Info().Str("node", key.String()).Msg("Node discovered")

	sessionLog := log.WithNode("session", "10.0.0.7:18018")
	mergerLog := log.WithJobID("merger", job.ID())

# Fields

The following fields are used consistently across packages:

  - component: farm, session, merger, job, node, discovery, prober, api
  - node: render node address as host:port
  - job_id: job identifier
  - session_id: short session identifier
  - seed: random seed assigned to a session

# Output

JSON output is intended for log shippers:

	{"level":"info","component":"merger","job_id":"3f2a","spp":128,"time":"2026-01-10T10:30:00Z","message":"Film merged"}

Console output is the default for interactive use:

	10:30:00 INF Film merged component=merger job_id=3f2a spp=128
*/
package log
