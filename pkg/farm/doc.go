/*
Package farm coordinates render nodes and jobs.

The farm keeps a registry of nodes keyed by address and port, a FIFO queue
of jobs and at most one current job. Whenever the current job is running,
every free node is dispatched to it, so a render spreads over as many
machines as the farm has seen.

# Architecture

A single goroutine owns all farm state. Exported methods never touch it
directly: commands post a message and queries run a closure on the loop and
wait for it to finish.

	┌──────────────────────────── FARM ─────────────────────────────┐
	│                                                               │
	│  Beacon listener ──┐                                          │
	│  API / CLI ────────┼──▶ msgs channel ──▶ run loop             │
	│  Sessions ─────────┘                       │                  │
	│                                            ▼                  │
	│   ┌──────────────┐   ┌──────────────┐   ┌──────────────┐      │
	│   │ node registry│   │ current job  │   │  job queue   │      │
	│   │  free        │   │  sessions    │   │  FIFO        │      │
	│   │  rendering   │   │  merger      │   │              │      │
	│   │  error       │   │              │   │              │      │
	│   └──────────────┘   └──────────────┘   └──────────────┘      │
	│                                            │                  │
	│                                            ▼                  │
	│                     storage.Store (history), events.Broker    │
	└───────────────────────────────────────────────────────────────┘

# Node States

Nodes move between three states:

	free ──dispatch──▶ rendering ──clean exit──▶ free
	                        │
	                        └──session error──▶ error ──next sighting──▶ free

A node in error is retried only when it is sighted again (a beacon or a
successful manual probe). There is no timed backoff, so a dead node is
retried at most at the beacon rate. Sighting a node that is already free or
rendering only refreshes its last-seen time.

# Job Lifecycle

AddJob queues a job and starts it at once when nothing is running. A job
whose working directory belongs to the current job or to a queued one is
rejected with ErrWorkDirInUse, since two jobs writing the same seed file
and films would corrupt each other. The directory is only claimed when
the job starts, which is also when its previous films are resumed.

A job finishes in one of two ways, and exactly one of them runs:

  - its merger reaches a halt threshold and calls CurrentJobDone; the job is
    stopped without a final merge since the halting pass produced the final
    film
  - StopCurrentJob (or Stop) asks every session for a last film, then merges
    once more

Stopping a job waits on its sessions, and sessions report their exit
through the farm goroutine, so the stop itself runs on its own goroutine
and reports back with a message. The next queued job starts afterwards.
Stop cancels every queued job first, so the farm loop exits once the
current job has saved its final composite.

# Events and History

State changes are published on the events broker (node discovered,
rendering, error and free; job queued, started, done, failed and
cancelled). Finished jobs and every node change are written to the store
when one is configured, and the last jobs are kept in memory for listings.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	broker := events.NewBroker()
	broker.Start()

	f := farm.New(farm.Config{Store: store, Broker: broker})
	f.Start()
	defer f.Stop()

	cfg, err := job.LoadConfigFile("scenes/teapot-job.yaml")
	if err != nil {
		return err
	}
	j, err := job.New(cfg)
	if err != nil {
		return err
	}
	if err := f.AddJob(j); err != nil {
		return err
	}

	f.DiscoveredNode("10.0.0.12", 18018, types.DiscoveryManual)

# Errors

Commands return ErrStopped once the loop has exited, and StopCurrentJob
and ForceMerge return ErrNoCurrentJob when nothing is running. Failures of
a single node never fail the job: the node goes to error and the job
carries on with the others.
*/
package farm
