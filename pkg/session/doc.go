/*
Package session drives a single render node through one dispatch of a job.

A session connects, checks the protocol version, sends the scene descriptor
and its seed, then polls the node for progress and films until it is asked
to stop. Every received film lands in the session's own file in the job's
working directory; composition is left to the job's merger.

# Conversation

	farm                                   node
	 │── "<version>" ──────────────────────▶│
	 │◀───────────────────────────── "OK" ──│
	 │── descriptor transfer ──────────────▶│
	 │── "<seed>" ─────────────────────────▶│
	 │◀────────────── "RENDERING_STARTED" ──│
	 │                                      │
	 │── "GET_STATS" ──────────────────────▶│   every stats period
	 │◀──────────────────────── stats line ─│
	 │── "GET_FILM" ───────────────────────▶│   every film update period
	 │◀──────────────────── film transfer ──│   or when an update is owed
	 │                                      │
	 │── "DONE" ───────────────────────────▶│   after Stop
	 │◀───────────────────────────── "OK" ──│

A transfer is a size line acknowledged with OK, the raw bytes, and a final
OK. A reply starting with "ERROR: " ends the session with the node's
reason. Every wait for a reply is bounded by the reply timeout.

# States

	connecting ──▶ version_check ──▶ sending_job ──▶ rendering ──▶ finishing ──▶ closed
	     │               │                │              │              │
	     └───────────────┴────────────────┴──────────────┴──────────────┴──▶ errored

# Poll Loop

Each pass of the loop does one thing, in this order of priority:

 1. pull a film when the film update period has elapsed or an update is owed
 2. send DONE and wait for OK when a stop was requested
 3. ask for stats, then sleep until the next stats poll or film pull

UpdateFilm makes a pull owed. Requests are counted, and a pull only settles
the requests made before it started, so an UpdateFilm arriving while a
film is in flight still gets a newer film. Because pulls come first, a
stop that follows UpdateFilm always sends DONE after the last film.

# Usage

	s := session.New(session.Config{
		JobID:            j.ID(),
		Node:             node,
		DescriptorPath:   cfg.DescriptorPath,
		WorkDir:          cfg.WorkDir,
		Seed:             seed,
		FilmUpdatePeriod: 5 * time.Minute,
		OnExit: func(s *session.Session, err error) {
			// err is nil on a clean exit
		},
	})
	s.Start(ctx)

	s.UpdateFilm()
	s.Stop()
	<-s.Done()

# Defaults

Unset fields take the package defaults: protocol.Version, a 10s connect
timeout, a 60s reply timeout, a 10s stats period and a 5m film update
period.
*/
package session
