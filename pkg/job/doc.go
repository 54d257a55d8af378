/*
Package job manages one render job: its working directory, seed allocation,
the sessions dispatched to nodes and the merger producing the composite film.

A job is created from a Config (a scene descriptor, a working directory and
optional halt thresholds), queued by the farm and started when its turn
comes. While it runs, each free node gets its own session with a fresh
seed, and the merger periodically folds the films of all sessions into one
composite.

# Architecture

	┌───────────────────────────── JOB ──────────────────────────────┐
	│                                                                │
	│   NextSeed ──▶ render.seed                                     │
	│       │                                                        │
	│       ▼                                                        │
	│   Dispatch ──▶ session A ──▶ <A>-<seed>.flm ──┐                │
	│            ──▶ session B ──▶ <B>-<seed>.flm ──┤                │
	│                                               ▼                │
	│   resume-<seed>.flm ─────────────────────▶ merger              │
	│                                               │                │
	│                                               ▼                │
	│                               render.flm, render.png           │
	│                                               │                │
	│                              halt SPP / time ─┴─▶ Hooks.OnDone │
	└────────────────────────────────────────────────────────────────┘

# Lifecycle

	queued ──Start──▶ running ──Stop──▶ stopping ──▶ done
	   │
	   ├──Fail──▶ failed        (Start returned an error)
	   └──Cancel──▶ cancelled   (the farm shut down first)

New only validates the configuration and fingerprints the descriptor. It
does not touch the working directory, so a job can be created for a
directory another job is still using. Start prepares the directory once,
starts the merger and moves the job to running. Stop is idempotent and
waits for every session to exit. Fail and Cancel only mark jobs that never
ran.

# Working Directory

	render.md5          MD5 of the scene descriptor
	render.seed         next seed to hand out
	<session>-<seed>.flm  latest film of one dispatch
	resume-<seed>.flm   films recovered from an earlier run
	render.flm          composite film
	render.png          composite image

A directory whose fingerprint matches the descriptor is resumed: all
per-dispatch films are merged into one composite that later passes build
on, and the seed cursor continues where it stopped. Anything else (another
descriptor, missing or unreadable metadata) is wiped and the job starts
over at seed 1.

The seed file is rewritten before a seed is handed out, so seeds are never
reused across restarts even when the farm dies mid-dispatch.

# Merging

The merger wakes every film update period, or on ForceMerge, folds the
latest film of every session onto the recovered composite and saves the
result. When the composite reaches the halt SPP, or the job has run for
the halt time, it calls Hooks.OnDone once and exits.

Stop(true) asks every session for a last film and merges once more after
they exit, so the saved composite holds everything rendered. Stop(false)
skips both, which is what the farm uses when the merger itself signalled
the halt.

# Usage

	cfg, err := job.LoadConfigFile("scenes/teapot-job.yaml")
	if err != nil {
		return err
	}
	j, err := job.New(cfg)
	if err != nil {
		return err
	}

	err = j.Start(ctx, job.Hooks{
		OnDone: func(j *job.Job) { farm.CurrentJobDone(j) },
		OnSessionExit: func(j *job.Job, node types.NodeKey, err error) {
			// mark the node free or errored
		},
	})
	if err != nil {
		return err
	}

	s, err := j.Dispatch(node)
	...
	j.Stop(true)

# Configuration

Job definitions are YAML (JSON also parses). Relative paths in a file
loaded with LoadConfigFile resolve against the file's directory. An empty
workdir defaults to "<descriptor stem>-render" next to the descriptor, and
zero halt thresholds disable halting.

	id: teapot-final
	descriptor: teapot.scn
	workdir: teapot-render
	halt_spp: 256
	halt_time: 2h
	film_update_period: 5m
*/
package job
