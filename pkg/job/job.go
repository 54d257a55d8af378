package job

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/film"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/session"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotRunning is returned when dispatching to a job that is not running
var ErrNotRunning = errors.New("job is not running")

// Hooks connect a running job to its owner
type Hooks struct {
	// OnDone is called once by the merger when a halt condition is met
	OnDone func(j *Job)

	// OnSessionExit is called when a session dispatched by the job ends
	OnSessionExit func(j *Job, node types.NodeKey, err error)
}

// SessionStatus is a snapshot of one dispatched session
type SessionStatus struct {
	ID        string        `json:"id"`
	Node      string        `json:"node"`
	Seed      uint64        `json:"seed"`
	State     session.State `json:"state"`
	LastStats string        `json:"last_stats,omitempty"`
	FilmPulls int           `json:"film_pulls"`
}

// Job owns a working directory, a seed allocator, halt thresholds and the
// sessions rendering it. The composite film is produced by its merger.
type Job struct {
	cfg         Config
	fingerprint string
	work        workDir
	logger      zerolog.Logger
	createdAt   time.Time

	seedMu sync.Mutex
	seed   uint64

	// Serialises merge passes
	mergeMu  sync.Mutex
	previous *film.Film

	// Guards the one-time working directory preparation
	prepareOnce sync.Once
	prepareErr  error

	mu         sync.Mutex
	ctx        context.Context
	hooks      Hooks
	state      types.JobState
	sessions   []*session.Session
	merger     *merger
	resumed    bool
	spp        float64
	err        error
	startedAt  time.Time
	finishedAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// New validates cfg and checks the descriptor is readable. The working
// directory is left untouched until Start, so a queued job never disturbs
// files another job is still writing.
func New(cfg Config) (*Job, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fingerprint, err := Fingerprint(cfg.DescriptorPath)
	if err != nil {
		return nil, err
	}

	j := &Job{
		cfg:         cfg,
		fingerprint: fingerprint,
		work:        workDir(cfg.WorkDir),
		logger:      log.WithJobID("job", cfg.ID),
		createdAt:   time.Now(),
		state:       types.JobStateQueued,
		stopped:     make(chan struct{}),
	}

	return j, nil
}

// prepare claims the working directory once. An existing directory is
// resumed when it belongs to the same descriptor, otherwise it is wiped and
// the seed cursor restarts at 1.
func (j *Job) prepare() error {
	j.prepareOnce.Do(func() {
		j.prepareErr = j.prepareWorkDir()
	})
	return j.prepareErr
}

func (j *Job) prepareWorkDir() error {
	// The descriptor may have changed while the job was queued
	fingerprint, err := Fingerprint(j.cfg.DescriptorPath)
	if err != nil {
		return err
	}
	j.fingerprint = fingerprint

	if _, err := os.Stat(j.cfg.WorkDir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(j.cfg.WorkDir, 0755); err != nil {
			return fmt.Errorf("failed to create workdir: %w", err)
		}
		return j.initWorkDir()
	} else if err != nil {
		return fmt.Errorf("failed to stat workdir: %w", err)
	}

	seed, err := j.work.check(j.fingerprint)
	if err != nil {
		j.logger.Warn().Err(err).Str("workdir", j.cfg.WorkDir).Msg("Discarding previous render state")
		if err := j.work.wipe(); err != nil {
			return fmt.Errorf("failed to wipe workdir: %w", err)
		}
		return j.initWorkDir()
	}

	j.seedMu.Lock()
	j.seed = seed
	j.seedMu.Unlock()

	j.mu.Lock()
	j.resumed = true
	j.mu.Unlock()

	return j.resume()
}

func (j *Job) initWorkDir() error {
	if err := j.work.writeFingerprint(j.fingerprint); err != nil {
		return err
	}
	if err := j.work.writeSeed(1); err != nil {
		return err
	}
	j.seedMu.Lock()
	j.seed = 1
	j.seedMu.Unlock()
	return nil
}

// resume folds every film left by the previous run into one composite, which
// replaces the originals.
func (j *Job) resume() error {
	j.seedMu.Lock()
	seed := j.seed
	j.seedMu.Unlock()

	paths, err := j.work.partialFilms()
	if err != nil {
		return fmt.Errorf("failed to list previous films: %w", err)
	}

	var previous *film.Film
	for _, path := range paths {
		f, err := film.Load(path)
		if err != nil {
			j.logger.Warn().Err(err).Str("film", path).Msg("Skipping unreadable film")
			continue
		}

		if previous == nil {
			previous = f
			continue
		}
		if err := previous.Merge(f); err != nil {
			j.logger.Warn().Err(err).Str("film", path).Msg("Skipping incompatible film")
		}
	}

	if previous != nil {
		resumePath := j.work.path(fmt.Sprintf("resume-%d%s", seed, filmExt))
		if err := previous.Save(resumePath); err != nil {
			return fmt.Errorf("failed to save resume film: %w", err)
		}

		for _, path := range paths {
			if path == resumePath {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove merged film: %w", err)
			}
		}

		j.mergeMu.Lock()
		j.previous = previous
		j.mergeMu.Unlock()

		j.mu.Lock()
		j.spp = previous.SPP()
		j.mu.Unlock()
	}

	j.logger.Info().
		Uint64("seed", seed).
		Int("films", len(paths)).
		Float64("spp", j.SPP()).
		Msg("Resuming previous render")

	return nil
}

// ID returns the job identifier
func (j *Job) ID() string { return j.cfg.ID }

// Config returns the job configuration
func (j *Job) Config() Config { return j.cfg }

// Resumed reports whether previous work was recovered from the workdir.
// It is only meaningful once the job started.
func (j *Job) Resumed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resumed
}

// Previous returns the composite recovered on resume, or nil
func (j *Job) Previous() *film.Film {
	j.mergeMu.Lock()
	defer j.mergeMu.Unlock()
	return j.previous
}

// State returns the lifecycle state
func (j *Job) State() types.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// NextSeed hands out the current seed cursor and persists its successor
// before returning, so seeds stay distinct across restarts.
func (j *Job) NextSeed() (uint64, error) {
	j.seedMu.Lock()
	defer j.seedMu.Unlock()

	seed := j.seed
	if err := j.work.writeSeed(seed + 1); err != nil {
		return 0, fmt.Errorf("failed to persist seed cursor: %w", err)
	}
	j.seed = seed + 1

	return seed, nil
}

// Start prepares the working directory, makes the job runnable and starts
// its merger. Nodes are assigned afterwards through Dispatch.
func (j *Job) Start(ctx context.Context, hooks Hooks) error {
	if _, err := os.Stat(j.cfg.DescriptorPath); err != nil {
		return fmt.Errorf("job descriptor unavailable: %w", err)
	}

	if state := j.State(); state != types.JobStateQueued {
		return fmt.Errorf("cannot start job in state %s", state)
	}
	if err := j.prepare(); err != nil {
		return fmt.Errorf("failed to prepare workdir: %w", err)
	}

	j.mu.Lock()
	if j.state != types.JobStateQueued {
		state := j.state
		j.mu.Unlock()
		return fmt.Errorf("cannot start job in state %s", state)
	}
	j.ctx = ctx
	j.hooks = hooks
	j.state = types.JobStateRunning
	j.startedAt = time.Now()
	j.merger = newMerger(j)
	m := j.merger
	j.mu.Unlock()

	m.start()

	j.logger.Info().
		Str("descriptor", j.cfg.DescriptorPath).
		Float64("halt_spp", j.cfg.HaltSPP).
		Dur("halt_time", j.cfg.HaltTime).
		Msg("Job started")

	return nil
}

// Dispatch starts a session rendering this job on node
func (j *Job) Dispatch(node types.NodeKey) (*session.Session, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != types.JobStateRunning {
		return nil, ErrNotRunning
	}

	seed, err := j.NextSeed()
	if err != nil {
		return nil, err
	}

	s := session.New(session.Config{
		JobID:            j.cfg.ID,
		Node:             node,
		DescriptorPath:   j.cfg.DescriptorPath,
		WorkDir:          j.cfg.WorkDir,
		Seed:             seed,
		StatsPeriod:      j.cfg.StatsPeriod,
		FilmUpdatePeriod: j.cfg.FilmUpdatePeriod,
		OnExit:           j.sessionExited,
	})
	j.sessions = append(j.sessions, s)

	s.Start(j.ctx)

	return s, nil
}

func (j *Job) sessionExited(s *session.Session, err error) {
	j.mu.Lock()
	hook := j.hooks.OnSessionExit
	j.mu.Unlock()

	if hook != nil {
		hook(j, s.Node(), err)
	}
}

// ForceMerge requests an immediate merge pass
func (j *Job) ForceMerge() {
	j.mu.Lock()
	m := j.merger
	j.mu.Unlock()

	if m != nil {
		m.force()
	}
}

// Stop ends the job. With lastUpdate every session first delivers a final
// film and one last merge is saved; without it sessions are stopped as is.
// Stop is idempotent and later calls wait for the first to finish.
func (j *Job) Stop(lastUpdate bool) {
	j.stopOnce.Do(func() {
		defer close(j.stopped)
		j.stop(lastUpdate)
	})
	<-j.stopped
}

func (j *Job) stop(lastUpdate bool) {
	j.mu.Lock()
	if j.state == types.JobStateRunning {
		j.state = types.JobStateStopping
	}
	m := j.merger
	sessions := append([]*session.Session(nil), j.sessions...)
	j.mu.Unlock()

	j.logger.Info().Bool("final_merge", lastUpdate).Int("sessions", len(sessions)).Msg("Stopping job")

	if m != nil {
		m.stop()
	}

	for _, s := range sessions {
		if lastUpdate {
			s.UpdateFilm()
		}
		s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}

	if lastUpdate && m != nil {
		if _, err := j.merge(); err != nil {
			j.logger.Error().Err(err).Msg("Final merge failed")
		}
	}

	j.mu.Lock()
	if j.state == types.JobStateStopping {
		j.state = types.JobStateDone
	}
	j.finishedAt = time.Now()
	j.mu.Unlock()

	j.logger.Info().Float64("spp", j.SPP()).Msg("Job stopped")
}

// Fail marks a job that could not be started
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = types.JobStateFailed
	j.err = err
	j.finishedAt = time.Now()
}

// Cancel marks a queued job that will never run
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == types.JobStateQueued {
		j.state = types.JobStateCancelled
		j.finishedAt = time.Now()
	}
}

// SPP returns the samples per pixel of the latest composite
func (j *Job) SPP() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.spp
}

// Elapsed returns the wall time since Start, frozen once the job finished
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.elapsedLocked()
}

func (j *Job) elapsedLocked() time.Duration {
	if j.startedAt.IsZero() {
		return 0
	}
	if !j.finishedAt.IsZero() {
		return j.finishedAt.Sub(j.startedAt)
	}
	return time.Since(j.startedAt)
}

// Sessions returns a snapshot of every session dispatched so far
func (j *Job) Sessions() []SessionStatus {
	j.mu.Lock()
	sessions := append([]*session.Session(nil), j.sessions...)
	j.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionStatus{
			ID:        s.ID(),
			Node:      s.Node().String(),
			Seed:      s.Seed(),
			State:     s.State(),
			LastStats: s.LastStats(),
			FilmPulls: s.FilmPulls(),
		})
	}
	return out
}

// Record returns the persisted summary of the job
func (j *Job) Record() types.JobRecord {
	j.seedMu.Lock()
	seed := j.seed
	j.seedMu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := types.JobRecord{
		ID:         j.cfg.ID,
		Name:       j.cfg.Name,
		Descriptor: j.cfg.DescriptorPath,
		WorkDir:    j.cfg.WorkDir,
		State:      j.state,
		SPP:        j.spp,
		HaltSPP:    j.cfg.HaltSPP,
		HaltTime:   j.cfg.HaltTime,
		Resumed:    j.resumed,
		Seed:       seed,
		Sessions:   len(j.sessions),
		CreatedAt:  j.createdAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.err != nil {
		rec.Error = j.err.Error()
	}
	return rec
}
