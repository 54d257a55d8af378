package job

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/film"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// maxParallelLoads bounds concurrent film decodes in one merge pass
const maxParallelLoads = 4

// merger periodically folds session films into the job's composite and
// reports the job done once a halt threshold is reached.
type merger struct {
	job     *Job
	period  time.Duration
	forceCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

func newMerger(j *Job) *merger {
	return &merger{
		job:     j,
		period:  j.cfg.FilmUpdatePeriod,
		forceCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (m *merger) start() {
	go func() {
		halted := m.loop()
		close(m.doneCh)

		if halted {
			m.job.mu.Lock()
			onDone := m.job.hooks.OnDone
			m.job.mu.Unlock()

			if onDone != nil {
				onDone(m.job)
			}
		}
	}()
}

// stop ends the loop without a merge and waits for it to exit
func (m *merger) stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *merger) force() {
	select {
	case m.forceCh <- struct{}{}:
	default:
	}
}

func (m *merger) loop() bool {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.forceCh:
		case <-m.stopCh:
			return false
		}

		// A stop that raced the tick wins
		select {
		case <-m.stopCh:
			return false
		default:
		}

		composite, err := m.job.merge()
		if err != nil {
			m.job.logger.Error().Err(err).Msg("Merge pass failed")
			continue
		}

		var spp float64
		if composite != nil {
			spp = composite.SPP()
		}
		if m.job.haltReached(spp) {
			m.job.logger.Info().
				Float64("spp", spp).
				Dur("elapsed", m.job.Elapsed()).
				Msg("Halt condition reached")
			return true
		}
	}
}

// haltReached evaluates the configured thresholds; zero disables one
func (j *Job) haltReached(spp float64) bool {
	if j.cfg.HaltSPP > 0 && spp >= j.cfg.HaltSPP {
		return true
	}
	if j.cfg.HaltTime > 0 && j.Elapsed() >= j.cfg.HaltTime {
		return true
	}
	return false
}

// merge runs one pass: the previous composite plus the latest film of every
// session ever dispatched, saved as the canonical film and image. It returns
// nil when there is nothing to merge yet.
func (j *Job) merge() (*film.Film, error) {
	j.mergeMu.Lock()
	defer j.mergeMu.Unlock()

	timer := metrics.NewTimer()

	j.mu.Lock()
	paths := make([]string, 0, len(j.sessions))
	for _, s := range j.sessions {
		paths = append(paths, s.FilmPath())
	}
	j.mu.Unlock()

	films := make([]*film.Film, len(paths))
	var g errgroup.Group
	g.SetLimit(maxParallelLoads)
	for i, path := range paths {
		g.Go(func() error {
			f, err := film.Load(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				// Session has not delivered a film yet
			case err != nil:
				j.logger.Warn().Err(err).Str("film", path).Msg("Skipping unreadable film")
			default:
				films[i] = f
			}
			return nil
		})
	}
	_ = g.Wait()

	var composite *film.Film
	if j.previous != nil {
		composite = j.previous.Clone()
	}
	for i, f := range films {
		if f == nil {
			continue
		}
		if composite == nil {
			composite = f
			continue
		}
		if err := composite.Merge(f); err != nil {
			j.logger.Warn().Err(err).Str("film", paths[i]).Msg("Skipping incompatible film")
		}
	}

	if composite == nil {
		return nil, nil
	}

	if err := composite.Save(j.work.path(FilmFile)); err != nil {
		return nil, fmt.Errorf("failed to save composite: %w", err)
	}
	if err := composite.WritePNG(j.work.path(ImageFile)); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}

	spp := composite.SPP()
	j.mu.Lock()
	j.spp = spp
	j.mu.Unlock()

	metrics.FilmMergesTotal.Inc()
	timer.ObserveDuration(metrics.FilmMergeDuration)

	j.logger.Debug().
		Int("films", len(paths)).
		Float64("spp", spp).
		Msg("Composite saved")

	return composite, nil
}
