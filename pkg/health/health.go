package health

import (
	"context"
	"time"
)

// Kind names the protocol a Checker speaks
type Kind string

const (
	KindHTTP Kind = "http"
	KindTCP  Kind = "tcp"
)

// Result is the outcome of one check
type Result struct {
	Healthy bool
	Message string
	At      time.Time
	Took    time.Duration
}

// Checker probes a single endpoint
type Checker interface {
	Check(ctx context.Context) Result
	Kind() Kind
}

const (
	defaultInterval         = 30 * time.Second
	defaultTimeout          = 5 * time.Second
	defaultFailureThreshold = 3
)

// Config controls how the Prober dials its targets. Zero values take the
// package defaults.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// FailureThreshold is how many checks in a row must fail before a
	// target is reported down
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	return c
}

// Status is the probe history of one target. A new target counts as up.
type Status struct {
	Up        bool
	Failures  int
	Successes int
	Last      Result
}

// record folds r into the streaks and reports whether Up flipped
func (s *Status) record(r Result, threshold int) bool {
	was := s.Up
	s.Last = r

	if r.Healthy {
		s.Successes++
		s.Failures = 0
		s.Up = true
	} else {
		s.Failures++
		s.Successes = 0
		if s.Failures >= threshold {
			s.Up = false
		}
	}
	return was != s.Up
}
