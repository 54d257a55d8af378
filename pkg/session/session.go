package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/cuemby/renderfarm/pkg/protocol"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultConnectTimeout bounds the TCP connect to a node
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReplyTimeout bounds every wait for a node reply
	DefaultReplyTimeout = 60 * time.Second

	DefaultStatsPeriod      = 10 * time.Second
	DefaultFilmUpdatePeriod = 5 * time.Minute
)

// State represents the lifecycle state of a session
type State string

const (
	StateConnecting   State = "connecting"
	StateVersionCheck State = "version_check"
	StateSendingJob   State = "sending_job"
	StateRendering    State = "rendering"
	StateFinishing    State = "finishing"
	StateClosed       State = "closed"
	StateErrored      State = "errored"
)

// ExitFunc is called once when a session ends, with nil on a clean exit
type ExitFunc func(s *Session, err error)

// Config describes one dispatch of a job to a node
type Config struct {
	JobID          string
	Node           types.NodeKey
	Version        string
	DescriptorPath string
	WorkDir        string
	Seed           uint64

	StatsPeriod      time.Duration
	FilmUpdatePeriod time.Duration
	ConnectTimeout   time.Duration
	ReplyTimeout     time.Duration

	OnExit ExitFunc
}

// Session drives one render node through a job: handshake, descriptor and
// seed transfer, then a poll loop pulling stats and films until stopped.
// The session only writes its own film file; it never touches the composite.
type Session struct {
	id       string
	cfg      Config
	filmPath string
	logger   zerolog.Logger

	mu            sync.Mutex
	state         State
	stopRequested bool
	lastStats     string
	lastPull      time.Time
	filmPulls     int
	err           error

	// A pull is owed while updateSeq is ahead of pulledSeq
	updateSeq uint64
	pulledSeq uint64

	wake chan struct{}
	done chan struct{}
}

// New creates a session. It does nothing until Start.
func New(cfg Config) *Session {
	if cfg.Version == "" {
		cfg.Version = protocol.Version
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.StatsPeriod <= 0 {
		cfg.StatsPeriod = DefaultStatsPeriod
	}
	if cfg.FilmUpdatePeriod <= 0 {
		cfg.FilmUpdatePeriod = DefaultFilmUpdatePeriod
	}

	id := uuid.New().String()[:8]

	return &Session{
		id:       id,
		cfg:      cfg,
		filmPath: filepath.Join(cfg.WorkDir, fmt.Sprintf("%s-%d.flm", id, cfg.Seed)),
		logger: log.WithNode("session", cfg.Node.String()).With().
			Str("session_id", id).
			Str("job_id", cfg.JobID).
			Uint64("seed", cfg.Seed).
			Logger(),
		state: StateConnecting,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// ID returns the short session identifier
func (s *Session) ID() string { return s.id }

// Node returns the node this session renders on
func (s *Session) Node() types.NodeKey { return s.cfg.Node }

// Seed returns the seed assigned to this dispatch
func (s *Session) Seed() uint64 { return s.cfg.Seed }

// FilmPath returns where this session stores the node's film
func (s *Session) FilmPath() string { return s.filmPath }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastStats returns the most recent progress line reported by the node
func (s *Session) LastStats() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

// FilmPulls returns how many films were received so far
func (s *Session) FilmPulls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filmPulls
}

// Err returns the error the session ended with, valid after Done
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed after the session exited and its exit callback returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start runs the session in a new goroutine. ctx only bounds the connect.
func (s *Session) Start(ctx context.Context) {
	metrics.SessionsStarted.Inc()
	go s.run(ctx)
}

// Stop asks the session to finish. In-flight I/O completes or times out
// first.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
	s.signal()
}

// UpdateFilm asks for a film pull on the next loop iteration
func (s *Session) UpdateFilm() {
	s.mu.Lock()
	s.updateSeq++
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	err := s.serve(ctx)

	s.mu.Lock()
	s.err = err
	if err != nil {
		s.state = StateErrored
	} else {
		s.state = StateClosed
	}
	s.mu.Unlock()

	if err != nil {
		metrics.SessionsFailed.Inc()
		s.logger.Error().Err(err).Msg("Session failed")
	} else {
		s.logger.Info().Msg("Session finished")
	}

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(s, err)
	}
	close(s.done)
}

func (s *Session) serve(ctx context.Context) error {
	s.logger.Debug().Msg("Connecting to node")

	conn, err := protocol.Dial(ctx, s.cfg.Node.String(), s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.setState(StateVersionCheck)
	if err := conn.WriteLine(s.cfg.Version); err != nil {
		return fmt.Errorf("failed to send version: %w", err)
	}
	if err := conn.ExpectLine("version check", protocol.CmdOK, s.cfg.ReplyTimeout); err != nil {
		return err
	}

	s.setState(StateSendingJob)
	sent, err := conn.SendFile(s.cfg.DescriptorPath, s.cfg.ReplyTimeout)
	metrics.BytesTransferred.WithLabelValues("sent").Add(float64(sent))
	if err != nil {
		return fmt.Errorf("failed to send descriptor: %w", err)
	}
	if err := conn.WriteLine(strconv.FormatUint(s.cfg.Seed, 10)); err != nil {
		return fmt.Errorf("failed to send seed: %w", err)
	}
	if err := conn.ExpectLine("render start", protocol.CmdRenderingStarted, s.cfg.ReplyTimeout); err != nil {
		return err
	}

	s.setState(StateRendering)
	s.logger.Info().Msg("Node started rendering")

	return s.pollLoop(conn)
}

func (s *Session) pollLoop(conn *protocol.Conn) error {
	s.mu.Lock()
	s.lastPull = time.Now()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		untilPull := s.cfg.FilmUpdatePeriod - time.Since(s.lastPull)
		pull := untilPull <= 0 || s.updateSeq != s.pulledSeq
		stop := s.stopRequested
		s.mu.Unlock()

		if pull {
			if err := s.pullFilm(conn); err != nil {
				return err
			}
			continue
		}

		if stop {
			s.setState(StateFinishing)
			if err := conn.WriteLine(protocol.CmdDone); err != nil {
				return fmt.Errorf("failed to send done: %w", err)
			}
			return conn.ExpectLine("finish", protocol.CmdOK, s.cfg.ReplyTimeout)
		}

		if err := s.pollStats(conn); err != nil {
			return err
		}

		wait := s.cfg.StatsPeriod
		if untilPull < wait {
			wait = untilPull
		}
		s.sleep(wait)
	}
}

func (s *Session) pullFilm(conn *protocol.Conn) error {
	timer := metrics.NewTimer()

	// Requests arriving during the transfer need a newer film
	s.mu.Lock()
	seq := s.updateSeq
	s.mu.Unlock()

	if err := conn.WriteLine(protocol.CmdGetFilm); err != nil {
		return fmt.Errorf("failed to request film: %w", err)
	}

	received, err := conn.ReceiveFile(s.filmPath, s.cfg.ReplyTimeout)
	metrics.BytesTransferred.WithLabelValues("received").Add(float64(received))
	if err != nil {
		return fmt.Errorf("failed to receive film: %w", err)
	}
	timer.ObserveDuration(metrics.FilmPullDuration)

	s.mu.Lock()
	s.lastPull = time.Now()
	s.pulledSeq = seq
	s.filmPulls++
	s.mu.Unlock()

	s.logger.Debug().Int64("bytes", received).Msg("Film received")
	return nil
}

func (s *Session) pollStats(conn *protocol.Conn) error {
	if err := conn.WriteLine(protocol.CmdGetStats); err != nil {
		return fmt.Errorf("failed to request stats: %w", err)
	}

	line, err := conn.ReadLine(s.cfg.ReplyTimeout)
	if errors.Is(err, protocol.ErrNoData) {
		return &protocol.ProtocolError{Op: "stats", Reason: "timed out waiting for stats"}
	}
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}
	if reason, ok := protocol.ParseError(line); ok {
		return &protocol.ProtocolError{Op: "stats", Reason: reason}
	}

	s.mu.Lock()
	s.lastStats = line
	s.mu.Unlock()

	s.logger.Info().Str("stats", line).Msg("Render progress")
	return nil
}

func (s *Session) sleep(d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.wake:
	}
}
