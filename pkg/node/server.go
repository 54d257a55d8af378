package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/renderfarm/pkg/discovery"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/cuemby/renderfarm/pkg/protocol"
	"github.com/rs/zerolog"
)

// errProbe marks a farm that hung up before the version line, which is how
// reachability probes look
var errProbe = errors.New("closed before handshake")

// Config holds render node server configuration
type Config struct {
	// ListenAddr is the TCP address sessions connect to
	ListenAddr string

	// Version must match the farm's protocol version
	Version string

	// WorkDir holds film snapshots while they are sent
	WorkDir string

	// NewEngine creates the renderer for each session
	NewEngine EngineFactory

	// ReplyTimeout bounds waits on the farm during handshake and transfers
	ReplyTimeout time.Duration
}

// Server accepts render sessions from a farm, one at a time
type Server struct {
	cfg    Config
	ln     net.Listener
	logger zerolog.Logger

	busy     atomic.Bool
	sessions atomic.Int64

	mu     sync.Mutex
	active map[*protocol.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewServer creates a server, filling in defaults
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":" + strconv.Itoa(discovery.DefaultNodePort)
	}
	if cfg.Version == "" {
		cfg.Version = protocol.Version
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "renderfarm-node")
	}
	if cfg.NewEngine == nil {
		cfg.NewEngine = NewSimEngine
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 60 * time.Second
	}

	return &Server{
		cfg:    cfg,
		logger: log.WithComponent("node"),
		active: make(map[*protocol.Conn]struct{}),
	}
}

// Start listens and serves sessions in the background
func (s *Server) Start() error {
	if err := os.MkdirAll(s.cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Render node listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address, valid after Start
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Busy reports whether a session is in progress
func (s *Server) Busy() bool {
	return s.busy.Load()
}

// Sessions returns how many sessions started rendering
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

// Stop closes the listener and any open session and waits for them
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	for c := range s.active {
		_ = c.Close()
	}
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		conn := protocol.NewConn(c)
		if !s.track(conn) {
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *Server) track(c *protocol.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *protocol.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c)
}

func (s *Server) handle(conn *protocol.Conn) {
	logger := s.logger.With().Str("farm", conn.RemoteAddr().String()).Logger()

	if !s.busy.CompareAndSwap(false, true) {
		logger.Warn().Msg("Rejecting session, already rendering")
		_ = conn.WriteError("busy")
		return
	}
	defer s.busy.Store(false)

	engine, err := s.handshake(conn)
	if errors.Is(err, errProbe) {
		logger.Debug().Msg("Probed")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Session handshake failed")
		return
	}
	defer engine.Stop()

	s.sessions.Add(1)
	logger.Info().Msg("Rendering started")

	if err := s.serve(conn, engine); err != nil {
		logger.Warn().Err(err).Msg("Session ended")
		return
	}
	logger.Info().Msg("Session finished")
}

// handshake runs the version check, receives the descriptor and seed and
// starts the engine
func (s *Server) handshake(conn *protocol.Conn) (Engine, error) {
	version, err := conn.ReadLine(s.cfg.ReplyTimeout)
	if errors.Is(err, io.EOF) {
		return nil, errProbe
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != s.cfg.Version {
		_ = conn.WriteError("version mismatch")
		return nil, &protocol.ProtocolError{Op: "version check", Reason: fmt.Sprintf("farm version %q", version)}
	}
	if err := conn.WriteLine(protocol.CmdOK); err != nil {
		return nil, err
	}

	var descriptor bytes.Buffer
	n, err := conn.ReceiveBytes(&descriptor, s.cfg.ReplyTimeout)
	metrics.BytesTransferred.WithLabelValues("received").Add(float64(n))
	if err != nil {
		return nil, fmt.Errorf("failed to receive descriptor: %w", err)
	}

	seedLine, err := conn.ReadLine(s.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	seed, err := strconv.ParseUint(seedLine, 10, 64)
	if err != nil {
		_ = conn.WriteError("invalid seed")
		return nil, &protocol.ProtocolError{Op: "seed", Reason: fmt.Sprintf("invalid seed %q", seedLine)}
	}

	engine := s.cfg.NewEngine()
	if err := engine.Start(descriptor.Bytes(), seed); err != nil {
		_ = conn.WriteError(err.Error())
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	if err := conn.WriteLine(protocol.CmdRenderingStarted); err != nil {
		engine.Stop()
		return nil, err
	}

	return engine, nil
}

// serve answers farm commands until DONE or disconnect
func (s *Server) serve(conn *protocol.Conn, engine Engine) error {
	filmPath := filepath.Join(s.cfg.WorkDir, "snapshot.flm")
	defer os.Remove(filmPath)

	for {
		cmd, err := conn.ReadLine(0)
		if err != nil {
			return fmt.Errorf("farm disconnected: %w", err)
		}

		switch cmd {
		case protocol.CmdGetStats:
			if err := conn.WriteLine(engine.Stats()); err != nil {
				return err
			}

		case protocol.CmdGetFilm:
			snapshot := engine.Film()
			if snapshot == nil {
				_ = conn.WriteError("no film")
				continue
			}
			if err := snapshot.Save(filmPath); err != nil {
				return fmt.Errorf("failed to save film: %w", err)
			}
			n, err := conn.SendFile(filmPath, s.cfg.ReplyTimeout)
			metrics.BytesTransferred.WithLabelValues("sent").Add(float64(n))
			if err != nil {
				return fmt.Errorf("failed to send film: %w", err)
			}

		case protocol.CmdDone:
			return conn.WriteLine(protocol.CmdOK)

		default:
			if err := conn.WriteError(fmt.Sprintf("unknown command %q", cmd)); err != nil {
				return err
			}
		}
	}
}
