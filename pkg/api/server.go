package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/cuemby/renderfarm/pkg/health"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Farm is the part of the coordinator the API drives
type Farm interface {
	AddJob(j *job.Job) error
	StopCurrentJob() error
	ForceMerge() error
	DiscoveredNode(address string, port int, discovery types.DiscoveryType)

	Nodes() []types.Node
	Jobs() []types.JobRecord
	Queue() []types.JobRecord
	CurrentJob() *types.JobRecord
	CurrentSessions() []job.SessionStatus
	Idle() bool
}

// Config holds API server configuration
type Config struct {
	Farm Farm

	// Prober receives manually added nodes; nil skips probing
	Prober *health.Prober

	// Broker feeds the event stream; nil disables it
	Broker *events.Broker

	// ReadOnly rejects every request that would change farm state
	ReadOnly bool

	Version string
}

// Server exposes farm status and control over HTTP
type Server struct {
	cfg    Config
	router chi.Router
	srv    *http.Server
	logger zerolog.Logger

	// closing ends open event streams, which Shutdown would otherwise wait on
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates the API server and its routes
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  log.WithComponent("api"),
		closing: make(chan struct{}),
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(requestMetrics)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.ReadOnly {
			r.Use(readOnly)
		}

		r.Get("/status", s.getStatus)
		r.Get("/events", s.streamEvents)

		r.Get("/nodes", s.listNodes)
		r.Post("/nodes", s.addNode)

		r.Get("/jobs", s.listJobs)
		r.Post("/jobs", s.addJob)
		r.Get("/jobs/current", s.getCurrentJob)
		r.Post("/jobs/current/stop", s.stopCurrentJob)
		r.Post("/jobs/current/merge", s.mergeCurrentJob)
	})

	return r
}

// Handler returns the router for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.srv.Shutdown(ctx)
}
