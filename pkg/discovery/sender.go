package discovery

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/rs/zerolog"
)

// SenderConfig configures a beacon sender
type SenderConfig struct {
	// Address announced to the farm; empty lets the farm use the source IP
	Address string

	// Port announced to the farm
	Port int

	// Target is the UDP destination, usually the broadcast address
	Target string

	// Period between announcements
	Period time.Duration
}

// Sender periodically broadcasts a node announcement
type Sender struct {
	config SenderConfig
	conn   net.Conn
	logger zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSender creates a sender, filling in defaults
func NewSender(cfg SenderConfig) *Sender {
	if cfg.Port == 0 {
		cfg.Port = DefaultNodePort
	}
	if cfg.Target == "" {
		cfg.Target = net.JoinHostPort("255.255.255.255", strconv.Itoa(DefaultBeaconPort))
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}

	return &Sender{
		config: cfg,
		logger: log.WithComponent("beacon-sender"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start opens the socket and begins announcing immediately
func (s *Sender) Start() error {
	conn, err := net.Dial("udp", s.config.Target)
	if err != nil {
		return fmt.Errorf("failed to open beacon socket: %w", err)
	}
	s.conn = conn

	s.logger.Info().
		Str("target", s.config.Target).
		Str("address", s.config.Address).
		Int("port", s.config.Port).
		Dur("period", s.config.Period).
		Msg("Beacon sender started")

	go s.run()
	return nil
}

// Stop ends the announcement loop without waiting out the current period
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			<-s.doneCh
			_ = s.conn.Close()
		}
	})
}

func (s *Sender) run() {
	defer close(s.doneCh)

	payload := Encode(Announcement{Address: s.config.Address, Port: s.config.Port})

	ticker := time.NewTicker(s.config.Period)
	defer ticker.Stop()

	for {
		if _, err := s.conn.Write(payload); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send announcement")
		}

		select {
		case <-ticker.C:
		case <-s.stopCh:
			s.logger.Debug().Msg("Beacon sender stopped")
			return
		}
	}
}
