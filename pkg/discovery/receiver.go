package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handler is invoked for every accepted announcement
type Handler func(address string, port int)

// ReceiverConfig configures a beacon receiver
type ReceiverConfig struct {
	// ListenAddr is the UDP address to bind, default ":18019"
	ListenAddr string

	Handler Handler

	// RateLimit bounds handler invocations per second; 0 means 100
	RateLimit float64
	Burst     int
}

// Receiver listens for node announcements
type Receiver struct {
	config  ReceiverConfig
	conn    net.PacketConn
	limiter *rate.Limiter
	logger  zerolog.Logger

	stopping atomic.Bool
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewReceiver creates a receiver, filling in defaults
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":" + strconv.Itoa(DefaultBeaconPort)
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	return &Receiver{
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  log.WithComponent("beacon-receiver"),
		doneCh:  make(chan struct{}),
	}
}

// Start binds the beacon port and starts the receive loop
func (r *Receiver) Start() error {
	if r.config.Handler == nil {
		return fmt.Errorf("beacon receiver requires a handler")
	}

	conn, err := net.ListenPacket("udp", r.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind beacon port %s: %w", r.config.ListenAddr, err)
	}
	r.conn = conn

	r.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("Beacon receiver started")

	go r.run()
	return nil
}

// Addr returns the bound address, valid after Start
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Stop closes the socket, which unblocks the receive loop
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		if r.conn != nil {
			_ = r.conn.Close()
			<-r.doneCh
		}
	})
}

func (r *Receiver) run() {
	defer close(r.doneCh)

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.stopping.Load() || errors.Is(err, net.ErrClosed) {
				r.logger.Debug().Msg("Beacon receiver stopped")
				return
			}
			r.logger.Warn().Err(err).Msg("Failed to receive announcement")
			continue
		}

		r.handle(buf[:n], src)
	}
}

func (r *Receiver) handle(data []byte, src net.Addr) {
	ann, err := Decode(data)
	if err != nil {
		metrics.DiscoveryDatagramsTotal.WithLabelValues("rejected").Inc()
		r.logger.Debug().Err(err).Str("source", src.String()).Msg("Ignoring datagram")
		return
	}

	if !r.limiter.Allow() {
		metrics.DiscoveryDatagramsTotal.WithLabelValues("dropped").Inc()
		return
	}

	if ann.Address == "" {
		if udp, ok := src.(*net.UDPAddr); ok {
			ann.Address = udp.IP.String()
		} else if host, _, err := net.SplitHostPort(src.String()); err == nil {
			ann.Address = host
		}
	}

	metrics.DiscoveryDatagramsTotal.WithLabelValues("accepted").Inc()
	r.config.Handler(ann.Address, ann.Port)
}
