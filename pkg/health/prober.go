package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/rs/zerolog"
)

// SightFunc is called for every probed node that accepted a connection
type SightFunc func(key types.NodeKey)

// Prober periodically checks manually added nodes, which send no beacon,
// and reports the reachable ones as sightings.
type Prober struct {
	config Config
	sight  SightFunc
	logger zerolog.Logger

	mu      sync.Mutex
	targets map[types.NodeKey]*probeTarget

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

type probeTarget struct {
	checker Checker
	status  *Status
}

// NewProber creates a prober that calls sight for every reachable target
func NewProber(config Config, sight SightFunc) *Prober {
	return &Prober{
		config:  config.withDefaults(),
		sight:   sight,
		logger:  log.WithComponent("prober"),
		targets: make(map[types.NodeKey]*probeTarget),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Add starts probing key. Adding a known key is a no-op.
func (p *Prober) Add(key types.NodeKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.targets[key]; ok {
		return
	}
	p.targets[key] = &probeTarget{
		checker: NewTCPChecker(key.String()).WithTimeout(p.config.Timeout),
		status:  &Status{Up: true},
	}
}

// Remove stops probing key
func (p *Prober) Remove(key types.NodeKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.targets, key)
}

// Targets returns the probed nodes ordered by address
func (p *Prober) Targets() []types.NodeKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]types.NodeKey, 0, len(p.targets))
	for k := range p.targets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Status returns a copy of the probe status for key
func (p *Prober) Status(key types.NodeKey) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.targets[key]
	if !ok {
		return Status{}, false
	}
	return *t.status, true
}

// Start probes all targets now and then every Interval
func (p *Prober) Start() {
	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		for {
			p.ProbeAll()

			select {
			case <-ticker.C:
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop ends probing and waits for the loop to exit
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// ProbeAll checks every target once
func (p *Prober) ProbeAll() {
	for _, key := range p.Targets() {
		p.mu.Lock()
		t, ok := p.targets[key]
		p.mu.Unlock()
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		result := t.checker.Check(ctx)
		cancel()

		p.mu.Lock()
		flipped := t.status.record(result, p.config.FailureThreshold)
		p.mu.Unlock()

		switch {
		case flipped && result.Healthy:
			p.logger.Info().Str("node", key.String()).Msg("Manual node reachable again")
		case flipped:
			p.logger.Warn().Str("node", key.String()).Str("reason", result.Message).Msg("Manual node unreachable")
		}

		if result.Healthy {
			p.sight(key)
		}
	}
}
