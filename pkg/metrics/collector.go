package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
)

const defaultCollectInterval = 15 * time.Second

// Source is the farm state the collector samples
type Source interface {
	Nodes() []types.Node
	Queue() []types.JobRecord
	CurrentJob() *types.JobRecord
}

var (
	nodeStates     = []types.NodeState{types.NodeStateFree, types.NodeStateRendering, types.NodeStateError}
	discoveryTypes = []types.DiscoveryType{types.DiscoveryAuto, types.DiscoveryManual}
)

// Collector samples point-in-time gauges from a Source. Counters and
// histograms are updated where the measured work happens.
type Collector struct {
	source   Source
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector samples source every interval, 15s when interval is zero
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start samples once right away and then on every tick
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			c.collect()
			select {
			case <-ticker.C:
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends sampling. It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	type bucket struct {
		state     types.NodeState
		discovery types.DiscoveryType
	}

	counts := make(map[bucket]int, len(nodeStates)*len(discoveryTypes))
	for _, s := range nodeStates {
		for _, d := range discoveryTypes {
			counts[bucket{s, d}] = 0
		}
	}
	for _, n := range c.source.Nodes() {
		counts[bucket{n.State, n.DiscoveryType}]++
	}
	for b, n := range counts {
		NodesTotal.WithLabelValues(string(b.state), string(b.discovery)).Set(float64(n))
	}

	JobsQueued.Set(float64(len(c.source.Queue())))

	spp := 0.0
	if cur := c.source.CurrentJob(); cur != nil {
		spp = cur.SPP
	}
	CurrentJobSPP.Set(spp)
}
