package metrics

import (
	"testing"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	nodes   []types.Node
	queue   []types.JobRecord
	current *types.JobRecord
}

func (f *fakeSource) Nodes() []types.Node           { return f.nodes }
func (f *fakeSource) Queue() []types.JobRecord      { return f.queue }
func (f *fakeSource) CurrentJob() *types.JobRecord { return f.current }

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return -1
	}
	return m.GetGauge().GetValue()
}

func TestCollectorCollect(t *testing.T) {
	src := &fakeSource{
		nodes: []types.Node{
			{State: types.NodeStateRendering, DiscoveryType: types.DiscoveryAuto},
			{State: types.NodeStateRendering, DiscoveryType: types.DiscoveryAuto},
			{State: types.NodeStateError, DiscoveryType: types.DiscoveryManual},
		},
		queue:   []types.JobRecord{{ID: "a"}, {ID: "b"}},
		current: &types.JobRecord{ID: "c", SPP: 42.5},
	}

	c := NewCollector(src, time.Minute)
	c.collect()

	assert.Equal(t, 2.0, gaugeValue(NodesTotal.WithLabelValues("rendering", "auto")))
	assert.Equal(t, 1.0, gaugeValue(NodesTotal.WithLabelValues("error", "manual")))
	assert.Equal(t, 0.0, gaugeValue(NodesTotal.WithLabelValues("free", "auto")))
	assert.Equal(t, 2.0, gaugeValue(JobsQueued))
	assert.Equal(t, 42.5, gaugeValue(CurrentJobSPP))

	src.current = nil
	src.nodes = nil
	c.collect()

	assert.Equal(t, 0.0, gaugeValue(CurrentJobSPP))
	assert.Equal(t, 0.0, gaugeValue(NodesTotal.WithLabelValues("rendering", "auto")))
}

func TestCollectorStartStop(t *testing.T) {
	src := &fakeSource{queue: []types.JobRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}}

	c := NewCollector(src, 10*time.Millisecond)
	c.Start()
	assert.Eventually(t, func() bool { return gaugeValue(JobsQueued) == 3 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}
