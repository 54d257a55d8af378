package farm

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/cuemby/renderfarm/pkg/film"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/protocol"
	"github.com/cuemby/renderfarm/pkg/storage"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// simNode is a scripted render node answering every film request with the
// same film
type simNode struct {
	ln       net.Listener
	film     []byte
	reject   atomic.Int32 // Connections to refuse with a version error
	sessions atomic.Int32
}

func startSimNode(t *testing.T, spp int) *simNode {
	t.Helper()

	f := film.New(2, 2)
	for s := 0; s < spp; s++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				f.AddSample(x, y, 0.5, 0.5, 0.5)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Encode(&buf))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	n := &simNode{ln: ln, film: buf.Bytes()}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go n.handle(protocol.NewConn(c))
		}
	}()
	return n
}

func (n *simNode) port() int {
	return n.ln.Addr().(*net.TCPAddr).Port
}

func (n *simNode) handle(conn *protocol.Conn) {
	defer conn.Close()

	if _, err := conn.ReadLine(waitFor); err != nil {
		return
	}
	if n.reject.Load() > 0 {
		n.reject.Add(-1)
		_ = conn.WriteError("version mismatch")
		return
	}
	_ = conn.WriteLine(protocol.CmdOK)

	var desc bytes.Buffer
	if _, err := conn.ReceiveBytes(&desc, waitFor); err != nil {
		return
	}
	if _, err := conn.ReadLine(waitFor); err != nil {
		return
	}
	n.sessions.Add(1)
	_ = conn.WriteLine(protocol.CmdRenderingStarted)

	for {
		cmd, err := conn.ReadLine(0)
		if err != nil {
			return
		}
		switch cmd {
		case protocol.CmdGetStats:
			_ = conn.WriteLine("rendering")
		case protocol.CmdGetFilm:
			if _, err := conn.SendBytes(bytes.NewReader(n.film), int64(len(n.film)), waitFor); err != nil {
				return
			}
		case protocol.CmdDone:
			_ = conn.WriteLine(protocol.CmdOK)
			return
		}
	}
}

func newJob(t *testing.T, haltSPP float64) *job.Job {
	t.Helper()

	dir := t.TempDir()
	desc := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(desc, []byte("width: 2\nheight: 2\n"), 0644))

	j, err := job.New(job.Config{
		DescriptorPath:   desc,
		WorkDir:          filepath.Join(dir, "work"),
		HaltSPP:          haltSPP,
		StatsPeriod:      20 * time.Millisecond,
		FilmUpdatePeriod: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return j
}

func startFarm(t *testing.T, cfg Config) *Farm {
	t.Helper()
	f := New(cfg)
	f.Start()
	t.Cleanup(f.Stop)
	return f
}

func nodeState(f *Farm, key types.NodeKey) types.NodeState {
	for _, n := range f.Nodes() {
		if n.Key == key {
			return n.State
		}
	}
	return ""
}

func TestRegistryUniqueness(t *testing.T) {
	f := startFarm(t, Config{})

	f.DiscoveredNode("10.0.0.5", 18018, types.DiscoveryAuto)
	nodes := f.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, types.NodeStateFree, nodes[0].State)
	assert.Equal(t, types.DiscoveryAuto, nodes[0].DiscoveryType)
	first := nodes[0].LastContact

	time.Sleep(5 * time.Millisecond)
	f.DiscoveredNode("10.0.0.5", 18018, types.DiscoveryAuto)
	nodes = f.Nodes()
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].LastContact.Before(first), "LastContact must not go backwards")
	assert.Equal(t, first, nodes[0].FirstSeen)

	f.DiscoveredNode("10.0.0.5", 18019, types.DiscoveryManual)
	f.DiscoveredNode("10.0.0.6", 18018, types.DiscoveryAuto)
	assert.Len(t, f.Nodes(), 3)
}

func TestEndToEndHaltBySPP(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	f := startFarm(t, Config{Broker: broker})
	sim := startSimNode(t, 1)
	key := types.NodeKey{Address: "127.0.0.1", Port: sim.port()}

	assert.True(t, f.Idle())
	f.DiscoveredNode(key.Address, key.Port, types.DiscoveryAuto)
	assert.Equal(t, types.NodeStateFree, nodeState(f, key))

	j := newJob(t, 1)
	require.NoError(t, f.AddJob(j))

	require.Eventually(t, f.Idle, waitFor, 10*time.Millisecond, "farm should go idle after the halt")

	assert.Equal(t, types.JobStateDone, j.State())
	assert.GreaterOrEqual(t, j.SPP(), 1.0)
	assert.Equal(t, int32(1), sim.sessions.Load())
	assert.Equal(t, types.NodeStateFree, nodeState(f, key))

	jobs := f.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobStateDone, jobs[0].State)

	_, err := os.Stat(filepath.Join(j.Config().WorkDir, job.FilmFile))
	assert.NoError(t, err)

	seen := map[events.EventType]bool{}
	timeout := time.After(waitFor)
	for !seen[events.EventJobDone] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("job.done event not published, saw %v", seen)
		}
	}
	assert.True(t, seen[events.EventNodeDiscovered])
	assert.True(t, seen[events.EventJobStarted])
}

func TestFailedNodeRetriedOnSighting(t *testing.T) {
	f := startFarm(t, Config{})
	sim := startSimNode(t, 0)
	sim.reject.Store(1)
	key := types.NodeKey{Address: "127.0.0.1", Port: sim.port()}

	require.NoError(t, f.AddJob(newJob(t, 0)))
	f.DiscoveredNode(key.Address, key.Port, types.DiscoveryAuto)

	require.Eventually(t, func() bool {
		return nodeState(f, key) == types.NodeStateError
	}, waitFor, 10*time.Millisecond)

	nodes := f.Nodes()
	require.Len(t, nodes, 1)
	assert.Contains(t, nodes[0].LastError, "version mismatch")

	f.DiscoveredNode(key.Address, key.Port, types.DiscoveryAuto)

	require.Eventually(t, func() bool {
		return sim.sessions.Load() == 1 && nodeState(f, key) == types.NodeStateRendering
	}, waitFor, 10*time.Millisecond)

	sessions := f.CurrentSessions()
	require.Len(t, sessions, 2)
	assert.NotEqual(t, sessions[0].Seed, sessions[1].Seed)

	require.NoError(t, f.StopCurrentJob())
	require.Eventually(t, f.Idle, waitFor, 10*time.Millisecond)
	assert.Equal(t, types.NodeStateFree, nodeState(f, key))
}

func TestJobQueueFIFO(t *testing.T) {
	f := startFarm(t, Config{})

	first := newJob(t, 0)
	second := newJob(t, 0)
	third := newJob(t, 0)

	require.NoError(t, f.AddJob(first))
	require.NoError(t, f.AddJob(second))
	require.NoError(t, f.AddJob(third))

	current := f.CurrentJob()
	require.NotNil(t, current)
	assert.Equal(t, first.ID(), current.ID)

	queue := f.Queue()
	require.Len(t, queue, 2)
	assert.Equal(t, second.ID(), queue[0].ID)
	assert.Equal(t, third.ID(), queue[1].ID)

	require.NoError(t, f.StopCurrentJob())
	require.Eventually(t, func() bool {
		cur := f.CurrentJob()
		return cur != nil && cur.ID == second.ID()
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, types.JobStateDone, first.State())

	f.Stop()

	assert.Equal(t, types.JobStateDone, second.State())
	assert.Equal(t, types.JobStateCancelled, third.State())
	assert.ErrorIs(t, f.AddJob(newJob(t, 0)), ErrStopped)
	assert.ErrorIs(t, f.StopCurrentJob(), ErrStopped)
}

func TestJobStartFailureMovesOn(t *testing.T) {
	f := startFarm(t, Config{})

	broken := newJob(t, 0)
	require.NoError(t, os.Remove(broken.Config().DescriptorPath))
	good := newJob(t, 0)

	require.NoError(t, f.AddJob(broken))
	assert.True(t, f.Idle())
	assert.Equal(t, types.JobStateFailed, broken.State())

	require.NoError(t, f.AddJob(good))
	current := f.CurrentJob()
	require.NotNil(t, current)
	assert.Equal(t, good.ID(), current.ID)

	jobs := f.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, types.JobStateFailed, jobs[0].State)
	assert.NotEmpty(t, jobs[0].Error)
}

func TestIdleOperations(t *testing.T) {
	f := startFarm(t, Config{})

	assert.ErrorIs(t, f.StopCurrentJob(), ErrNoCurrentJob)
	assert.ErrorIs(t, f.ForceMerge(), ErrNoCurrentJob)
	assert.Nil(t, f.CurrentJob())
	assert.Empty(t, f.CurrentSessions())
	assert.Empty(t, f.Queue())
}

func TestPersistsHistory(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	f := New(Config{Store: store})
	f.Start()
	sim := startSimNode(t, 1)
	key := types.NodeKey{Address: "127.0.0.1", Port: sim.port()}

	f.DiscoveredNode(key.Address, key.Port, types.DiscoveryManual)
	j := newJob(t, 0)
	require.NoError(t, f.AddJob(j))
	require.Eventually(t, func() bool { return sim.sessions.Load() == 1 }, waitFor, 10*time.Millisecond)
	f.Stop()

	node, err := store.GetNode(key)
	require.NoError(t, err)
	assert.Equal(t, types.DiscoveryManual, node.DiscoveryType)
	assert.Equal(t, types.NodeStateFree, node.State)

	rec, err := store.GetJob(j.ID())
	require.NoError(t, err)
	assert.Equal(t, types.JobStateDone, rec.State)
}

func TestForceMergeReachesJob(t *testing.T) {
	f := startFarm(t, Config{})
	sim := startSimNode(t, 3)

	j := newJob(t, 0)
	require.NoError(t, f.AddJob(j))
	f.DiscoveredNode("127.0.0.1", sim.port(), types.DiscoveryAuto)

	require.Eventually(t, func() bool {
		_ = f.ForceMerge()
		return j.SPP() == 3
	}, waitFor, 20*time.Millisecond)

	assert.Equal(t, types.NodeStateRendering, f.Nodes()[0].State)
}

// sharing returns a fresh job rendering into other's working directory
func sharing(t *testing.T, other *job.Job) *job.Job {
	t.Helper()
	cfg := other.Config()
	cfg.ID = ""
	j, err := job.New(cfg)
	require.NoError(t, err)
	return j
}

func TestRejectsSharedWorkDir(t *testing.T) {
	f := startFarm(t, Config{})

	current := newJob(t, 0)
	queued := newJob(t, 0)
	require.NoError(t, f.AddJob(current))
	require.NoError(t, f.AddJob(queued))

	assert.ErrorIs(t, f.AddJob(sharing(t, current)), ErrWorkDirInUse)
	assert.ErrorIs(t, f.AddJob(sharing(t, queued)), ErrWorkDirInUse)
	assert.Len(t, f.Queue(), 1)

	// Once the owner left the farm its directory is free to resume
	require.NoError(t, f.StopCurrentJob())
	require.Eventually(t, func() bool {
		cur := f.CurrentJob()
		return cur != nil && cur.ID == queued.ID()
	}, waitFor, 10*time.Millisecond)

	again := sharing(t, current)
	require.NoError(t, f.AddJob(again))
	queue := f.Queue()
	require.Len(t, queue, 1)
	assert.Equal(t, again.ID(), queue[0].ID)
}

func TestStopSavesFinalComposite(t *testing.T) {
	f := New(Config{})
	f.Start()
	sim := startSimNode(t, 3)

	dir := t.TempDir()
	desc := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(desc, []byte("width: 2\nheight: 2\n"), 0644))

	// No periodic pull or merge runs before the stop
	j, err := job.New(job.Config{
		DescriptorPath:   desc,
		WorkDir:          filepath.Join(dir, "work"),
		StatsPeriod:      20 * time.Millisecond,
		FilmUpdatePeriod: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, f.AddJob(j))
	f.DiscoveredNode("127.0.0.1", sim.port(), types.DiscoveryAuto)
	require.Eventually(t, func() bool { return sim.sessions.Load() == 1 }, waitFor, 10*time.Millisecond)

	_, err = os.Stat(filepath.Join(j.Config().WorkDir, job.FilmFile))
	require.True(t, os.IsNotExist(err), "composite must not exist before the stop")

	f.Stop()

	assert.Equal(t, types.JobStateDone, j.State())
	composite, err := film.Load(filepath.Join(j.Config().WorkDir, job.FilmFile))
	require.NoError(t, err)
	assert.Equal(t, 3.0, composite.SPP())
	assert.Equal(t, 3.0, j.SPP())
}
