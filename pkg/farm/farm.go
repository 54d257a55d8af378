package farm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/log"
	"github.com/cuemby/renderfarm/pkg/metrics"
	"github.com/cuemby/renderfarm/pkg/storage"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrStopped is returned by operations on a farm that has shut down
	ErrStopped = errors.New("farm is stopped")

	// ErrNoCurrentJob is returned when an operation needs a running job
	ErrNoCurrentJob = errors.New("no current job")

	// ErrWorkDirInUse is returned when a job names the working directory of
	// the current job or of a queued one
	ErrWorkDirInUse = errors.New("working directory in use by another job")
)

// maxHistory bounds the finished jobs kept in memory for listings
const maxHistory = 100

// Config holds optional farm collaborators
type Config struct {
	// Store records node and job history; nil disables persistence
	Store storage.Store

	// Broker receives farm events; nil disables publishing
	Broker *events.Broker
}

// Farm distributes the current job over every free node and runs queued
// jobs one after another. All state is owned by a single goroutine; the
// exported methods only exchange messages with it.
type Farm struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	msgs chan message
	done chan struct{}

	// Owned by the run goroutine
	nodes     map[types.NodeKey]*types.Node
	current   *job.Job
	queue     []*job.Job
	history   []types.JobRecord
	finishing bool
	stopping  bool
}

// New creates a farm. Call Start to run it.
func New(cfg Config) *Farm {
	ctx, cancel := context.WithCancel(context.Background())

	return &Farm{
		store:  cfg.Store,
		broker: cfg.Broker,
		logger: log.WithComponent("farm"),
		ctx:    ctx,
		cancel: cancel,
		msgs:   make(chan message),
		done:   make(chan struct{}),
		nodes:  make(map[types.NodeKey]*types.Node),
	}
}

// Start runs the farm loop
func (f *Farm) Start() {
	f.logger.Info().Msg("Farm started")
	go f.run()
}

// Stop cancels queued jobs, stops the current job with a final merge and
// waits for the farm loop to exit.
func (f *Farm) Stop() {
	f.post(stopMsg{})
	<-f.done
	f.cancel()
	f.logger.Info().Msg("Farm stopped")
}

// Done is closed once the farm loop has exited
func (f *Farm) Done() <-chan struct{} {
	return f.done
}

// AddJob makes j the current job when the farm is idle, otherwise queues it
func (f *Farm) AddJob(j *job.Job) error {
	reply := make(chan error, 1)
	if !f.post(addJobMsg{job: j, reply: reply}) {
		return ErrStopped
	}
	return <-reply
}

// DiscoveredNode registers a sighting of a node
func (f *Farm) DiscoveredNode(address string, port int, discovery types.DiscoveryType) {
	f.post(discoverMsg{
		key:       types.NodeKey{Address: address, Port: port},
		discovery: discovery,
		at:        time.Now(),
	})
}

// CurrentJobDone reports that j reached a halt condition. The job is stopped
// without a final merge, its last pass already produced the final film.
func (f *Farm) CurrentJobDone(j *job.Job) {
	f.post(jobDoneMsg{job: j})
}

// StopCurrentJob stops the current job after a final film update and merge
func (f *Farm) StopCurrentJob() error {
	reply := make(chan error, 1)
	if !f.post(stopJobMsg{reply: reply}) {
		return ErrStopped
	}
	return <-reply
}

// ForceMerge asks the current job to merge films now
func (f *Farm) ForceMerge() error {
	var err error
	ok := f.query(func() {
		if f.current == nil || f.finishing {
			err = ErrNoCurrentJob
			return
		}
		f.current.ForceMerge()
	})
	if !ok {
		return ErrStopped
	}
	return err
}

// Nodes returns a snapshot of the registry ordered by address
func (f *Farm) Nodes() []types.Node {
	var out []types.Node
	f.query(func() {
		out = make([]types.Node, 0, len(f.nodes))
		for _, n := range f.nodes {
			out = append(out, *n)
		}
	})
	sort.Slice(out, func(i, k int) bool {
		return out[i].Key.String() < out[k].Key.String()
	})
	return out
}

// CurrentJob returns the current job summary, or nil when idle
func (f *Farm) CurrentJob() *types.JobRecord {
	var rec *types.JobRecord
	f.query(func() {
		if f.current != nil {
			r := f.current.Record()
			rec = &r
		}
	})
	return rec
}

// CurrentSessions returns the sessions of the current job
func (f *Farm) CurrentSessions() []job.SessionStatus {
	var j *job.Job
	f.query(func() { j = f.current })
	if j == nil {
		return nil
	}
	return j.Sessions()
}

// Queue returns the queued jobs in run order
func (f *Farm) Queue() []types.JobRecord {
	var out []types.JobRecord
	f.query(func() {
		out = make([]types.JobRecord, 0, len(f.queue))
		for _, j := range f.queue {
			out = append(out, j.Record())
		}
	})
	return out
}

// Jobs returns finished, current and queued jobs, oldest first
func (f *Farm) Jobs() []types.JobRecord {
	var out []types.JobRecord
	f.query(func() {
		out = append(out, f.history...)
		if f.current != nil {
			out = append(out, f.current.Record())
		}
		for _, j := range f.queue {
			out = append(out, j.Record())
		}
	})
	return out
}

// Idle reports whether the farm has no current job
func (f *Farm) Idle() bool {
	idle := true
	f.query(func() { idle = f.current == nil })
	return idle
}

// post delivers a message unless the loop has exited
func (f *Farm) post(msg message) bool {
	select {
	case f.msgs <- msg:
		return true
	case <-f.done:
		return false
	}
}

// query runs fn on the farm goroutine and waits for it
func (f *Farm) query(fn func()) bool {
	reply := make(chan struct{})
	if !f.post(queryMsg{fn: fn, reply: reply}) {
		return false
	}
	<-reply
	return true
}

func (f *Farm) run() {
	defer close(f.done)

	for msg := range f.msgs {
		if exit := f.handle(msg); exit {
			return
		}
	}
}

func (f *Farm) handle(msg message) bool {
	switch m := msg.(type) {
	case discoverMsg:
		f.handleDiscover(m)
	case addJobMsg:
		m.reply <- f.handleAddJob(m.job)
	case sessionDoneMsg:
		f.handleSessionDone(m)
	case jobDoneMsg:
		f.handleJobDone(m.job)
	case stopJobMsg:
		m.reply <- f.handleStopJob()
	case jobStoppedMsg:
		return f.handleJobStopped(m.job)
	case queryMsg:
		m.fn()
		close(m.reply)
	case stopMsg:
		return f.handleStop()
	default:
		f.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("Unknown message")
	}
	return false
}

func (f *Farm) handleDiscover(m discoverMsg) {
	if f.stopping {
		return
	}

	n, known := f.nodes[m.key]
	if !known {
		n = &types.Node{
			Key:           m.key,
			DiscoveryType: m.discovery,
			State:         types.NodeStateFree,
			FirstSeen:     m.at,
			LastContact:   m.at,
		}
		f.nodes[m.key] = n

		f.logger.Info().
			Str("node", m.key.String()).
			Str("discovery", string(m.discovery)).
			Msg("Node discovered")
		f.publish(events.EventNodeDiscovered, "node discovered", map[string]string{"node": m.key.String()})

		f.assign(n)
		f.persistNode(n)
		return
	}

	if m.at.After(n.LastContact) {
		n.LastContact = m.at
	}

	if n.State == types.NodeStateError {
		f.logger.Info().Str("node", m.key.String()).Msg("Failed node sighted again, retrying")
		n.State = types.NodeStateFree
		n.LastError = ""
		f.publish(events.EventNodeFree, "node back after error", map[string]string{"node": m.key.String()})
		f.assign(n)
		f.persistNode(n)
	}
}

func (f *Farm) handleAddJob(j *job.Job) error {
	if f.stopping {
		return ErrStopped
	}
	if owner := f.workDirOwner(j.Config().WorkDir); owner != nil {
		return fmt.Errorf("%w: %s", ErrWorkDirInUse, owner.ID())
	}

	f.logger.Info().Str("job_id", j.ID()).Msg("Job added")
	f.publish(events.EventJobQueued, "job queued", map[string]string{"job_id": j.ID()})
	f.persistJob(j)

	f.queue = append(f.queue, j)
	if f.current == nil {
		f.startNext()
	}
	return nil
}

// workDirOwner returns the current or queued job writing to dir
func (f *Farm) workDirOwner(dir string) *job.Job {
	dir = filepath.Clean(dir)
	if f.current != nil && filepath.Clean(f.current.Config().WorkDir) == dir {
		return f.current
	}
	for _, q := range f.queue {
		if filepath.Clean(q.Config().WorkDir) == dir {
			return q
		}
	}
	return nil
}

// startNext starts queued jobs until one runs or the queue is empty
func (f *Farm) startNext() {
	for len(f.queue) > 0 {
		j := f.queue[0]
		f.queue = f.queue[1:]

		err := j.Start(f.ctx, job.Hooks{
			OnDone: f.CurrentJobDone,
			OnSessionExit: func(j *job.Job, node types.NodeKey, err error) {
				f.post(sessionDoneMsg{job: j, node: node, err: err})
			},
		})
		if err != nil {
			f.logger.Error().Err(err).Str("job_id", j.ID()).Msg("Failed to start job")
			j.Fail(err)
			f.finishJob(j, events.EventJobFailed)
			continue
		}

		f.current = j
		f.publish(events.EventJobStarted, "job started", map[string]string{"job_id": j.ID()})
		f.persistJob(j)

		for _, n := range f.sortedNodes() {
			f.assign(n)
		}
		return
	}

	f.logger.Info().Msg("No queued jobs, farm idle")
}

// assign dispatches the current job to n when both are available
func (f *Farm) assign(n *types.Node) {
	if f.current == nil || f.finishing || f.stopping || n.State != types.NodeStateFree {
		return
	}

	if _, err := f.current.Dispatch(n.Key); err != nil {
		f.logger.Error().Err(err).Str("node", n.Key.String()).Msg("Failed to dispatch job")
		return
	}

	n.State = types.NodeStateRendering
	n.JobID = f.current.ID()
	f.publish(events.EventNodeRendering, "node rendering", map[string]string{
		"node":   n.Key.String(),
		"job_id": n.JobID,
	})
	f.persistNode(n)
}

func (f *Farm) handleSessionDone(m sessionDoneMsg) {
	n, ok := f.nodes[m.node]
	if !ok || n.State != types.NodeStateRendering || n.JobID != m.job.ID() {
		return
	}

	n.JobID = ""
	if m.err != nil {
		n.State = types.NodeStateError
		n.LastError = m.err.Error()
		f.logger.Warn().Err(m.err).Str("node", m.node.String()).Msg("Node session failed")
		f.publish(events.EventNodeError, m.err.Error(), map[string]string{"node": m.node.String()})
	} else {
		n.State = types.NodeStateFree
		f.publish(events.EventNodeFree, "node session finished", map[string]string{"node": m.node.String()})
		f.assign(n)
	}
	f.persistNode(n)
}

func (f *Farm) handleJobDone(j *job.Job) {
	if j != f.current || f.finishing {
		return
	}
	f.logger.Info().Str("job_id", j.ID()).Float64("spp", j.SPP()).Msg("Job reached halt condition")
	f.finishCurrent(false)
}

func (f *Farm) handleStopJob() error {
	if f.current == nil {
		return ErrNoCurrentJob
	}
	if !f.finishing {
		f.logger.Info().Str("job_id", f.current.ID()).Msg("Stopping current job")
		f.finishCurrent(true)
	}
	return nil
}

// finishCurrent stops the current job off the farm goroutine so session
// exits keep flowing while the job waits for its sessions
func (f *Farm) finishCurrent(lastUpdate bool) {
	f.finishing = true
	j := f.current

	go func() {
		j.Stop(lastUpdate)
		f.post(jobStoppedMsg{job: j})
	}()
}

func (f *Farm) handleJobStopped(j *job.Job) bool {
	if j != f.current {
		return false
	}

	f.current = nil
	f.finishing = false
	f.finishJob(j, events.EventJobDone)

	if f.stopping {
		return true
	}

	f.startNext()
	return false
}

func (f *Farm) handleStop() bool {
	f.stopping = true
	// Aborts connects still in progress
	f.cancel()

	for _, j := range f.queue {
		j.Cancel()
		f.finishJob(j, events.EventJobCancelled)
	}
	f.queue = nil

	if f.current == nil {
		return true
	}

	if !f.finishing {
		f.finishCurrent(true)
	}
	// The loop exits once the current job reports stopped
	return false
}

// finishJob records a job that left the farm
func (f *Farm) finishJob(j *job.Job, event events.EventType) {
	rec := j.Record()

	f.history = append(f.history, rec)
	if len(f.history) > maxHistory {
		f.history = f.history[len(f.history)-maxHistory:]
	}

	metrics.JobsFinished.WithLabelValues(string(rec.State)).Inc()
	f.publish(event, fmt.Sprintf("job %s", rec.State), map[string]string{
		"job_id": rec.ID,
		"spp":    fmt.Sprintf("%.2f", rec.SPP),
	})
	f.persistJob(j)

	f.logger.Info().
		Str("job_id", rec.ID).
		Str("state", string(rec.State)).
		Float64("spp", rec.SPP).
		Msg("Job finished")
}

func (f *Farm) sortedNodes() []*types.Node {
	nodes := make([]*types.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, k int) bool {
		return nodes[i].Key.String() < nodes[k].Key.String()
	})
	return nodes
}

func (f *Farm) publish(t events.EventType, msg string, meta map[string]string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

func (f *Farm) persistNode(n *types.Node) {
	if f.store == nil {
		return
	}
	snapshot := *n
	if err := f.store.PutNode(&snapshot); err != nil {
		f.logger.Warn().Err(err).Str("node", n.Key.String()).Msg("Failed to persist node")
	}
}

func (f *Farm) persistJob(j *job.Job) {
	if f.store == nil {
		return
	}
	rec := j.Record()
	if err := f.store.PutJob(&rec); err != nil {
		f.logger.Warn().Err(err).Str("job_id", rec.ID).Msg("Failed to persist job")
	}
}
