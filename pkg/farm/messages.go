package farm

import (
	"time"

	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/types"
)

// message is anything the farm goroutine handles
type message interface{}

type discoverMsg struct {
	key       types.NodeKey
	discovery types.DiscoveryType
	at        time.Time
}

type addJobMsg struct {
	job   *job.Job
	reply chan error
}

type sessionDoneMsg struct {
	job  *job.Job
	node types.NodeKey
	err  error
}

// jobDoneMsg comes from a job's merger when a halt condition is met
type jobDoneMsg struct {
	job *job.Job
}

// stopJobMsg is a user request to stop the current job
type stopJobMsg struct {
	reply chan error
}

// jobStoppedMsg reports that a job's Stop returned
type jobStoppedMsg struct {
	job *job.Job
}

type queryMsg struct {
	fn    func()
	reply chan struct{}
}

type stopMsg struct{}
