package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeKey identifies a render node by the address and port it serves on
type NodeKey struct {
	Address string
	Port    int
}

// String returns the host:port form of the key
func (k NodeKey) String() string {
	return net.JoinHostPort(k.Address, strconv.Itoa(k.Port))
}

// ParseNodeKey parses a host:port string into a NodeKey
func ParseNodeKey(s string) (NodeKey, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeKey{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeKey{}, fmt.Errorf("invalid node port %q", portStr)
	}
	if host == "" {
		return NodeKey{}, fmt.Errorf("invalid node address %q: empty host", s)
	}
	return NodeKey{Address: host, Port: port}, nil
}

// DiscoveryType records how the farm learned about a node
type DiscoveryType string

const (
	DiscoveryAuto   DiscoveryType = "auto"   // Beacon sighting
	DiscoveryManual DiscoveryType = "manual" // Operator supplied
)

// NodeState represents the current state of a node in the farm registry
type NodeState string

const (
	NodeStateFree      NodeState = "free"
	NodeStateRendering NodeState = "rendering"
	NodeStateError     NodeState = "error"
)

// Node is a render node known to the farm
type Node struct {
	Key           NodeKey       `json:"key"`
	DiscoveryType DiscoveryType `json:"discovery_type"`
	State         NodeState     `json:"state"`
	JobID         string        `json:"job_id,omitempty"` // Job the node is rendering for
	LastError     string        `json:"last_error,omitempty"`
	LastContact   time.Time     `json:"last_contact"`
	FirstSeen     time.Time     `json:"first_seen"`
}

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateStopping  JobState = "stopping"
	JobStateDone      JobState = "done"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the job can no longer change state
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateFailed || s == JobStateCancelled
}

// JobRecord is the persisted summary of a job
type JobRecord struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Descriptor string        `json:"descriptor"`
	WorkDir    string        `json:"work_dir"`
	State      JobState      `json:"state"`
	SPP        float64       `json:"spp"`
	HaltSPP    float64       `json:"halt_spp,omitempty"`
	HaltTime   time.Duration `json:"halt_time,omitempty"`
	Resumed    bool          `json:"resumed,omitempty"`
	Seed       uint64        `json:"seed,omitempty"`     // Next seed to hand out
	Sessions   int           `json:"sessions,omitempty"` // Sessions dispatched so far
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}
