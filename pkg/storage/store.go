package storage

import (
	"errors"

	"github.com/cuemby/renderfarm/pkg/types"
)

// ErrNotFound is wrapped by Get calls for keys that were never written
var ErrNotFound = errors.New("not found")

// Store persists the farm's view of nodes and jobs across restarts.
// Put calls are upserts keyed by host:port and job ID.
type Store interface {
	PutNode(node *types.Node) error
	GetNode(key types.NodeKey) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(key types.NodeKey) error

	PutJob(job *types.JobRecord) error
	GetJob(id string) (*types.JobRecord, error)
	ListJobs() ([]*types.JobRecord, error)
	DeleteJob(id string) error

	Close() error
}
