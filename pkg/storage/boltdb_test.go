package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNodeOperations(t *testing.T) {
	store := newTestStore(t)

	node := &types.Node{
		Key:           types.NodeKey{Address: "10.0.0.5", Port: 18018},
		DiscoveryType: types.DiscoveryAuto,
		State:         types.NodeStateFree,
		LastContact:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutNode(node))

	got, err := store.GetNode(node.Key)
	require.NoError(t, err)
	assert.Equal(t, node.Key, got.Key)
	assert.Equal(t, types.NodeStateFree, got.State)
	assert.True(t, node.LastContact.Equal(got.LastContact))

	node.State = types.NodeStateError
	node.LastError = "connection refused"
	require.NoError(t, store.PutNode(node))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "connection refused", nodes[0].LastError)

	require.NoError(t, store.DeleteNode(node.Key))
	_, err = store.GetNode(node.Key)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJobOperations(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	second := &types.JobRecord{ID: "b", State: types.JobStateQueued, CreatedAt: now}
	first := &types.JobRecord{ID: "a", State: types.JobStateDone, SPP: 64, CreatedAt: now.Add(-time.Minute)}
	require.NoError(t, store.PutJob(second))
	require.NoError(t, store.PutJob(first))

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID, "jobs are listed oldest first")
	assert.Equal(t, 64.0, jobs[0].SPP)

	got, err := store.GetJob("b")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)

	require.NoError(t, store.DeleteJob("b"))
	_, err = store.GetJob("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.PutJob(&types.JobRecord{ID: "persisted"}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetJob("persisted")
	assert.NoError(t, err)
}
