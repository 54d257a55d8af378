package health

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sightings struct {
	mu   sync.Mutex
	keys []types.NodeKey
}

func (s *sightings) record(key types.NodeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
}

func (s *sightings) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func listen(t *testing.T) types.NodeKey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	key, err := types.ParseNodeKey(ln.Addr().String())
	require.NoError(t, err)
	return key
}

func closedPort(t *testing.T) types.NodeKey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	key, err := types.ParseNodeKey(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()
	return key
}

func TestTCPChecker(t *testing.T) {
	up := listen(t)
	down := closedPort(t)

	result := NewTCPChecker(up.String()).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)

	result = NewTCPChecker(down.String()).WithTimeout(200 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "unreachable")
}

func TestProberSightsReachableNodes(t *testing.T) {
	up := listen(t)
	down := closedPort(t)
	seen := &sightings{}

	p := NewProber(Config{Interval: time.Hour, Timeout: 200 * time.Millisecond, FailureThreshold: 1}, seen.record)
	p.Add(up)
	p.Add(down)
	p.Add(up)
	assert.Len(t, p.Targets(), 2)

	p.ProbeAll()

	seen.mu.Lock()
	assert.Equal(t, []types.NodeKey{up}, seen.keys)
	seen.mu.Unlock()

	status, ok := p.Status(down)
	require.True(t, ok)
	assert.False(t, status.Up)
	assert.Equal(t, 1, status.Failures)

	p.Remove(up)
	p.ProbeAll()
	assert.Equal(t, 1, seen.count())
}

func TestProberLoop(t *testing.T) {
	up := listen(t)
	seen := &sightings{}

	p := NewProber(Config{Interval: 20 * time.Millisecond, Timeout: time.Second}, seen.record)
	p.Add(up)
	p.Start()

	require.Eventually(t, func() bool { return seen.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
}

func TestStatusRecord(t *testing.T) {
	s := &Status{Up: true}

	assert.False(t, s.record(Result{Message: "refused"}, 2), "one failure is below the threshold")
	assert.True(t, s.Up)

	assert.True(t, s.record(Result{Message: "refused"}, 2))
	assert.False(t, s.Up)
	assert.Equal(t, "refused", s.Last.Message)

	assert.True(t, s.record(Result{Healthy: true}, 2))
	assert.True(t, s.Up)
	assert.Equal(t, 0, s.Failures)
	assert.Equal(t, 1, s.Successes)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Interval: time.Second}.withDefaults()
	assert.Equal(t, time.Second, c.Interval)
	assert.Equal(t, defaultTimeout, c.Timeout)
	assert.Equal(t, defaultFailureThreshold, c.FailureThreshold)
}
