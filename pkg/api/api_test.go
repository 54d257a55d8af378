package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/renderfarm/pkg/events"
	"github.com/cuemby/renderfarm/pkg/farm"
	"github.com/cuemby/renderfarm/pkg/health"
	"github.com/cuemby/renderfarm/pkg/job"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sighting struct {
	address   string
	port      int
	discovery types.DiscoveryType
}

// fakeFarm records calls and serves canned snapshots
type fakeFarm struct {
	mu        sync.Mutex
	nodes     []types.Node
	current   *types.JobRecord
	sessions  []job.SessionStatus
	added     []*job.Job
	sightings []sighting
	stopErr   error
	mergeErr  error
	addErr    error
	stops     int
	merges    int
}

func (f *fakeFarm) AddJob(j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, j)
	return nil
}

func (f *fakeFarm) StopCurrentJob() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.stopErr
}

func (f *fakeFarm) ForceMerge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges++
	return f.mergeErr
}

func (f *fakeFarm) DiscoveredNode(address string, port int, discovery types.DiscoveryType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sightings = append(f.sightings, sighting{address, port, discovery})
}

func (f *fakeFarm) Nodes() []types.Node { return f.nodes }

func (f *fakeFarm) Jobs() []types.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.JobRecord
	for _, j := range f.added {
		out = append(out, j.Record())
	}
	return out
}

func (f *fakeFarm) Queue() []types.JobRecord { return nil }

func (f *fakeFarm) CurrentJob() *types.JobRecord { return f.current }

func (f *fakeFarm) CurrentSessions() []job.SessionStatus { return f.sessions }

func (f *fakeFarm) Idle() bool { return f.current == nil }

func newTestServer(f *fakeFarm) *Server {
	return NewServer(Config{Farm: f, Version: "test"})
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(&fakeFarm{})

	for _, path := range []string{"/live", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := do(t, s, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}

	w := do(t, s, http.MethodPost, "/live", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestListNodes(t *testing.T) {
	f := &fakeFarm{nodes: []types.Node{
		{Key: types.NodeKey{Address: "10.0.0.1", Port: 18018}, State: types.NodeStateFree},
		{Key: types.NodeKey{Address: "10.0.0.2", Port: 18018}, State: types.NodeStateRendering},
	}}
	s := newTestServer(f)

	w := do(t, s, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var nodes []types.Node
	require.NoError(t, json.NewDecoder(w.Body).Decode(&nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, types.NodeStateRendering, nodes[1].State)
}

func TestListNodesEmpty(t *testing.T) {
	w := do(t, newTestServer(&fakeFarm{}), http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAddNode(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "valid", body: `{"address":"10.0.0.9:18018"}`, wantStatus: http.StatusAccepted},
		{name: "missing port", body: `{"address":"10.0.0.9"}`, wantStatus: http.StatusBadRequest},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFarm{}
			w := do(t, newTestServer(f), http.MethodPost, "/api/v1/nodes", []byte(tt.body))
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusAccepted {
				require.Len(t, f.sightings, 1)
				assert.Equal(t, sighting{"10.0.0.9", 18018, types.DiscoveryManual}, f.sightings[0])
			} else {
				assert.Empty(t, f.sightings)
			}
		})
	}
}

func TestAddNodeRegistersWithProber(t *testing.T) {
	f := &fakeFarm{}
	prober := health.NewProber(health.Config{Interval: time.Hour, Timeout: time.Second}, nil)
	s := NewServer(Config{Farm: f, Prober: prober})

	w := do(t, s, http.MethodPost, "/api/v1/nodes", []byte(`{"address":"render-01:18018"}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, []types.NodeKey{{Address: "render-01", Port: 18018}}, prober.Targets())
}

func TestAddJob(t *testing.T) {
	dir := t.TempDir()
	descriptor := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(descriptor, []byte("width: 4\nheight: 4\n"), 0644))

	f := &fakeFarm{}
	s := newTestServer(f)

	body := []byte("descriptor: " + descriptor + "\nhalt_spp: 64\nhalt_time: 10m\n")
	w := do(t, s, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var rec types.JobRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Equal(t, "scene", rec.Name)
	assert.Equal(t, 64.0, rec.HaltSPP)
	assert.Equal(t, 10*time.Minute, rec.HaltTime)
	assert.Equal(t, filepath.Join(dir, "scene-render"), rec.WorkDir)
	require.Len(t, f.added, 1)

	w = do(t, s, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []types.JobRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, rec.ID, jobs[0].ID)
}

func TestAddJobInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "no descriptor", body: "halt_spp: 10\n", wantStatus: http.StatusBadRequest},
		{name: "negative halt", body: "descriptor: /x.yaml\nhalt_spp: -1\n", wantStatus: http.StatusBadRequest},
		{name: "missing descriptor file", body: "descriptor: " + filepath.Join(dir, "missing.yaml") + "\n", wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFarm{}
			w := do(t, newTestServer(f), http.MethodPost, "/api/v1/jobs", []byte(tt.body))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Empty(t, f.added)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAddJobWorkDirInUse(t *testing.T) {
	dir := t.TempDir()
	descriptor := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(descriptor, []byte("width: 4\nheight: 4\n"), 0644))

	f := &fakeFarm{addErr: farm.ErrWorkDirInUse}
	w := do(t, newTestServer(f), http.MethodPost, "/api/v1/jobs", []byte("descriptor: "+descriptor+"\n"))
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	_, err := os.Stat(filepath.Join(dir, "scene-render"))
	assert.True(t, os.IsNotExist(err), "a rejected job must not touch its working directory")
}

func TestCurrentJob(t *testing.T) {
	f := &fakeFarm{}
	s := newTestServer(f)

	w := do(t, s, http.MethodGet, "/api/v1/jobs/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.current = &types.JobRecord{ID: "job-1", State: types.JobStateRunning, SPP: 12}
	f.sessions = []job.SessionStatus{{ID: "abcd1234", Node: "10.0.0.1:18018", Seed: 3}}

	w = do(t, s, http.MethodGet, "/api/v1/jobs/current", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CurrentJobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.Job.ID)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, uint64(3), resp.Sessions[0].Seed)
}

func TestStopAndMerge(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{name: "stop", path: "/api/v1/jobs/current/stop", wantStatus: http.StatusAccepted},
		{name: "stop idle", path: "/api/v1/jobs/current/stop", err: farm.ErrNoCurrentJob, wantStatus: http.StatusConflict},
		{name: "stop after shutdown", path: "/api/v1/jobs/current/stop", err: farm.ErrStopped, wantStatus: http.StatusServiceUnavailable},
		{name: "merge", path: "/api/v1/jobs/current/merge", wantStatus: http.StatusAccepted},
		{name: "merge idle", path: "/api/v1/jobs/current/merge", err: farm.ErrNoCurrentJob, wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFarm{stopErr: tt.err, mergeErr: tt.err}
			w := do(t, newTestServer(f), http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, 1, f.stops+f.merges)
		})
	}
}

func TestStatus(t *testing.T) {
	f := &fakeFarm{
		nodes: []types.Node{
			{State: types.NodeStateFree},
			{State: types.NodeStateError},
			{State: types.NodeStateFree},
		},
	}
	s := newTestServer(f)

	w := do(t, s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "idle", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 2, resp.Nodes[types.NodeStateFree])
	assert.Equal(t, 1, resp.Nodes[types.NodeStateError])
	assert.Equal(t, 0, resp.Nodes[types.NodeStateRendering])
	assert.Nil(t, resp.CurrentJob)
}

func TestReadOnly(t *testing.T) {
	f := &fakeFarm{}
	s := NewServer(Config{Farm: f, ReadOnly: true})

	w := do(t, s, http.MethodPost, "/api/v1/jobs/current/stop", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, f.stops)

	w = do(t, s, http.MethodGet, "/api/v1/nodes", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventStream(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := NewServer(Config{Farm: &fakeFarm{}, Broker: broker})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?type=job.done", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	broker.Publish(&events.Event{Type: events.EventNodeDiscovered, Message: "filtered out"})
	broker.Publish(&events.Event{Type: events.EventJobDone, Message: "teapot done"})

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, events.EventJobDone, ev.Type)
	assert.Equal(t, "teapot done", ev.Message)
}

func TestEventStreamDisabled(t *testing.T) {
	w := do(t, newTestServer(&fakeFarm{}), http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
