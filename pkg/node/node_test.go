package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/renderfarm/pkg/film"
	"github.com/cuemby/renderfarm/pkg/protocol"
	"github.com/cuemby/renderfarm/pkg/session"
	"github.com/cuemby/renderfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScene = "width: 8\nheight: 6\nsamples_per_pass: 2\npass_delay: 5ms\n"

func startServer(t *testing.T) *Server {
	t.Helper()

	srv := NewServer(Config{
		ListenAddr:   "127.0.0.1:0",
		WorkDir:      t.TempDir(),
		ReplyTimeout: 2 * time.Second,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv
}

func serverKey(t *testing.T, srv *Server) types.NodeKey {
	key, err := types.ParseNodeKey(srv.Addr().String())
	require.NoError(t, err)
	return key
}

func writeScene(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testScene), 0644))
	return path
}

func TestParseScene(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{name: "valid", data: testScene},
		{name: "defaults", data: "width: 2\nheight: 2\n"},
		{name: "zero width", data: "width: 0\nheight: 2\n", wantErr: true},
		{name: "too large", data: "width: 9000\nheight: 2\n", wantErr: true},
		{name: "not yaml", data: "width: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scene, err := ParseScene([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Positive(t, scene.SamplesPerPass)
			assert.Positive(t, scene.PassDelay)
		})
	}
}

func TestSimEngineDeterministic(t *testing.T) {
	render := func(seed uint64) *film.Film {
		e := &SimEngine{}
		require.NoError(t, e.configure([]byte(testScene), seed))
		e.renderPass()
		e.renderPass()
		return e.Film()
	}

	a := render(42)
	b := render(42)
	c := render(43)

	assert.Equal(t, a.Pixels, b.Pixels)
	assert.NotEqual(t, a.Pixels, c.Pixels)
	assert.Equal(t, 4.0, a.SPP())
}

func TestSimEngineStartStop(t *testing.T) {
	e := NewSimEngine()
	assert.Nil(t, e.Film())
	assert.Equal(t, "idle", e.Stats())

	require.NoError(t, e.Start([]byte(testScene), 1))
	require.Eventually(t, func() bool { return e.Film().SPP() >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, e.Stats(), "spp")

	e.Stop()
	e.Stop()
}

func TestSimEngineRejectsBadScene(t *testing.T) {
	e := NewSimEngine()
	assert.Error(t, e.Start([]byte("width: -1\n"), 1))
	e.Stop()
}

func TestServerSession(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()

	s := session.New(session.Config{
		JobID:            "job-1",
		Node:             serverKey(t, srv),
		DescriptorPath:   writeScene(t, dir),
		WorkDir:          dir,
		Seed:             3,
		StatsPeriod:      20 * time.Millisecond,
		FilmUpdatePeriod: time.Hour,
		ReplyTimeout:     2 * time.Second,
	})
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.LastStats() != "" }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, srv.Busy())

	s.UpdateFilm()
	require.Eventually(t, func() bool { return s.FilmPulls() == 1 }, 3*time.Second, 10*time.Millisecond)

	f, err := film.Load(s.FilmPath())
	require.NoError(t, err)
	assert.Equal(t, 8, f.Width)
	assert.Equal(t, 6, f.Height)
	assert.Greater(t, f.SPP(), 0.0)

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
	}
	assert.NoError(t, s.Err())

	require.Eventually(t, func() bool { return !srv.Busy() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.Sessions())
}

func TestServerBusy(t *testing.T) {
	srv := startServer(t)

	first, err := protocol.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, srv.Busy, 2*time.Second, 5*time.Millisecond)

	second, err := protocol.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer second.Close()

	line, err := second.ReadLine(2 * time.Second)
	require.NoError(t, err)
	reason, ok := protocol.ParseError(line)
	require.True(t, ok)
	assert.Equal(t, "busy", reason)
}

func TestServerVersionMismatch(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()

	s := session.New(session.Config{
		Node:           serverKey(t, srv),
		Version:        "RENDERFARM/0",
		DescriptorPath: writeScene(t, dir),
		WorkDir:        dir,
		ReplyTimeout:   time.Second,
	})
	s.Start(context.Background())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
	}

	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "version mismatch")
	assert.Equal(t, int64(0), srv.Sessions())
}

func TestServerUnknownCommand(t *testing.T) {
	srv := startServer(t)

	conn, err := protocol.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteLine(protocol.Version))
	require.NoError(t, conn.ExpectLine("version", protocol.CmdOK, time.Second))

	_, err = conn.SendFile(writeScene(t, t.TempDir()), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.WriteLine("5"))
	require.NoError(t, conn.ExpectLine("start", protocol.CmdRenderingStarted, time.Second))

	require.NoError(t, conn.WriteLine("RENDER_FASTER"))
	line, err := conn.ReadLine(time.Second)
	require.NoError(t, err)
	_, ok := protocol.ParseError(line)
	assert.True(t, ok)

	require.NoError(t, conn.WriteLine(protocol.CmdDone))
	assert.NoError(t, conn.ExpectLine("finish", protocol.CmdOK, time.Second))
}

func TestServerToleratesProbe(t *testing.T) {
	srv := startServer(t)

	probe, err := protocol.Dial(context.Background(), srv.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, probe.Close())

	require.Eventually(t, func() bool { return !srv.Busy() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), srv.Sessions())
}
