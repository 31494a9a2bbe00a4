package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func initServerWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme", Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	return ws
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.SyncWorker == (index.SyncWorkerConfig{}) {
		cfg.SyncWorker = index.SyncWorkerConfig{DebounceMs: 5, MinIntervalMs: 5}
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return srv
}

func TestNewAndShutdown(t *testing.T) {
	srv, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx), "second shutdown is a no-op")
}

func TestObserveWorkspaceRecoversCrashedRuns(t *testing.T) {
	ws := initServerWorkspace(t)
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         "r-stale",
		ProjectID:     "p1",
		AgentID:       "dev-1",
		Provider:      types.ProviderGemini,
		Status:        types.RunStatusRunning,
		CreatedAt:     time.Now().UTC(),
	}))

	newTestServer(t, Config{
		Workspaces:     []string{ws.Root()},
		RecoverCrashed: true,
	})

	run, err := ws.LoadRun("p1", "r-stale")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.True(t, run.RecoveredFromCrash)
}

func TestObserveWorkspaceRejectsUninitializedDir(t *testing.T) {
	_, err := New(Config{Workspaces: []string{t.TempDir()}})
	require.Error(t, err)
}

func TestServeTCP(t *testing.T) {
	ws := initServerWorkspace(t)
	srv := newTestServer(t, Config{ListenAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))

	addrs := srv.ListenerAddrs()
	require.Len(t, addrs, 1)

	conn, err := net.Dial("tcp", addrs[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	req := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"workspace.describe","params":{"workspace_dir":%q}}`+"\n", ws.Root())
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan(), "no response line: %v", scanner.Err())
	line := scanner.Text()
	assert.Contains(t, line, `"id":1`)
	assert.Contains(t, line, `"company_id":"acme"`)
	assert.Contains(t, line, `"p1"`)
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, err := New(Config{ListenAddr: "127.0.0.1:0", SyncWorker: index.SyncWorkerConfig{DebounceMs: 5, MinIntervalMs: 5}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))

	addrs := srv.ListenerAddrs()
	require.Len(t, addrs, 1)
	conn, err := net.Dial("tcp", addrs[0])
	require.NoError(t, err)
	defer conn.Close()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	require.NoError(t, srv.Shutdown(shutCtx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "connection should be closed by shutdown")

	// New connections are refused once the listener is gone.
	if c, err := net.DialTimeout("tcp", addrs[0], time.Second); err == nil {
		c.Close()
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestMetricsSource(t *testing.T) {
	srv := newTestServer(t, Config{})

	assert.Empty(t, srv.ActiveRunsByProvider())

	pending, running, cooldowns := srv.LaneGauges()
	assert.Equal(t, 0, pending["high"])
	assert.Equal(t, 0, pending["normal"])
	assert.Zero(t, running)
	assert.Zero(t, cooldowns)

	assert.Zero(t, srv.SubscriberCount())
}

func TestObservedWorkspaceWatcherFeedsSyncWorker(t *testing.T) {
	ws := initServerWorkspace(t)
	srv := newTestServer(t, Config{
		Workspaces: []string{ws.Root()},
		SyncWorker: index.SyncWorkerConfig{DebounceMs: 1, MinIntervalMs: 1},
	})

	before := srv.syncWorker.Status().TotalNotifyCalls
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         "r-watched",
		ProjectID:     "p1",
		AgentID:       "dev-1",
		Provider:      types.ProviderCodex,
		Status:        types.RunStatusRunning,
		CreatedAt:     time.Now().UTC(),
	}))

	require.Eventually(t, func() bool {
		return srv.syncWorker.Status().TotalNotifyCalls > before
	}, 5*time.Second, 10*time.Millisecond, "watcher never notified the sync worker")
}
