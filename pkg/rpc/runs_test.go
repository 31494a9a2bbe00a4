package rpc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/lane"
	"github.com/agentbureau/bureau/pkg/provider"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/types"
)

// refuseLaunch fails every guard check with a fixed refusal reason.
type refuseLaunch struct{ reason string }

func (g refuseLaunch) Check(providerName, bin string) provider.GuardResult {
	return provider.GuardResult{OK: false, Reason: g.reason}
}

func TestRunCreateDefaults(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	addTestAgent(t, ws, "dev-1", types.RoleWorker)

	var res runResult
	c.mustCall("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderGemini),
	}, &res)

	run := res.Run
	require.NotNil(t, run)
	assert.True(t, strings.HasPrefix(run.RunID, "run-"), "generated id %q", run.RunID)
	assert.Equal(t, 1, run.SchemaVersion)
	assert.Equal(t, types.RunStatusRunning, run.Status)
	assert.Equal(t, types.RunKindAdhoc, run.Spec.Kind)
	assert.False(t, run.CreatedAt.IsZero())

	var got runGetResult
	c.mustCall("run.get", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        run.RunID,
	}, &got)
	assert.Equal(t, run.RunID, got.Run.RunID)
	assert.Equal(t, types.RunStatusRunning, got.Run.Status)
	assert.Empty(t, got.LiveStatus, "no session was launched for this run")
}

func TestRunCreateExplicitIDConflicts(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	params := map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderGemini),
	}

	c.mustCall("run.create", params, nil)
	e := c.callErr("run.create", params)
	assert.Equal(t, codeApplication, e.Code)
	assert.Contains(t, e.Message, "already exists")
}

func TestRunCreateRejectsUnknownKind(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	e := c.callErr("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderGemini),
		"kind":          "sprint",
	})
	assert.Equal(t, codeInvalidParams, e.Code)
}

func TestRunList(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	var created runResult
	c.mustCall("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderCodex),
	}, &created)

	var listed runListResult
	c.mustCall("run.list", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
	}, &listed)
	require.Len(t, listed.Runs, 1)
	assert.Equal(t, created.Run.RunID, listed.Runs[0].RunID)
	assert.Equal(t, string(types.ProviderCodex), listed.Runs[0].Provider)

	var other runListResult
	c.mustCall("run.list", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p2",
	}, &other)
	assert.Empty(t, other.Runs)
}

func TestSessionLifecycle(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	addTestAgent(t, ws, "dev-1", types.RoleWorker)

	c.mustCall("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderGemini),
	}, nil)

	var launched sessionLaunchResult
	c.mustCall("session.launch", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"argv":          []string{"/bin/sh", "-c", "exit 0"},
	}, &launched)
	require.NotEmpty(t, launched.SessionRef)

	var collected session.CollectResult
	c.mustCall("session.collect", map[string]any{"session_ref": launched.SessionRef}, &collected)
	assert.Equal(t, types.RunStatusEnded, collected.Status)
	require.NotNil(t, collected.ExitCode)
	assert.Equal(t, 0, *collected.ExitCode)

	var polled session.PollResult
	c.mustCall("session.poll", map[string]any{"session_ref": launched.SessionRef}, &polled)
	assert.Equal(t, types.RunStatusEnded, polled.Status)

	var got runGetResult
	c.mustCall("run.get", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
	}, &got)
	assert.Equal(t, types.RunStatusEnded, got.Run.Status)
}

func TestSessionStop(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	c.mustCall("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderGemini),
	}, nil)

	var launched sessionLaunchResult
	c.mustCall("session.launch", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"argv":          []string{"/bin/sh", "-c", "sleep 30"},
	}, &launched)

	var stopped sessionStopResult
	c.mustCall("session.stop", map[string]any{"session_ref": launched.SessionRef}, &stopped)
	assert.True(t, stopped.Stopped)

	var collected session.CollectResult
	c.mustCall("session.collect", map[string]any{"session_ref": launched.SessionRef}, &collected)
	assert.Equal(t, types.RunStatusStopped, collected.Status)
}

func TestSessionLaunchRefusesNonRunningRun(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         "r1",
		ProjectID:     "p1",
		AgentID:       "dev-1",
		Provider:      types.ProviderGemini,
		Status:        types.RunStatusEnded,
		CreatedAt:     time.Now().UTC(),
	}))

	e := c.callErr("session.launch", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"argv":          []string{"/bin/sh", "-c", "exit 0"},
	})
	assert.Equal(t, codeApplication, e.Code)
	assert.Contains(t, e.Message, "launch requires status running")
}

func TestSessionLaunchGuardRefusal(t *testing.T) {
	deps := testDeps(t)
	deps.Runtime.SetGuard(refuseLaunch{reason: provider.ReasonAPIKeyPresent})
	c := startClient(t, NewServer(deps))
	ws := initTestWorkspace(t)

	c.mustCall("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderClaude),
	}, nil)

	e := c.callErr("session.launch", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"argv":          []string{"claude", "-p"},
	})
	require.Equal(t, codeApplication, e.Code)
	data := c.errData(e)
	assert.Equal(t, types.ReasonSubscriptionRequired, data["reason_code"])
	assert.Equal(t, string(types.ProviderClaude), data["provider"])
	assert.Equal(t, provider.ReasonAPIKeyPresent, data["reason"])
}

func TestSessionPollUnknownRef(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))

	e := c.callErr("session.poll", map[string]any{"session_ref": "sess-nope"})
	assert.Equal(t, codeApplication, e.Code)
}

func TestProviderListWithoutMachineConfig(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))

	var res providerListResult
	c.mustCall("provider.list", nil, &res)
	require.Len(t, res.Providers, 4)
	for _, a := range res.Providers {
		assert.False(t, a.Available, "provider %s", a.Provider)
		assert.Equal(t, "bin_not_configured", a.Reason)
	}
}

func TestLaneStats(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	var stats lane.Stats
	c.mustCall("lane.stats", map[string]any{"workspace_dir": ws.Root()}, &stats)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Running)
	assert.NotNil(t, stats.ProviderCooldowns)
}

func TestAdminRecoverCrashedRuns(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	// A run stuck in status running with no live session is a crash
	// leftover.
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         "r-stale",
		ProjectID:     "p1",
		AgentID:       "dev-1",
		Provider:      types.ProviderGemini,
		Status:        types.RunStatusRunning,
		CreatedAt:     time.Now().UTC(),
	}))

	var res recoverResult
	c.mustCall("admin.recover_crashed_runs", map[string]any{"workspace_dir": ws.Root()}, &res)
	require.Len(t, res.Recovered, 1)
	assert.Equal(t, "r-stale", res.Recovered[0].RunID)

	run, err := ws.LoadRun("p1", "r-stale")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.True(t, run.RecoveredFromCrash)

	c.mustCall("admin.recover_crashed_runs", map[string]any{"workspace_dir": ws.Root()}, &res)
	assert.Empty(t, res.Recovered)
}
