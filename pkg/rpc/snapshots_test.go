package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/heartbeat"
	"github.com/agentbureau/bureau/pkg/snapshot"
	"github.com/agentbureau/bureau/pkg/types"
)

func TestPMSnapshot(t *testing.T) {
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

	var snap snapshot.PMSnapshot
	c.mustCall("pm.snapshot", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
	}, &snap)
	assert.Equal(t, "acme", snap.Workspace.CompanyID)
	assert.Equal(t, 1, snap.Workspace.Projects)
	assert.Equal(t, 1, snap.Workspace.Agents)
	assert.Equal(t, 1, snap.Workspace.ActiveRuns)
	require.Len(t, snap.Projects, 1)
	assert.Equal(t, "p1", snap.Projects[0].ProjectID)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestMonitorRuns(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	c.mustCall("run.create", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"run_id":        "r1",
		"agent_id":      "dev-1",
		"provider":      string(types.ProviderCodex),
	}, nil)

	var snap snapshot.MonitorSnapshot
	c.mustCall("monitor.runs", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
	}, &snap)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "r1", snap.Rows[0].RunID)
	assert.Equal(t, string(types.RunStatusRunning), snap.Rows[0].RunStatus)
}

func TestReviewInboxSnapshot(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	var proposed artifactResult
	c.mustCall("memory.propose_delta", proposeDeltaParams(ws.Root(), nil), &proposed)

	var inbox snapshot.Inbox
	c.mustCall("review.inbox", map[string]any{"workspace_dir": ws.Root()}, &inbox)
	require.Len(t, inbox.Pending, 1)
	assert.Equal(t, proposed.Artifact.ID, inbox.Pending[0].ArtifactID)
	assert.Empty(t, inbox.RecentDecisions)

	c.mustCall("inbox.resolve", map[string]any{
		"workspace_dir": ws.Root(),
		"project_id":    "p1",
		"artifact_id":   proposed.Artifact.ID,
		"actor_id":      "boss-1",
		"actor_role":    "director",
		"decision":      "approved",
	}, nil)

	c.mustCall("review.inbox", map[string]any{"workspace_dir": ws.Root()}, &inbox)
	assert.Empty(t, inbox.Pending)
	require.Len(t, inbox.RecentDecisions, 1)
	assert.Equal(t, "approved", inbox.RecentDecisions[0].Decision)
}

func TestColleaguesSnapshot(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	addTestAgent(t, ws, "dev-1", types.RoleWorker)
	addTestAgent(t, ws, "mgr-1", types.RoleManager)

	var snap snapshot.ColleaguesSnapshot
	c.mustCall("colleagues.snapshot", map[string]any{"workspace_dir": ws.Root()}, &snap)
	require.Len(t, snap.Colleagues, 2)
	ids := []string{snap.Colleagues[0].AgentID, snap.Colleagues[1].AgentID}
	assert.ElementsMatch(t, []string{"dev-1", "mgr-1"}, ids)
}

func TestResourcesSnapshot(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	var snap snapshot.ResourcesSnapshot
	c.mustCall("resources.snapshot", map[string]any{"workspace_dir": ws.Root()}, &snap)
	assert.Zero(t, snap.Totals.Runs)
	assert.NotNil(t, snap.ByProvider)
}

func TestUsageReconcile(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	var rec snapshot.UsageReconciliation
	c.mustCall("usage.reconcile", map[string]any{
		"workspace_dir": ws.Root(),
		"period_start":  start,
		"period_end":    start.AddDate(0, 1, 0),
	}, &rec)
	assert.True(t, rec.Period.Start.Equal(start))
	assert.Empty(t, rec.Providers)

	e := c.callErr("usage.reconcile", map[string]any{
		"workspace_dir": ws.Root(),
		"period_start":  start,
		"period_end":    start,
	})
	assert.Equal(t, codeInvalidParams, e.Code)
}

func TestHeartbeatStatusAndConfig(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	var status heartbeat.Status
	c.mustCall("heartbeat.status", map[string]any{"workspace_dir": ws.Root()}, &status)
	assert.True(t, status.Observed)
	require.NotNil(t, status.Config)
	assert.False(t, status.Config.Enabled)

	var set heartbeatSetConfigResult
	c.mustCall("heartbeat.set_config", map[string]any{
		"workspace_dir": ws.Root(),
		"config":        map[string]any{"enabled": true, "interval_seconds": 60},
	}, &set)
	assert.True(t, set.Config.Enabled)

	c.mustCall("heartbeat.status", map[string]any{"workspace_dir": ws.Root()}, &status)
	assert.True(t, status.Config.Enabled)
	assert.Equal(t, 60, status.Config.IntervalSeconds)
}

func TestHeartbeatSetConfigRejectsBadCron(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	e := c.callErr("heartbeat.set_config", map[string]any{
		"workspace_dir": ws.Root(),
		"config":        map[string]any{"enabled": true, "cron_schedule": "often"},
	})
	assert.Equal(t, codeInvalidParams, e.Code)
}

func TestHeartbeatTick(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	addTestAgent(t, ws, "dev-1", types.RoleWorker)

	// Without a config the workspace defaults to disabled.
	var res heartbeat.TickResult
	c.mustCall("heartbeat.tick", map[string]any{
		"workspace_dir": ws.Root(),
		"reason":        "manual",
	}, &res)
	assert.True(t, res.Disabled)
	assert.Equal(t, "manual", res.Reason)

	c.mustCall("heartbeat.set_config", map[string]any{
		"workspace_dir": ws.Root(),
		"config":        map[string]any{"enabled": true},
	}, nil)

	c.mustCall("heartbeat.tick", map[string]any{
		"workspace_dir": ws.Root(),
		"dry_run":       true,
	}, &res)
	assert.True(t, res.DryRun)
	require.Len(t, res.Workers, 1)
	assert.Equal(t, "dev-1", res.Workers[0].AgentID)
}

func TestHeartbeatSubmitReport(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)
	addTestAgent(t, ws, "dev-1", types.RoleWorker)

	var res heartbeat.ReportResult
	c.mustCall("heartbeat.submit_report", map[string]any{
		"workspace_dir": ws.Root(),
		"agent_id":      "dev-1",
		"report":        map[string]any{"status": "ok"},
	}, &res)
	assert.Equal(t, types.ReportOK, res.Status)
	assert.Empty(t, res.Actions)
}

func TestHeartbeatSubmitReportUnknownAgent(t *testing.T) {
	c := startClient(t, NewServer(testDeps(t)))
	ws := initTestWorkspace(t)

	e := c.callErr("heartbeat.submit_report", map[string]any{
		"workspace_dir": ws.Root(),
		"agent_id":      "ghost",
		"report":        map[string]any{"status": "ok"},
	})
	assert.Equal(t, codeApplication, e.Code)
}
