package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func testService(t *testing.T) (*Service, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	s := NewService(nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, ws
}

func addAgent(t *testing.T, ws *workspace.Workspace, id string, role types.Role) {
	t.Helper()
	require.NoError(t, ws.SaveAgent(&types.Agent{
		SchemaVersion: 1,
		AgentID:       id,
		Name:          id,
		Role:          role,
		CreatedAt:     time.Now().UTC(),
	}))
}

func addRun(t *testing.T, ws *workspace.Workspace, pid, rid, agentID string, status types.RunStatus, createdAt time.Time) {
	t.Helper()
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         rid,
		ProjectID:     pid,
		AgentID:       agentID,
		Provider:      types.ProviderGemini,
		CreatedAt:     createdAt,
		Status:        status,
	}))
}

func appendEvents(t *testing.T, ws *workspace.Workspace, pid, rid string, n int, actor string) {
	t.Helper()
	elog := eventlog.NewLog(nil)
	for i := 0; i < n; i++ {
		_, err := elog.Append(ws.EventsPath(pid, rid), &types.Event{
			RunID: rid,
			Actor: actor,
			Type:  types.EventProviderRaw,
		})
		require.NoError(t, err)
	}
}

func enableHeartbeat(t *testing.T, ws *workspace.Workspace, mutate func(*types.HeartbeatConfig)) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, ws.SaveHeartbeatConfig(cfg))
}

func tick(t *testing.T, s *Service, ws *workspace.Workspace, opts TickOpts) *TickResult {
	t.Helper()
	res, err := s.TickWorkspace(context.Background(), ws, opts)
	require.NoError(t, err)
	return res
}

func workerRow(t *testing.T, res *TickResult, agentID string) WorkerTriage {
	t.Helper()
	for _, w := range res.Workers {
		if w.AgentID == agentID {
			return w
		}
	}
	t.Fatalf("no triage row for %s in %+v", agentID, res.Workers)
	return WorkerTriage{}
}

func TestTickScoresFreshSignals(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p1", "run-001", 3, "agent:dev-1")
	enableHeartbeat(t, ws, nil)

	res := tick(t, s, ws, TickOpts{Reason: "manual"})
	row := workerRow(t, res, "dev-1")
	assert.Equal(t, 3, row.Counts.NewSignals)
	assert.Equal(t, 5, row.Score)
	assert.NotEmpty(t, row.ContextHash)

	state, err := ws.LoadHeartbeatState()
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.RunEventCursors["p1::run-001"])
	assert.Equal(t, 1, state.Stats.TicksTotal)
	require.NotNil(t, state.WorkerState["dev-1"])
	assert.Equal(t, row.ContextHash, state.WorkerState["dev-1"].LastContextHash)

	// Nothing new happened, so the second tick sees a clean slate.
	res = tick(t, s, ws, TickOpts{})
	row = workerRow(t, res, "dev-1")
	assert.Zero(t, row.Counts.NewSignals)
	assert.Zero(t, row.Score)
}

func TestTickCountsActorSignalsInForeignRuns(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addAgent(t, ws, "dev-2", types.RoleWorker)
	addRun(t, ws, "p1", "run-001", "dev-2", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p1", "run-001", 2, "agent:dev-1")
	appendEvents(t, ws, "p1", "run-001", 1, "agent:dev-2")
	enableHeartbeat(t, ws, nil)

	res := tick(t, s, ws, TickOpts{})
	assert.Equal(t, 2, workerRow(t, res, "dev-1").Counts.NewSignals, "authored lines count for the author")
	assert.Equal(t, 3, workerRow(t, res, "dev-2").Counts.NewSignals, "owners count every line of their runs")
}

func TestTickCountsDueAndOverdueTasks(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	enableHeartbeat(t, ws, nil)

	due := time.Now().UTC().Add(2 * time.Hour)
	overdue := time.Now().UTC().Add(-2 * time.Hour)
	farOut := time.Now().UTC().Add(72 * time.Hour)
	done := time.Now().UTC().Add(-time.Hour)
	for _, task := range []*types.Task{
		{SchemaVersion: 1, ID: "t1", ProjectID: "p1", Title: "ship", Status: types.TaskStatusInProgress, AssigneeAgentID: "dev-1", Schedule: types.TaskSchedule{PlannedEnd: &due}},
		{SchemaVersion: 1, ID: "t2", ProjectID: "p1", Title: "fix", Status: types.TaskStatusReady, AssigneeAgentID: "dev-1", Schedule: types.TaskSchedule{PlannedEnd: &overdue}},
		{SchemaVersion: 1, ID: "t3", ProjectID: "p1", Title: "later", Status: types.TaskStatusReady, AssigneeAgentID: "dev-1", Schedule: types.TaskSchedule{PlannedEnd: &farOut}},
		{SchemaVersion: 1, ID: "t4", ProjectID: "p1", Title: "shipped", Status: types.TaskStatusDone, AssigneeAgentID: "dev-1", Schedule: types.TaskSchedule{PlannedEnd: &done}},
	} {
		require.NoError(t, ws.SaveTask(task, "body\n"))
	}

	row := workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1")
	assert.Equal(t, 1, row.Counts.DueTasks, "beyond the horizon and done tasks are not due")
	assert.Equal(t, 1, row.Counts.OverdueTasks)
	assert.Equal(t, 5, row.Score)
}

func TestTickCountsStuckJobs(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	enableHeartbeat(t, ws, nil)

	addRun(t, ws, "p1", "run-old", "dev-1", types.RunStatusRunning, time.Now().UTC().Add(-2*time.Hour))
	addRun(t, ws, "p1", "run-fresh", "dev-1", types.RunStatusRunning, time.Now().UTC())

	failed := func(rid string) {
		require.NoError(t, ws.CreateRun(&types.Run{
			SchemaVersion: 1,
			RunID:         rid,
			ProjectID:     "p1",
			AgentID:       "dev-1",
			Provider:      types.ProviderGemini,
			CreatedAt:     time.Now().UTC(),
			Status:        types.RunStatusFailed,
			Spec:          types.RunSpec{Kind: types.RunKindTaskMilestone, TaskID: "t1"},
		}))
	}
	failed("run-f1")
	failed("run-f2")

	row := workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1")
	assert.Equal(t, 2, row.Counts.StuckJobs, "one long runner plus one task with two failed attempts")
	assert.Equal(t, 4, row.Score)
}

func TestTickQuietHoursPenalty(t *testing.T) {
	s, ws := testService(t)
	now := time.Now()
	s.nowFn = func() time.Time { return now }
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, now.UTC())
	appendEvents(t, ws, "p1", "run-001", 1, "")
	enableHeartbeat(t, ws, func(c *types.HeartbeatConfig) {
		c.QuietHours = types.QuietHours{StartHour: now.Hour(), EndHour: (now.Hour() + 1) % 24}
	})

	res := tick(t, s, ws, TickOpts{})
	assert.True(t, res.QuietHours)
	assert.Equal(t, 3, workerRow(t, res, "dev-1").Score)
	assert.Empty(t, res.Wakes, "a quiet-hours score below the floor wakes nobody")
}

func TestTickSuppressesUnchangedWorkers(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p1", "run-001", 2, "")
	enableHeartbeat(t, ws, nil)

	first := workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1")
	assert.Equal(t, 5, first.Score)

	_, err := s.SubmitReport(context.Background(), ws, "dev-1", &types.WorkerReport{Status: types.ReportOK})
	require.NoError(t, err)

	// The fingerprint changes once the signals drain, so no penalty yet.
	second := workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1")
	assert.Zero(t, second.Score)
	assert.False(t, second.Suppressed)

	// Now the context is identical to the last tick and the ok report
	// is fresh: penalized and suppressed going forward.
	third := workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1")
	assert.Equal(t, -3, third.Score)
	state, err := ws.LoadHeartbeatState()
	require.NoError(t, err)
	require.NotNil(t, state.WorkerState["dev-1"].SuppressedUntil)

	fourth := workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1")
	assert.True(t, fourth.Suppressed)
}

func TestTickWakeSelection(t *testing.T) {
	s, ws := testService(t)
	s.randFn = func() float64 { return 0.999 }
	addAgent(t, ws, "dev-a", types.RoleWorker)
	addAgent(t, ws, "dev-b", types.RoleWorker)
	addAgent(t, ws, "dev-c", types.RoleWorker)

	// dev-a: signals plus an overdue task. dev-b: signals only.
	// dev-c: nothing.
	addRun(t, ws, "p1", "run-a", "dev-a", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p1", "run-a", 2, "")
	addRun(t, ws, "p1", "run-b", "dev-b", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p1", "run-b", 1, "")
	overdue := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ws.SaveTask(&types.Task{
		SchemaVersion: 1, ID: "t1", ProjectID: "p1", Title: "late", Status: types.TaskStatusInProgress,
		AssigneeAgentID: "dev-a", Schedule: types.TaskSchedule{PlannedEnd: &overdue},
	}, "body\n"))

	enableHeartbeat(t, ws, func(c *types.HeartbeatConfig) {
		c.TopKWorkers = 2
		c.JitterMaxSeconds = 10
	})

	res := tick(t, s, ws, TickOpts{})
	require.Len(t, res.Wakes, 2)
	assert.Equal(t, "dev-a", res.Wakes[0].AgentID)
	assert.Equal(t, 7, res.Wakes[0].Score)
	assert.Equal(t, "dev-b", res.Wakes[1].AgentID)
	assert.Equal(t, 5, res.Wakes[1].Score)
	assert.Equal(t, "p1", res.Wakes[0].ProjectID)
	assert.Equal(t, 10, res.Wakes[0].JitterSeconds)

	state, err := ws.LoadHeartbeatState()
	require.NoError(t, err)
	assert.NotNil(t, state.WorkerState["dev-a"].LastWakeAt)
	assert.Nil(t, state.WorkerState["dev-c"].LastWakeAt)
	assert.Equal(t, 2, state.Stats.WakesTotal)
}

func TestTickTopKTrimsByScoreThenAgentID(t *testing.T) {
	s, ws := testService(t)
	for _, id := range []string{"dev-c", "dev-a", "dev-b"} {
		addAgent(t, ws, id, types.RoleWorker)
		addRun(t, ws, "p1", "run-"+id, id, types.RunStatusEnded, time.Now().UTC())
		appendEvents(t, ws, "p1", "run-"+id, 1, "")
	}
	enableHeartbeat(t, ws, func(c *types.HeartbeatConfig) { c.TopKWorkers = 2 })

	res := tick(t, s, ws, TickOpts{})
	require.Len(t, res.Wakes, 2)
	assert.Equal(t, "dev-a", res.Wakes[0].AgentID)
	assert.Equal(t, "dev-b", res.Wakes[1].AgentID)
}

func TestTickProjectPickPrefersSignalDensity(t *testing.T) {
	s, ws := testService(t)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p2"}))
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, time.Now().UTC().Add(-time.Hour))
	appendEvents(t, ws, "p1", "run-001", 1, "")
	addRun(t, ws, "p2", "run-002", "dev-1", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p2", "run-002", 4, "")
	enableHeartbeat(t, ws, nil)

	res := tick(t, s, ws, TickOpts{})
	require.Len(t, res.Wakes, 1)
	assert.Equal(t, "p2", res.Wakes[0].ProjectID)
}

func TestTickEnterpriseModeScoresDirectors(t *testing.T) {
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme", OrgMode: types.OrgModeEnterpriseV1})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	s := NewService(nil)
	t.Cleanup(func() { _ = s.Close() })

	addAgent(t, ws, "dev-1", types.RoleWorker)
	addAgent(t, ws, "dora", types.RoleDirector)
	addAgent(t, ws, "pm-1", types.RoleManager)
	enableHeartbeat(t, ws, nil)

	res := tick(t, s, ws, TickOpts{})
	ids := make([]string, 0, len(res.Workers))
	for _, w := range res.Workers {
		ids = append(ids, w.AgentID)
	}
	assert.Equal(t, []string{"dev-1", "dora"}, ids, "managers stay out of triage in every mode")
}

func TestTickStartupModeSkipsDirectors(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addAgent(t, ws, "dora", types.RoleDirector)
	enableHeartbeat(t, ws, nil)

	res := tick(t, s, ws, TickOpts{})
	require.Len(t, res.Workers, 1)
	assert.Equal(t, "dev-1", res.Workers[0].AgentID)
}

func TestTickDryRunLeavesStateAlone(t *testing.T) {
	s, ws := testService(t)
	addAgent(t, ws, "dev-1", types.RoleWorker)
	addRun(t, ws, "p1", "run-001", "dev-1", types.RunStatusEnded, time.Now().UTC())
	appendEvents(t, ws, "p1", "run-001", 2, "")
	enableHeartbeat(t, ws, nil)

	res := tick(t, s, ws, TickOpts{DryRun: true})
	assert.True(t, res.DryRun)
	assert.Equal(t, 5, workerRow(t, res, "dev-1").Score)

	state, err := ws.LoadHeartbeatState()
	require.NoError(t, err)
	assert.Zero(t, state.Stats.TicksTotal)
	assert.Empty(t, state.RunEventCursors)

	// The real tick still sees every signal the dry run saw.
	assert.Equal(t, 5, workerRow(t, tick(t, s, ws, TickOpts{}), "dev-1").Score)
}

func TestTickDisabledWorkspace(t *testing.T) {
	s, ws := testService(t)

	res := tick(t, s, ws, TickOpts{Reason: "manual"})
	assert.True(t, res.Disabled)
	assert.Empty(t, res.Workers)
}

func TestTickOverlapSkips(t *testing.T) {
	s, ws := testService(t)
	enableHeartbeat(t, ws, nil)

	w, _, err := s.observe(ws)
	require.NoError(t, err)
	require.True(t, w.beginTick())

	res := tick(t, s, ws, TickOpts{})
	assert.True(t, res.SkippedDueToRunning)

	w.endTick()
	res = tick(t, s, ws, TickOpts{})
	assert.False(t, res.SkippedDueToRunning)
}

func TestLoopLifecycle(t *testing.T) {
	s, ws := testService(t)

	st, err := s.GetStatus(ws)
	require.NoError(t, err)
	assert.False(t, st.Observed)

	enableHeartbeat(t, ws, nil)
	require.NoError(t, s.ObserveWorkspace(ws))
	st, err = s.GetStatus(ws)
	require.NoError(t, err)
	assert.True(t, st.Observed)
	assert.True(t, st.LoopActive)

	// Disabling the config stops the loop.
	require.NoError(t, s.SetConfig(ws, DefaultConfig()))
	st, err = s.GetStatus(ws)
	require.NoError(t, err)
	assert.False(t, st.LoopActive)

	bad := DefaultConfig()
	bad.CronSchedule = "every tuesday"
	assert.True(t, errdefs.IsValidation(s.SetConfig(ws, bad)))

	require.NoError(t, s.Close())
	assert.True(t, errdefs.IsConflict(s.ObserveWorkspace(ws)))
}

func TestObserveWorkspaceIsIdempotent(t *testing.T) {
	s, ws := testService(t)
	enableHeartbeat(t, ws, nil)

	require.NoError(t, s.ObserveWorkspace(ws))
	require.NoError(t, s.ObserveWorkspace(ws))

	s.mu.Lock()
	assert.Len(t, s.watches, 1)
	s.mu.Unlock()
}
