package index

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	return ws
}

func addRun(t *testing.T, ws *workspace.Workspace, rid, agentID string, status types.RunStatus) {
	t.Helper()
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         rid,
		ProjectID:     "p1",
		AgentID:       agentID,
		Provider:      types.ProviderClaude,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}))
}

func appendEvents(t *testing.T, ws *workspace.Workspace, rid string, eventTypes ...string) {
	t.Helper()
	l := eventlog.NewLog(nil)
	for _, et := range eventTypes {
		_, err := l.Append(ws.EventsPath("p1", rid), &types.Event{
			RunID:      rid,
			SessionRef: types.SessionRefControlPlane,
			Actor:      "agent:dev-1",
			Type:       et,
			Payload:    map[string]any{},
		})
		require.NoError(t, err)
	}
}

func addTask(t *testing.T, ws *workspace.Workspace, tid string) {
	t.Helper()
	task := &types.Task{
		SchemaVersion:   1,
		ID:              tid,
		ProjectID:       "p1",
		Title:           "wire the adapter",
		Status:          types.TaskStatusInProgress,
		Visibility:      types.VisibilityTeam,
		AssigneeAgentID: "dev-1",
		Deliverables:    []string{"adapter"},
		Milestones: []types.Milestone{
			{ID: "m1", Title: "implement", Kind: types.MilestoneCoding, Status: types.MilestoneActive,
				Evidence: types.MilestoneEvidence{RequiresPatch: true, RequiresTests: true}},
			{ID: "m2", Title: "document", Kind: types.MilestoneResearch, Status: types.MilestonePending},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ws.SaveTask(task, "## Contract\n\n## Milestones\n"))
}

func addArtifact(t *testing.T, ws *workspace.Workspace, aid string, typ types.ArtifactType) {
	t.Helper()
	require.NoError(t, ws.SaveArtifact(&types.ArtifactMeta{
		SchemaVersion: 1,
		Type:          typ,
		ID:            aid,
		Title:         "proposed memory change",
		ProjectID:     "p1",
		ProducedBy:    "agent:dev-1",
		RunID:         "run-001",
		Visibility:    types.VisibilityTeam,
		CreatedAt:     time.Now().UTC(),
	}, "body\n"))
}

func addReview(t *testing.T, ws *workspace.Workspace, revID, artifactID string) {
	t.Helper()
	require.NoError(t, ws.SaveReview(&types.Review{
		SchemaVersion: 1,
		ID:            revID,
		CreatedAt:     time.Now().UTC(),
		ActorID:       "dora",
		ActorRole:     types.RoleDirector,
		Decision:      types.ReviewApproved,
		Subject:       types.ReviewSubject{Kind: "memory_delta", ArtifactID: artifactID, ProjectID: "p1"},
		Policy:        types.PolicyTrace{Allowed: true, Action: "approve", ResourceID: artifactID, Rule: "role>=director", ActorID: "dora", ActorRole: types.RoleDirector},
	}))
}

func TestRebuildProjectsWorkspace(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusRunning)
	appendEvents(t, ws, "run-001", types.EventRunStarted, types.EventRunExecuting)
	addTask(t, ws, "task-001")
	addArtifact(t, ws, "delta-001", types.ArtifactMemoryDelta)

	require.NoError(t, ws.SaveConversation(&types.Conversation{
		SchemaVersion: 1, ID: "conv-001", ProjectID: "p1", Topic: "standup",
		CreatedBy: "dev-1", Visibility: types.VisibilityTeam, CreatedAt: time.Now().UTC(),
	}))
	_, err := ws.AppendMessage("p1", &types.Message{
		SchemaVersion: 1, ID: "msg-a", ConversationID: "conv-001",
		AuthorID: "dev-1", Body: "starting on the adapter", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, ws.SaveHelpRequest(&types.HelpRequest{
		SchemaVersion: 1, ID: "help-001", ProjectID: "p1", AgentID: "dev-1",
		Status: types.HelpOpen, Topic: "flaky test", CreatedAt: time.Now().UTC(),
	}))

	ix := New()
	defer ix.Close()
	report, err := ix.Rebuild(ws)
	require.NoError(t, err)
	assert.Equal(t, "rebuild", report.Kind)
	assert.Equal(t, 2, report.EventsAdded)
	assert.Positive(t, report.FilesChanged)

	runs, err := ix.ListRuns(ws, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-001", runs[0].RunID)
	assert.Equal(t, "dev-1", runs[0].AgentID)
	assert.Equal(t, "running", runs[0].Status)

	events, err := ix.ListEvents(ws, EventQuery{ProjectID: "p1", RunID: "run-001"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventRunStarted, events[0].Type)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, types.EventRunExecuting, events[1].Type)

	tasks, err := ix.ListTasks(ws, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "wire the adapter", tasks[0].Title)
	assert.Equal(t, "dev-1", tasks[0].AssigneeAgentID)

	milestones, err := ix.ListMilestones(ws, "p1", "task-001")
	require.NoError(t, err)
	require.Len(t, milestones, 2)
	assert.Equal(t, "m1", milestones[0].MilestoneID)
	assert.True(t, milestones[0].RequiresPatch)
	assert.True(t, milestones[0].RequiresTests)
	assert.False(t, milestones[1].RequiresPatch)

	artifacts, err := ix.ListArtifacts(ws, "p1", "memory_delta")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "delta-001", artifacts[0].ArtifactID)

	convs, err := ix.ListConversations(ws, "p1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := ix.ListConversationMessages(ws, "p1", "conv-001")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, "starting on the adapter", msgs[0].Body)

	help, err := ix.ListHelpRequests(ws, "p1", "open")
	require.NoError(t, err)
	require.Len(t, help, 1)
	assert.Equal(t, "help-001", help[0].HelpID)
}

func TestSyncIncrementalAppendsEvents(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusRunning)
	appendEvents(t, ws, "run-001", types.EventRunStarted)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	appendEvents(t, ws, "run-001", types.EventProviderRaw, types.EventRunEnded)

	report, err := ix.Sync(ws)
	require.NoError(t, err)
	assert.Equal(t, 2, report.EventsAdded)
	assert.Equal(t, 1, report.FilesChanged, "only events.jsonl should re-project")

	events, err := ix.ListEvents(ws, EventQuery{ProjectID: "p1", RunID: "run-001"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].Seq)
}

func TestSyncUnchangedWorkspaceIsCheap(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusEnded)
	appendEvents(t, ws, "run-001", types.EventRunStarted, types.EventRunEnded)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	report, err := ix.Sync(ws)
	require.NoError(t, err)
	assert.Zero(t, report.FilesChanged)
	assert.Zero(t, report.EventsAdded)
}

func TestSyncDeletesVanishedRun(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusEnded)
	addRun(t, ws, "run-002", "dev-2", types.RunStatusEnded)
	appendEvents(t, ws, "run-001", types.EventRunStarted)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(ws.RunDir("p1", "run-001")))

	report, err := ix.Sync(ws)
	require.NoError(t, err)
	assert.Positive(t, report.RowsDeleted)

	runs, err := ix.ListRuns(ws, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-002", runs[0].RunID)

	events, err := ix.ListEvents(ws, EventQuery{ProjectID: "p1", RunID: "run-001"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSyncRecordsParseErrors(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusRunning)
	appendEvents(t, ws, "run-001", types.EventRunStarted)

	f, err := os.OpenFile(ws.EventsPath("p1", "run-001"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupt line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ix := New()
	defer ix.Close()
	_, err = ix.Sync(ws)
	require.NoError(t, err)

	rows, err := ix.ListParseErrors(ws, "p1", "run-001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Seq)
	assert.Contains(t, rows[0].RawPrefix, "{corrupt")

	counts, err := ix.ParseErrorCounts(ws, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["run-001"])
}

func TestPendingApprovalsAndDecisions(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusEnded)
	addArtifact(t, ws, "delta-001", types.ArtifactMemoryDelta)
	addArtifact(t, ws, "report-001", types.ArtifactMilestoneReport)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	pending, err := ix.ListPendingApprovals(ws)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	addReview(t, ws, "rev-001", "delta-001")
	_, err = ix.Sync(ws)
	require.NoError(t, err)

	pending, err = ix.ListPendingApprovals(ws)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "report-001", pending[0].ArtifactID)

	decisions, err := ix.ListRecentDecisions(ws, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "rev-001", decisions[0].ReviewID)
	assert.Equal(t, "memory_delta", decisions[0].ArtifactType)
	assert.Equal(t, "run-001", decisions[0].RunID, "run id joins in from the artifact")
	assert.Equal(t, "approved", decisions[0].Decision)
}

func TestAgentCounters(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusRunning)
	addRun(t, ws, "run-002", "dev-1", types.RunStatusEnded)
	addRun(t, ws, "run-003", "dev-2", types.RunStatusEnded)
	appendEvents(t, ws, "run-001", types.EventRunStarted, types.EventProviderRaw)
	appendEvents(t, ws, "run-003", types.EventRunStarted)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	counters, err := ix.ListAgentCounters(ws)
	require.NoError(t, err)
	require.Len(t, counters, 2)

	byAgent := map[string]AgentCounterRow{}
	for _, c := range counters {
		byAgent[c.AgentID] = c
	}
	assert.Equal(t, int64(2), byAgent["dev-1"].RunsTotal)
	assert.Equal(t, int64(1), byAgent["dev-1"].RunsActive)
	assert.Equal(t, int64(2), byAgent["dev-1"].EventsTotal)
	assert.Equal(t, int64(1), byAgent["dev-2"].RunsTotal)
	assert.Equal(t, int64(1), byAgent["dev-2"].EventsTotal)
}

func TestRewrittenEventsFileReprojects(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusEnded)
	appendEvents(t, ws, "run-001", types.EventRunStarted, types.EventProviderRaw, types.EventRunEnded)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	// rewrite shorter, as a migration would
	require.NoError(t, os.Remove(ws.EventsPath("p1", "run-001")))
	appendEvents(t, ws, "run-001", types.EventRunStarted)

	_, err = ix.Sync(ws)
	require.NoError(t, err)

	events, err := ix.ListEvents(ws, EventQuery{ProjectID: "p1", RunID: "run-001"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventRunStarted, events[0].Type)
}

func TestEventQueryWindow(t *testing.T) {
	ws := testWorkspace(t)
	addRun(t, ws, "run-001", "dev-1", types.RunStatusEnded)
	appendEvents(t, ws, "run-001",
		types.EventRunStarted, types.EventProviderRaw, types.EventProviderRaw,
		types.EventUsageReported, types.EventRunEnded)

	ix := New()
	defer ix.Close()
	_, err := ix.Sync(ws)
	require.NoError(t, err)

	window, err := ix.ListEvents(ws, EventQuery{ProjectID: "p1", RunID: "run-001", SinceSeq: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(3), window[0].Seq)
	assert.Equal(t, int64(4), window[1].Seq)

	newest, err := ix.ListEvents(ws, EventQuery{ProjectID: "p1", RunID: "run-001", Order: "desc", Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, int64(5), newest[0].Seq)

	n, err := ix.CountRunEventsWithPrefix(ws, "run-001", "provider.")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
