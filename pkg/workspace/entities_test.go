package workspace

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

func initTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := Init(t.TempDir(), &types.Company{CompanyID: "acme", Name: "Acme"})
	require.NoError(t, err)
	return ws
}

func TestInitCreatesSkeleton(t *testing.T) {
	ws := initTestWorkspace(t)

	company, err := ws.LoadCompany()
	require.NoError(t, err)
	assert.Equal(t, "acme", company.CompanyID)
	assert.Equal(t, types.OrgModeStartupV1, company.OrgMode)
	assert.Equal(t, 1, company.SchemaVersion)

	for _, dir := range skeleton {
		abs, err := ws.Resolve(dir)
		require.NoError(t, err)
		info, err := os.Stat(abs)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}

	ledger, err := ws.LoadMigrationLedger()
	require.NoError(t, err)
	assert.Empty(t, ledger.Applied)
}

func TestInitTwiceConflicts(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir, &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	_, err = Init(dir, &types.Company{CompanyID: "acme"})
	assert.True(t, errdefs.IsConflict(err))
}

func TestCreateProjectWithDefaults(t *testing.T) {
	ws := initTestWorkspace(t)

	p := &types.Project{ProjectID: "website", Name: "Website"}
	require.NoError(t, ws.CreateProjectWithDefaults(p))

	loaded, err := ws.LoadProject("website")
	require.NoError(t, err)
	assert.Equal(t, "Website", loaded.Name)
	assert.False(t, loaded.CreatedAt.IsZero())

	memory, err := os.ReadFile(ws.MemoryPath("website"))
	require.NoError(t, err)
	assert.Contains(t, string(memory), "## Decisions")
	assert.Contains(t, string(memory), "## Lessons Learned")

	err = ws.CreateProjectWithDefaults(p)
	assert.True(t, errdefs.IsConflict(err))

	ids, err := ws.ListProjectIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"website"}, ids)
}

func TestRunLifecycle(t *testing.T) {
	ws := initTestWorkspace(t)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))

	run := &types.Run{
		SchemaVersion: 1,
		RunID:         "run-001",
		ProjectID:     "p1",
		AgentID:       "dev-1",
		Provider:      types.ProviderClaude,
		Status:        types.RunStatusRunning,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, ws.CreateRun(run))

	// outputs dir exists alongside run.yaml
	info, err := os.Stat(ws.OutputsDir("p1", "run-001"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	err = ws.CreateRun(run)
	assert.True(t, errdefs.IsConflict(err))

	run.Status = types.RunStatusEnded
	require.NoError(t, ws.SaveRun(run))

	loaded, err := ws.LoadRun("p1", "run-001")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusEnded, loaded.Status)

	ids, err := ws.ListRunIDs("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-001"}, ids)
}

func TestTaskRoundTrip(t *testing.T) {
	ws := initTestWorkspace(t)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))

	task := validTask()
	task.ProjectID = "p1"
	require.NoError(t, ws.SaveTask(task, validBody))

	loaded, body, err := ws.LoadTask("p1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, loaded.Title)
	assert.Equal(t, validBody, body)
	assert.Len(t, loaded.Milestones, 2)

	ids, err := ws.ListTaskIDs("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-001"}, ids)
}

func TestReviewsAppendOnly(t *testing.T) {
	ws := initTestWorkspace(t)

	review := &types.Review{
		SchemaVersion: 1,
		ID:            "rev-001",
		CreatedAt:     time.Now().UTC(),
		ActorID:       "ceo-1",
		ActorRole:     types.RoleCEO,
		Decision:      types.ReviewApproved,
	}
	require.NoError(t, ws.SaveReview(review))

	err := ws.SaveReview(review)
	assert.True(t, errdefs.IsConflict(err))

	loaded, err := ws.LoadReview("rev-001")
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApproved, loaded.Decision)
}

func TestConversationMessages(t *testing.T) {
	ws := initTestWorkspace(t)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))

	conv := &types.Conversation{
		SchemaVersion: 1,
		ID:            "conv-1",
		ProjectID:     "p1",
		Topic:         "standup",
		Visibility:    types.VisibilityTeam,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, ws.SaveConversation(conv))

	for i, id := range []string{"msg-a", "msg-b", "msg-c"} {
		seq, err := ws.AppendMessage("p1", &types.Message{
			SchemaVersion:  1,
			ID:             id,
			ConversationID: "conv-1",
			AuthorID:       "dev-1",
			Body:           "hello",
			CreatedAt:      time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, seq)
	}

	msgs, err := ws.ListMessages("p1", "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "msg-a", msgs[0].ID)
	assert.Equal(t, "msg-c", msgs[2].ID)
}

func TestMachineConfigDefaultsWhenMissing(t *testing.T) {
	ws := initTestWorkspace(t)

	cfg, err := ws.LoadMachineConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.ProviderBins)

	cfg.ProviderBins = map[string]string{"claude": "/usr/local/bin/claude"}
	require.NoError(t, ws.SaveMachineConfig(cfg))

	loaded, err := ws.LoadMachineConfig()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/claude", loaded.ProviderBins["claude"])
}

func TestMigrationLedger(t *testing.T) {
	ws := initTestWorkspace(t)

	applied, err := ws.MigrationApplied("2025-02-event-envelope")
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, ws.RecordMigration("2025-02-event-envelope", "added envelope fields"))
	require.NoError(t, ws.RecordMigration("2025-02-event-envelope", "added envelope fields"))

	ledger, err := ws.LoadMigrationLedger()
	require.NoError(t, err)
	require.Len(t, ledger.Applied, 1)
	assert.Equal(t, "2025-02-event-envelope", ledger.Applied[0].ID)
}
