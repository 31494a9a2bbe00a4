package snapshot

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func testService(t *testing.T) (*Service, *workspace.Workspace) {
	t.Helper()
	ix := index.New()
	t.Cleanup(func() { ix.Close() })
	s := NewService(ix, nil)
	ws, err := workspace.Init(t.TempDir(), &types.Company{
		CompanyID: "acme",
		Name:      "Acme Labs",
		OrgMode:   types.OrgModeStartupV1,
	})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1", Name: "Phoenix"}))
	return s, ws
}

func addAgent(t *testing.T, ws *workspace.Workspace, id string, role types.Role, model string) {
	t.Helper()
	require.NoError(t, ws.SaveAgent(&types.Agent{
		SchemaVersion: 1,
		AgentID:       id,
		Name:          id,
		Role:          role,
		Model:         model,
		CreatedAt:     time.Now().UTC(),
	}))
}

func addRun(t *testing.T, ws *workspace.Workspace, pid, rid, agentID string, status types.RunStatus, createdAt time.Time, usage *types.RunUsage) {
	t.Helper()
	require.NoError(t, ws.CreateRun(&types.Run{
		SchemaVersion: 1,
		RunID:         rid,
		ProjectID:     pid,
		AgentID:       agentID,
		Provider:      types.ProviderClaude,
		Status:        status,
		Usage:         usage,
		CreatedAt:     createdAt,
	}))
}

func appendEvents(t *testing.T, ws *workspace.Workspace, pid, rid string, eventTypes ...string) {
	t.Helper()
	l := eventlog.NewLog(nil)
	for _, et := range eventTypes {
		_, err := l.Append(ws.EventsPath(pid, rid), &types.Event{
			RunID: rid,
			Actor: "agent:dev-1",
			Type:  et,
		})
		require.NoError(t, err)
	}
}

// corruptEvents appends lines no parser accepts, producing parse error
// rows on the next index pass.
func corruptEvents(t *testing.T, ws *workspace.Workspace, pid, rid string, lines int) {
	t.Helper()
	f, err := os.OpenFile(ws.EventsPath(pid, rid), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	for i := 0; i < lines; i++ {
		_, err = f.WriteString("{corrupt line\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
}

func addPendingArtifact(t *testing.T, ws *workspace.Workspace, pid, aid, producedBy, runID string) {
	t.Helper()
	require.NoError(t, ws.SaveArtifact(&types.ArtifactMeta{
		SchemaVersion: 1,
		Type:          types.ArtifactMemoryDelta,
		ID:            aid,
		Title:         "proposed memory change",
		ProjectID:     pid,
		ProducedBy:    producedBy,
		RunID:         runID,
		Visibility:    types.VisibilityTeam,
		CreatedAt:     time.Now().UTC(),
	}, "body\n"))
}

func addReview(t *testing.T, ws *workspace.Workspace, revID, pid, aid string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, ws.SaveReview(&types.Review{
		SchemaVersion: 1,
		ID:            revID,
		CreatedAt:     createdAt,
		ActorID:       "ana",
		ActorRole:     types.RoleHuman,
		Decision:      types.ReviewApproved,
		Subject:       types.ReviewSubject{Kind: "memory_delta", ArtifactID: aid, ProjectID: pid},
		Policy: types.PolicyTrace{
			Allowed: true, Action: "approve", ResourceID: aid,
			Rule: "role>=manager", ActorID: "ana", ActorRole: types.RoleHuman,
		},
	}))
}

type fakeLive struct {
	statuses map[string]types.RunStatus
}

func (f *fakeLive) LiveRunStatus(projectID, runID string) (types.RunStatus, bool) {
	status, ok := f.statuses[projectID+"/"+runID]
	return status, ok
}
