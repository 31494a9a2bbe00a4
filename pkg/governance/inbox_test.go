package governance

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

type fakeExecutor struct {
	calls []*types.HeartbeatAction
	err   error
}

func (f *fakeExecutor) ExecuteApproved(ctx context.Context, ws *workspace.Workspace, action *types.HeartbeatAction, actorID string) error {
	f.calls = append(f.calls, action)
	return f.err
}

func addHeartbeatProposal(t *testing.T, ws *workspace.Workspace) {
	t.Helper()
	require.NoError(t, ws.SaveArtifact(&types.ArtifactMeta{
		SchemaVersion: 1,
		Type:          types.ArtifactHeartbeatProposal,
		ID:            "hb-001",
		Title:         "nudge the stalled review",
		CreatedAt:     time.Now().UTC(),
		Visibility:    types.VisibilityTeam,
		ProducedBy:    "agent:pm-1",
		RunID:         "run-001",
		ProjectID:     "p1",
		Action: &types.HeartbeatAction{
			IdempotencyKey: "hb-001-comment",
			Kind:           types.ActionAddComment,
			Risk:           types.RiskMedium,
			NeedsApproval:  true,
			Comment: &types.CommentAction{
				ProjectID: "p1",
				Topic:     "review-nudge",
				Body:      "The review for report-001 has been pending for two days.",
			},
		},
	}, "Proposed while the project was idle."))
}

func TestResolveMemoryDeltaApprove(t *testing.T) {
	s, ws := testService(t)
	addRun(t, ws, "run-001")

	_, err := s.ProposeMemoryDelta(context.Background(), proposeInput(ws))
	require.NoError(t, err)

	review, err := s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: directorDecision(ws, "delta-001"),
		Decision:      types.ReviewApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApproved, review.Decision)

	memory, err := os.ReadFile(ws.MemoryPath("p1"))
	require.NoError(t, err)
	assert.Contains(t, string(memory), "append-only JSONL")
}

func TestResolveDenialWritesReviewOnly(t *testing.T) {
	s, ws := testService(t)
	addRun(t, ws, "run-001")
	addMilestoneTask(t, ws,
		types.Milestone{ID: "m1", Kind: types.MilestoneCoding, Status: types.MilestoneActive},
	)
	addReport(t, ws, nil, nil)

	review, err := s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: DecisionInput{
			Workspace: ws, ProjectID: "p1", ArtifactID: "report-001",
			ActorID: "dora", ActorRole: types.RoleDirector,
			Notes: "Evidence does not cover the edge cases we discussed.",
		},
		Decision: types.ReviewDenied,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ReviewDenied, review.Decision)
	assert.True(t, review.Policy.Allowed, "an authorized denial carries an allowed trace")
	assert.Contains(t, review.Notes, "edge cases")

	// Denial mutates nothing.
	task, _, err := ws.LoadTask("p1", "t1")
	require.NoError(t, err)
	assert.Equal(t, types.MilestoneActive, task.Milestones[0].Status)

	events := runEvents(t, ws, "run-001")
	last := events[len(events)-1]
	assert.Equal(t, types.EventApprovalDecided, last.Type)
	assert.Equal(t, "denied", last.Payload["decision"])
}

func TestResolveUnauthorizedDenierLeavesItemPending(t *testing.T) {
	s, ws := testService(t)
	addRun(t, ws, "run-001")
	addMilestoneTask(t, ws,
		types.Milestone{ID: "m1", Kind: types.MilestoneCoding, Status: types.MilestoneActive},
	)
	addReport(t, ws, nil, nil)

	_, err := s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: DecisionInput{
			Workspace: ws, ProjectID: "p1", ArtifactID: "report-001",
			ActorID: "dev-2", ActorRole: types.RoleWorker,
		},
		Decision: types.ReviewDenied,
	})
	var denied *PolicyDeniedError
	require.True(t, errors.As(err, &denied))

	// No review written, so the item stays pending for a real manager.
	reviewIDs, err := ws.ListReviewIDs()
	require.NoError(t, err)
	assert.Empty(t, reviewIDs)
}

func TestResolveHeartbeatProposalApprove(t *testing.T) {
	exec := &fakeExecutor{}
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	s := NewService(eventlog.NewLog(nil), exec)

	addRun(t, ws, "run-001")
	addHeartbeatProposal(t, ws)

	review, err := s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: DecisionInput{
			Workspace: ws, ProjectID: "p1", ArtifactID: "hb-001",
			ActorID: "pm-1", ActorRole: types.RoleManager,
		},
		Decision: types.ReviewApproved,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApproved, review.Decision)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "hb-001-comment", exec.calls[0].IdempotencyKey)
	assert.Equal(t, types.ActionAddComment, exec.calls[0].Kind)
}

func TestResolveHeartbeatProposalDeniedSkipsExecutor(t *testing.T) {
	exec := &fakeExecutor{}
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	s := NewService(eventlog.NewLog(nil), exec)

	addRun(t, ws, "run-001")
	addHeartbeatProposal(t, ws)

	review, err := s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: DecisionInput{
			Workspace: ws, ProjectID: "p1", ArtifactID: "hb-001",
			ActorID: "pm-1", ActorRole: types.RoleManager,
		},
		Decision: types.ReviewDenied,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ReviewDenied, review.Decision)
	assert.Empty(t, exec.calls)
}

func TestResolveHeartbeatProposalExecutorFailure(t *testing.T) {
	exec := &fakeExecutor{err: errdefs.Conflictf("idempotency key already executed")}
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1"}))
	s := NewService(eventlog.NewLog(nil), exec)

	addRun(t, ws, "run-001")
	addHeartbeatProposal(t, ws)

	_, err = s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: DecisionInput{
			Workspace: ws, ProjectID: "p1", ArtifactID: "hb-001",
			ActorID: "pm-1", ActorRole: types.RoleManager,
		},
		Decision: types.ReviewApproved,
	})
	assert.True(t, errdefs.IsConflict(err))

	// Failed execution writes no review; the item can be retried.
	reviewIDs, lerr := ws.ListReviewIDs()
	require.NoError(t, lerr)
	assert.Empty(t, reviewIDs)
}

func TestResolveInputValidation(t *testing.T) {
	s, ws := testService(t)

	_, err := s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: directorDecision(ws, "delta-001"),
		Decision:      "maybe",
	})
	assert.True(t, errdefs.IsValidation(err))

	_, err = s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: directorDecision(ws, "does-not-exist"),
		Decision:      types.ReviewApproved,
	})
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, ws.SaveArtifact(&types.ArtifactMeta{
		SchemaVersion: 1, Type: types.ArtifactProposal, ID: "prop-001",
		Visibility: types.VisibilityTeam, ProducedBy: "agent:dev-1", ProjectID: "p1",
	}, "plain proposal"))
	_, err = s.ResolveInboxItem(context.Background(), ResolveInput{
		DecisionInput: directorDecision(ws, "prop-001"),
		Decision:      types.ReviewApproved,
	})
	assert.True(t, errdefs.IsValidation(err))
}
