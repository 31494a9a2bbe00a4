package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

func worktreeFixture(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Init(t.TempDir(), &types.Company{CompanyID: "acme"})
	require.NoError(t, err)
	require.NoError(t, ws.CreateProjectWithDefaults(&types.Project{ProjectID: "p1", DefaultRepoID: "app"}))
	require.NoError(t, ws.SaveTask(&types.Task{
		SchemaVersion: 1,
		ID:            "t1",
		ProjectID:     "p1",
		Title:         "ship the widget",
		Status:        types.TaskStatusInProgress,
		Visibility:    types.VisibilityTeam,
		Milestones: []types.Milestone{
			{ID: "m1", Title: "implement", Kind: types.MilestoneCoding, Status: types.MilestoneActive},
			{ID: "m2", Title: "investigate", Kind: types.MilestoneResearch, Status: types.MilestonePending},
			{ID: "m3", Title: "port", Kind: types.MilestoneCoding, Status: types.MilestonePending, RepoID: "lib"},
		},
		CreatedAt: time.Now().UTC(),
	}, "## Contract\n\n## Milestones\n"))
	return ws
}

func milestoneRun(rid, taskID, milestoneID string) *types.Run {
	return &types.Run{
		RunID:     rid,
		ProjectID: "p1",
		AgentID:   "dev-1",
		Provider:  types.ProviderClaude,
		Status:    types.RunStatusRunning,
		Spec: types.RunSpec{
			Kind:        types.RunKindTaskMilestone,
			TaskID:      taskID,
			MilestoneID: milestoneID,
		},
	}
}

func TestPlanWorktreeCodingMilestone(t *testing.T) {
	ws := worktreeFixture(t)
	machine := &types.MachineConfig{RepoRoots: map[string]string{"app": "/srv/checkouts/app"}}

	plan, err := planWorktree(ws, milestoneRun("run-001", "t1", "m1"), machine)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "app", plan.RepoID)
	assert.Equal(t, "/srv/checkouts/app", plan.RepoRoot)
	assert.Equal(t, "bureau/run-001", plan.Branch)
	assert.Equal(t, ws.WorktreeDir("p1", "run-001"), plan.Dir)
}

func TestPlanWorktreeMilestoneRepoOverridesDefault(t *testing.T) {
	ws := worktreeFixture(t)
	machine := &types.MachineConfig{RepoRoots: map[string]string{
		"app": "/srv/checkouts/app",
		"lib": "/srv/checkouts/lib",
	}}

	plan, err := planWorktree(ws, milestoneRun("run-001", "t1", "m3"), machine)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "lib", plan.RepoID)
	assert.Equal(t, "/srv/checkouts/lib", plan.RepoRoot)
}

func TestPlanWorktreeHonorsRequestedBranch(t *testing.T) {
	ws := worktreeFixture(t)
	machine := &types.MachineConfig{RepoRoots: map[string]string{"app": "/srv/checkouts/app"}}

	run := milestoneRun("run-001", "t1", "m1")
	run.Spec.WorktreeBranch = "feature/widget"
	plan, err := planWorktree(ws, run, machine)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "feature/widget", plan.Branch)
}

func TestPlanWorktreeSkips(t *testing.T) {
	ws := worktreeFixture(t)
	machine := &types.MachineConfig{RepoRoots: map[string]string{"app": "/srv/checkouts/app"}}

	cases := []struct {
		name    string
		run     *types.Run
		machine *types.MachineConfig
	}{
		{"adhoc run", &types.Run{RunID: "r", ProjectID: "p1", Spec: types.RunSpec{Kind: types.RunKindAdhoc}}, machine},
		{"research milestone", milestoneRun("r", "t1", "m2"), machine},
		{"unknown milestone", milestoneRun("r", "t1", "m9"), machine},
		{"no repo mapping", milestoneRun("r", "t1", "m1"), &types.MachineConfig{}},
		{"nil machine config", milestoneRun("r", "t1", "m1"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planWorktree(ws, tc.run, tc.machine)
			require.NoError(t, err)
			assert.Nil(t, plan)
		})
	}
}

func TestPlanWorktreeMissingTask(t *testing.T) {
	ws := worktreeFixture(t)
	machine := &types.MachineConfig{RepoRoots: map[string]string{"app": "/srv/checkouts/app"}}

	_, err := planWorktree(ws, milestoneRun("r", "t-missing", "m1"), machine)
	require.Error(t, err)
}
