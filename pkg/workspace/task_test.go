package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

func validTask() *types.Task {
	return &types.Task{
		SchemaVersion:      1,
		ID:                 "task-001",
		ProjectID:          "p1",
		Title:              "Ship the widget",
		Status:             types.TaskStatusReady,
		Visibility:         types.VisibilityTeam,
		Deliverables:       []string{"widget binary"},
		AcceptanceCriteria: []string{"widget passes smoke test"},
		Milestones: []types.Milestone{
			{ID: "m1", Title: "build", Kind: types.MilestoneCoding, Status: types.MilestonePending},
			{ID: "m2", Title: "verify", Kind: types.MilestoneResearch, Status: types.MilestonePending},
		},
	}
}

const validBody = "# Task\n\n## Contract\n\ndo it\n\n## Milestones\n\n- m1\n- m2\n"

func TestNormalizeTaskCodingEvidence(t *testing.T) {
	task := validTask()
	NormalizeTask(task)

	assert.True(t, task.Milestones[0].Evidence.RequiresPatch)
	assert.True(t, task.Milestones[0].Evidence.RequiresTests)
	assert.False(t, task.Milestones[1].Evidence.RequiresPatch)
	assert.False(t, task.Milestones[1].Evidence.RequiresTests)
}

func TestValidateTask(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*types.Task)
		body    string
		wantErr bool
	}{
		{name: "valid", mutate: func(t *types.Task) {}, body: validBody, wantErr: false},
		{
			name:    "draft may be skeletal",
			mutate:  func(t *types.Task) { t.Status = types.TaskStatusDraft; t.Deliverables = nil; t.Milestones = nil },
			body:    validBody,
			wantErr: false,
		},
		{
			name:    "unknown status",
			mutate:  func(t *types.Task) { t.Status = "paused" },
			body:    validBody,
			wantErr: true,
		},
		{
			name:    "missing contract heading",
			mutate:  func(t *types.Task) {},
			body:    "## Milestones\n",
			wantErr: true,
		},
		{
			name:    "missing milestones heading",
			mutate:  func(t *types.Task) {},
			body:    "## Contract\n",
			wantErr: true,
		},
		{
			name:    "non-draft without deliverables",
			mutate:  func(t *types.Task) { t.Deliverables = nil },
			body:    validBody,
			wantErr: true,
		},
		{
			name:    "non-draft without acceptance criteria",
			mutate:  func(t *types.Task) { t.AcceptanceCriteria = nil },
			body:    validBody,
			wantErr: true,
		},
		{
			name:    "non-draft without milestones",
			mutate:  func(t *types.Task) { t.Milestones = nil },
			body:    validBody,
			wantErr: true,
		},
		{
			name: "duplicate milestone ids",
			mutate: func(t *types.Task) {
				t.Milestones = append(t.Milestones, types.Milestone{ID: "m1", Title: "dup", Status: types.MilestonePending})
			},
			body:    validBody,
			wantErr: true,
		},
		{
			name:    "milestone with bad status",
			mutate:  func(t *types.Task) { t.Milestones[0].Status = "paused" },
			body:    validBody,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mutate(task)
			err := ValidateTask(task, tt.body)
			if tt.wantErr {
				assert.True(t, errdefs.IsValidation(err), "got: %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetMilestoneStatusPromotesTask(t *testing.T) {
	task := validTask()
	task.Status = types.TaskStatusInProgress

	changed, err := SetMilestoneStatus(task, "m1", types.MilestoneDone)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.TaskStatusInProgress, task.Status)

	changed, err = SetMilestoneStatus(task, "m2", types.MilestoneDone)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.TaskStatusDone, task.Status)
}

func TestSetMilestoneStatusDemotesDoneTask(t *testing.T) {
	task := validTask()
	task.Status = types.TaskStatusDone
	task.Milestones[0].Status = types.MilestoneDone
	task.Milestones[1].Status = types.MilestoneDone

	changed, err := SetMilestoneStatus(task, "m2", types.MilestoneActive)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.TaskStatusInProgress, task.Status)
}

func TestSetMilestoneStatusCanceledStaysCanceled(t *testing.T) {
	task := validTask()
	task.Status = types.TaskStatusCanceled
	task.Milestones[0].Status = types.MilestoneDone

	changed, err := SetMilestoneStatus(task, "m2", types.MilestoneDone)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.TaskStatusCanceled, task.Status)
}

func TestSetMilestoneStatusUnknownMilestone(t *testing.T) {
	task := validTask()
	_, err := SetMilestoneStatus(task, "m9", types.MilestoneDone)
	assert.True(t, errdefs.IsNotFound(err))
}
