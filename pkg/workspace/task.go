package workspace

import (
	"fmt"
	"strings"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

var taskStatuses = map[types.TaskStatus]bool{
	types.TaskStatusDraft:      true,
	types.TaskStatusReady:      true,
	types.TaskStatusInProgress: true,
	types.TaskStatusBlocked:    true,
	types.TaskStatusDone:       true,
	types.TaskStatusCanceled:   true,
}

var milestoneStatuses = map[types.MilestoneStatus]bool{
	types.MilestonePending: true,
	types.MilestoneActive:  true,
	types.MilestoneDone:    true,
}

// NormalizeTask fills defaults before a task is validated or written.
// Coding milestones require both evidence kinds unless the author set
// them explicitly, which the YAML shape cannot distinguish from false,
// so coding implies both.
func NormalizeTask(t *types.Task) {
	if t.SchemaVersion == 0 {
		t.SchemaVersion = 1
	}
	if t.Status == "" {
		t.Status = types.TaskStatusDraft
	}
	if t.Visibility == "" {
		t.Visibility = types.VisibilityTeam
	}
	for i := range t.Milestones {
		m := &t.Milestones[i]
		if m.Status == "" {
			m.Status = types.MilestonePending
		}
		if m.Kind == types.MilestoneCoding {
			m.Evidence.RequiresPatch = true
			m.Evidence.RequiresTests = true
		}
	}
}

// ValidateTask checks a task document against the canonical schema.
// Draft tasks may be skeletal; every other status demands the full
// contract.
func ValidateTask(t *types.Task, body string) error {
	if err := ValidateID("task", t.ID); err != nil {
		return err
	}
	if err := ValidateID("project", t.ProjectID); err != nil {
		return err
	}
	if !taskStatuses[t.Status] {
		return errdefs.Validationf("task %s has unknown status %q", t.ID, t.Status)
	}
	if !strings.Contains(body, "## Contract") {
		return errdefs.Validationf("task %s body is missing the '## Contract' heading", t.ID)
	}
	if !strings.Contains(body, "## Milestones") {
		return errdefs.Validationf("task %s body is missing the '## Milestones' heading", t.ID)
	}

	seen := make(map[string]bool, len(t.Milestones))
	for _, m := range t.Milestones {
		if err := ValidateID("milestone", m.ID); err != nil {
			return err
		}
		if seen[m.ID] {
			return errdefs.Validationf("task %s has duplicate milestone id %q", t.ID, m.ID)
		}
		seen[m.ID] = true
		if !milestoneStatuses[m.Status] {
			return errdefs.Validationf("milestone %s has unknown status %q", m.ID, m.Status)
		}
	}

	if t.Status == types.TaskStatusDraft {
		return nil
	}
	if t.Title == "" {
		return errdefs.Validationf("task %s needs a title before leaving draft", t.ID)
	}
	if len(t.Deliverables) == 0 {
		return errdefs.Validationf("task %s needs deliverables before leaving draft", t.ID)
	}
	if len(t.AcceptanceCriteria) == 0 {
		return errdefs.Validationf("task %s needs acceptance criteria before leaving draft", t.ID)
	}
	if len(t.Milestones) == 0 {
		return errdefs.Validationf("task %s needs at least one milestone before leaving draft", t.ID)
	}
	return nil
}

// SetMilestoneStatus updates one milestone and applies the status
// coupling rules. It returns true when the task status itself changed.
func SetMilestoneStatus(t *types.Task, milestoneID string, status types.MilestoneStatus) (bool, error) {
	if !milestoneStatuses[status] {
		return false, errdefs.Validationf("unknown milestone status %q", status)
	}

	var m *types.Milestone
	for i := range t.Milestones {
		if t.Milestones[i].ID == milestoneID {
			m = &t.Milestones[i]
			break
		}
	}
	if m == nil {
		return false, errdefs.NotFoundf("milestone %s in task %s", milestoneID, t.ID)
	}

	wasDone := m.Status == types.MilestoneDone
	m.Status = status

	if wasDone && status != types.MilestoneDone && t.Status == types.TaskStatusDone {
		t.Status = types.TaskStatusInProgress
		return true, nil
	}
	return ReconcileTaskStatus(t), nil
}

// ReconcileTaskStatus promotes a task to done when every milestone is
// done. Canceled tasks stay canceled. Returns true on change.
func ReconcileTaskStatus(t *types.Task) bool {
	if t.Status == types.TaskStatusCanceled || t.Status == types.TaskStatusDone {
		return false
	}
	if len(t.Milestones) == 0 {
		return false
	}
	for _, m := range t.Milestones {
		if m.Status != types.MilestoneDone {
			return false
		}
	}
	t.Status = types.TaskStatusDone
	return true
}

// DefaultTaskBody seeds the body a new task starts from
func DefaultTaskBody(title string) string {
	return fmt.Sprintf("# %s\n\n## Contract\n\n(describe the deliverable and its acceptance bar)\n\n## Milestones\n\n(one section per milestone)\n", title)
}
