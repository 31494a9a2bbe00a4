package governance

import (
	"context"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
)

// ApproveMilestone accepts a milestone report: the report's
// frontmatter must agree with the task it claims, the milestone's
// required evidence must exist on disk, and on success the milestone
// flips to done, possibly completing the task.
func (s *Service) ApproveMilestone(ctx context.Context, in DecisionInput) (*types.Review, error) {
	ws := in.Workspace
	report, _, err := ws.LoadArtifact(in.ProjectID, in.ArtifactID)
	if err != nil {
		return nil, err
	}
	if report.Type != types.ArtifactMilestoneReport {
		return nil, errdefs.Validationf("artifact %s is %s, not a milestone report", in.ArtifactID, report.Type)
	}

	trace, err := s.enforceApproval(ctx, in, report)
	if err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(in.Notes, "notes"); err != nil {
		return nil, err
	}

	if report.ProjectID != in.ProjectID {
		return nil, errdefs.Validationf("report %s belongs to project %s, not %s", in.ArtifactID, report.ProjectID, in.ProjectID)
	}
	if report.TaskID == "" || report.MilestoneID == "" {
		return nil, errdefs.Validationf("report %s is missing task or milestone id", in.ArtifactID)
	}

	task, body, err := ws.LoadTask(in.ProjectID, report.TaskID)
	if err != nil {
		return nil, err
	}
	var milestone *types.Milestone
	for i := range task.Milestones {
		if task.Milestones[i].ID == report.MilestoneID {
			milestone = &task.Milestones[i]
			break
		}
	}
	if milestone == nil {
		return nil, errdefs.NotFoundf("milestone %s on task %s", report.MilestoneID, report.TaskID)
	}
	if milestone.Status == types.MilestoneDone {
		return nil, errdefs.Conflictf("milestone %s is already done", report.MilestoneID)
	}

	if err := s.checkMilestoneEvidence(in, report, milestone); err != nil {
		return nil, err
	}

	milestone.Status = types.MilestoneDone
	promoteTask(task)
	if err := ws.SaveTask(task, body); err != nil {
		return nil, err
	}

	review, err := s.writeReview(in, report, types.ReviewApproved, trace)
	if err != nil {
		return nil, err
	}
	s.appendApprovalDecided(ws, report, review)

	s.logger.Info().
		Str("task_id", report.TaskID).
		Str("milestone_id", report.MilestoneID).
		Str("task_status", string(task.Status)).
		Msg("Milestone approved")
	return review, nil
}

// checkMilestoneEvidence verifies the evidence the milestone demands:
// a .patch sibling on some evidence artifact when requires_patch, a
// .txt or .json sibling on some tests artifact when requires_tests.
func (s *Service) checkMilestoneEvidence(in DecisionInput, report *types.ArtifactMeta, milestone *types.Milestone) error {
	ws := in.Workspace

	if milestone.Evidence.RequiresPatch {
		ok := false
		for _, aid := range report.EvidenceArtifacts {
			if ws.HasArtifactSibling(in.ProjectID, aid, ".patch") {
				ok = true
				break
			}
		}
		if !ok {
			return errdefs.Validationf("milestone %s requires a patch: no evidence artifact has a .patch sibling", milestone.ID)
		}
	}

	if milestone.Evidence.RequiresTests {
		ok := false
		for _, aid := range report.TestsArtifacts {
			if ws.HasArtifactSibling(in.ProjectID, aid, ".txt") || ws.HasArtifactSibling(in.ProjectID, aid, ".json") {
				ok = true
				break
			}
		}
		if !ok {
			return errdefs.Validationf("milestone %s requires test results: no tests artifact has a .txt or .json sibling", milestone.ID)
		}
	}
	return nil
}

// promoteTask advances the task status off the back of milestone
// progress: all milestones done completes the task, any progress on a
// draft or ready task moves it to in_progress.
func promoteTask(task *types.Task) {
	allDone := true
	for i := range task.Milestones {
		if task.Milestones[i].Status != types.MilestoneDone {
			allDone = false
			break
		}
	}
	switch {
	case allDone:
		task.Status = types.TaskStatusDone
	case task.Status == types.TaskStatusDraft || task.Status == types.TaskStatusReady:
		task.Status = types.TaskStatusInProgress
	}
}
