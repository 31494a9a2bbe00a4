package governance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// ResolveInput is an inbox decision: which artifact, which way, by
// whom.
type ResolveInput struct {
	DecisionInput
	Decision types.ReviewDecisionValue
}

// ResolveInboxItem decides a pending approval. The artifact's type
// picks the flow: memory deltas apply their patch, milestone reports
// flip the milestone, heartbeat proposals execute their action.
// Denials write the review and touch nothing else. Either way the
// deciding actor must hold approval rights; an actor policy refuses
// leaves the item pending.
func (s *Service) ResolveInboxItem(ctx context.Context, in ResolveInput) (*types.Review, error) {
	if in.Workspace == nil {
		return nil, errdefs.Validationf("workspace is required")
	}
	if in.Decision != types.ReviewApproved && in.Decision != types.ReviewDenied {
		return nil, errdefs.Validationf("decision must be approved or denied, got %q", in.Decision)
	}

	meta, _, err := in.Workspace.LoadArtifact(in.ProjectID, in.ArtifactID)
	if err != nil {
		return nil, err
	}

	switch meta.Type {
	case types.ArtifactMemoryDelta:
		if in.Decision == types.ReviewApproved {
			return s.ApproveMemoryDelta(ctx, in.DecisionInput)
		}
		return s.denyArtifact(ctx, in.DecisionInput, meta)
	case types.ArtifactMilestoneReport:
		if in.Decision == types.ReviewApproved {
			return s.ApproveMilestone(ctx, in.DecisionInput)
		}
		return s.denyArtifact(ctx, in.DecisionInput, meta)
	case types.ArtifactHeartbeatProposal:
		if in.Decision == types.ReviewApproved {
			return s.approveHeartbeatProposal(ctx, in.DecisionInput, meta)
		}
		return s.denyArtifact(ctx, in.DecisionInput, meta)
	default:
		return nil, errdefs.Validationf("artifact %s has type %s, which is not approvable", in.ArtifactID, meta.Type)
	}
}

// approveHeartbeatProposal executes the proposed action through the
// wired executor. The executor's idempotency key handling guarantees
// at-most-once effects even if the approval is retried.
func (s *Service) approveHeartbeatProposal(ctx context.Context, in DecisionInput, meta *types.ArtifactMeta) (*types.Review, error) {
	trace, err := s.enforceApproval(ctx, in, meta)
	if err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(in.Notes, "notes"); err != nil {
		return nil, err
	}
	if meta.Action == nil {
		return nil, errdefs.Validationf("proposal %s carries no action", meta.ID)
	}
	if s.executor == nil {
		return nil, errdefs.Fatalf("no action executor wired for heartbeat proposals")
	}

	if err := s.executor.ExecuteApproved(ctx, in.Workspace, meta.Action, in.ActorID); err != nil {
		return nil, err
	}

	review, err := s.writeReview(in, meta, types.ReviewApproved, trace)
	if err != nil {
		return nil, err
	}
	s.appendApprovalDecided(in.Workspace, meta, review)

	s.logger.Info().
		Str("artifact_id", meta.ID).
		Str("action_kind", string(meta.Action.Kind)).
		Msg("Heartbeat proposal approved and executed")
	return review, nil
}

// denyArtifact records an authorized denial. The actor still needs
// approval rights; the review carries the policy trace and nothing
// else changes.
func (s *Service) denyArtifact(ctx context.Context, in DecisionInput, meta *types.ArtifactMeta) (*types.Review, error) {
	trace, err := s.enforceApproval(ctx, in, meta)
	if err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(in.Notes, "notes"); err != nil {
		return nil, err
	}

	review, err := s.writeReview(in, meta, types.ReviewDenied, trace)
	if err != nil {
		return nil, err
	}
	s.appendApprovalDecided(in.Workspace, meta, review)

	s.logger.Info().
		Str("artifact_id", meta.ID).
		Str("artifact_type", string(meta.Type)).
		Msg("Inbox item denied")
	return review, nil
}

// enforceApproval runs the approve-action policy check against the
// artifact, logging the decision into the proposing run.
func (s *Service) enforceApproval(ctx context.Context, in DecisionInput, meta *types.ArtifactMeta) (*types.PolicyTrace, error) {
	return s.Enforce(ctx, PolicyInput{
		Workspace:   in.Workspace,
		ProjectID:   meta.ProjectID,
		RunID:       meta.RunID,
		ActorID:     in.ActorID,
		ActorRole:   in.ActorRole,
		ActorTeamID: in.ActorTeamID,
		Action:      ActionApprove,
		Resource: Resource{
			ID:          meta.ID,
			Kind:        string(meta.Type),
			Visibility:  meta.Visibility,
			Sensitivity: meta.Sensitivity,
			ProducedBy:  meta.ProducedBy,
		},
	})
}

func (s *Service) writeReview(in DecisionInput, meta *types.ArtifactMeta, decision types.ReviewDecisionValue, trace *types.PolicyTrace) (*types.Review, error) {
	review := &types.Review{
		SchemaVersion: 1,
		ID:            "rev-" + uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		ActorID:       in.ActorID,
		ActorRole:     in.ActorRole,
		Decision:      decision,
		Subject: types.ReviewSubject{
			Kind:        string(meta.Type),
			ArtifactID:  meta.ID,
			ProjectID:   meta.ProjectID,
			TaskID:      meta.TaskID,
			MilestoneID: meta.MilestoneID,
			RunID:       meta.RunID,
		},
		Policy: *trace,
		Notes:  in.Notes,
	}
	if err := in.Workspace.SaveReview(review); err != nil {
		return nil, err
	}
	return review, nil
}

// appendApprovalDecided records the outcome in the proposing run's
// log. Artifacts proposed outside any run skip this.
func (s *Service) appendApprovalDecided(ws *workspace.Workspace, meta *types.ArtifactMeta, review *types.Review) {
	if meta.RunID == "" {
		return
	}
	if _, err := s.elog.Append(ws.EventsPath(meta.ProjectID, meta.RunID), &types.Event{
		RunID:      meta.RunID,
		SessionRef: types.SessionRefControlPlane,
		Actor:      actorRef(review.ActorID, review.ActorRole),
		Visibility: types.VisibilityTeam,
		Type:       types.EventApprovalDecided,
		Payload: map[string]any{
			"artifact_id":   meta.ID,
			"artifact_type": string(meta.Type),
			"decision":      string(review.Decision),
			"review_id":     review.ID,
		},
	}); err != nil {
		s.logger.Error().Err(err).Str("artifact_id", meta.ID).Msg("Failed to append approval decision")
	}
}
