package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/lane"
	"github.com/agentbureau/bureau/pkg/provider"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// actionRefs are the records an execution produced, for the caller's
// result row.
type actionRefs struct {
	runID          string
	conversationID string
	messageID      string
	artifactID     string
}

// executeAction dispatches one vetted action. Callers own idempotency
// and state persistence.
func (s *Service) executeAction(ctx context.Context, ws *workspace.Workspace, actorID string, action *types.HeartbeatAction, cfg *types.HeartbeatConfig, now time.Time) (*actionRefs, error) {
	switch action.Kind {
	case types.ActionAddComment:
		return s.executeComment(ws, actorID, action.Comment, now)
	case types.ActionLaunchJob:
		return s.executeJob(ctx, ws, action.Job, now)
	case types.ActionCreateApprovalItem:
		return s.executeProposalItem(ws, actorID, action.Proposal, cfg, now)
	case types.ActionNoop:
		return &actionRefs{}, nil
	default:
		return nil, errdefs.Validationf("unknown action kind %q", action.Kind)
	}
}

// executeComment posts a message, creating the conversation first when
// the action names none.
func (s *Service) executeComment(ws *workspace.Workspace, actorID string, c *types.CommentAction, now time.Time) (*actionRefs, error) {
	if err := redact.AssertNoSensitiveText(c.Body, "comment body"); err != nil {
		return nil, err
	}

	cid := c.ConversationID
	if cid == "" {
		topic := c.Topic
		if topic == "" {
			topic = "Heartbeat updates"
		}
		cid = "conv-" + uuid.NewString()
		if err := ws.SaveConversation(&types.Conversation{
			SchemaVersion: 1,
			ID:            cid,
			ProjectID:     c.ProjectID,
			Topic:         topic,
			CreatedBy:     actorID,
			Visibility:    types.VisibilityTeam,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
	} else if _, err := ws.LoadConversation(c.ProjectID, cid); err != nil {
		return nil, err
	}

	msg := &types.Message{
		SchemaVersion:  1,
		ID:             "msg-" + uuid.NewString(),
		ConversationID: cid,
		AuthorID:       actorID,
		Body:           c.Body,
		CreatedAt:      now,
	}
	if _, err := ws.AppendMessage(c.ProjectID, msg); err != nil {
		return nil, fmt.Errorf("failed to append comment: %w", err)
	}
	return &actionRefs{conversationID: cid, messageID: msg.ID}, nil
}

// executeJob creates a run record and submits it through the session
// runtime. A launch refusal sweeps the fresh run record to failed so
// nothing dangles in status running.
func (s *Service) executeJob(ctx context.Context, ws *workspace.Workspace, j *types.JobAction, now time.Time) (*actionRefs, error) {
	if s.launcher == nil {
		return nil, errdefs.Fatalf("no session launcher wired for launch_job")
	}
	if err := redact.AssertNoSensitiveText(j.Prompt, "job prompt"); err != nil {
		return nil, err
	}
	agent, err := ws.LoadAgent(j.AgentID)
	if err != nil {
		return nil, err
	}
	adapter, err := provider.Get(j.Provider)
	if err != nil {
		return nil, err
	}
	machine, err := ws.LoadMachineConfig()
	if err != nil {
		return nil, err
	}
	bin := machine.ProviderBins[j.Provider]
	if bin == "" {
		return nil, errdefs.Validationf("provider %s has no binary configured", j.Provider)
	}

	rid := "run-" + uuid.NewString()
	cmd, err := adapter.BuildCommand(provider.BuildInput{
		Bin:           bin,
		Prompt:        j.Prompt,
		Model:         agent.Model,
		OutputsDirAbs: ws.OutputsDir(j.ProjectID, rid),
	})
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		SchemaVersion: 1,
		RunID:         rid,
		ProjectID:     j.ProjectID,
		AgentID:       j.AgentID,
		Provider:      j.Provider,
		CreatedAt:     now,
		Status:        types.RunStatusRunning,
		Spec:          types.RunSpec{Kind: types.RunKindHeartbeatWake, TaskID: j.TaskID},
	}
	if err := ws.CreateRun(run); err != nil {
		return nil, err
	}

	priority := lane.PriorityNormal
	if j.Priority == string(lane.PriorityHigh) {
		priority = lane.PriorityHigh
	}
	if _, err := s.launcher.Launch(ctx, session.LaunchSpec{
		Workspace:        ws,
		ProjectID:        j.ProjectID,
		RunID:            rid,
		Argv:             cmd.Argv,
		Env:              cmd.Env,
		StdinText:        cmd.StdinText,
		FinalTextFileAbs: cmd.FinalTextFileAbs,
		Parser:           cmd.FinalTextParser,
		Priority:         priority,
	}); err != nil {
		run.Status = types.RunStatusFailed
		if saveErr := ws.SaveRun(run); saveErr != nil {
			s.logger.Error().Err(saveErr).Str("run_id", rid).Msg("Failed to sweep unlaunched run")
		}
		return nil, fmt.Errorf("failed to launch job run %s: %w", rid, err)
	}
	return &actionRefs{runID: rid}, nil
}

// executeProposalItem writes a plain proposal artifact into the
// workspace default project.
func (s *Service) executeProposalItem(ws *workspace.Workspace, actorID string, p *types.ProposalAction, cfg *types.HeartbeatConfig, now time.Time) (*actionRefs, error) {
	if cfg.DefaultProjectID == "" {
		return nil, errdefs.Validationf("create_approval_item requires default_project_id in the heartbeat config")
	}
	if err := redact.AssertNoSensitiveText(p.Title+"\n"+p.Body, "proposal"); err != nil {
		return nil, err
	}
	meta := &types.ArtifactMeta{
		SchemaVersion: 1,
		Type:          types.ArtifactProposal,
		ID:            "prop-" + uuid.NewString(),
		Title:         p.Title,
		CreatedAt:     now,
		Visibility:    types.VisibilityTeam,
		ProducedBy:    actorRef(actorID),
		ProjectID:     cfg.DefaultProjectID,
	}
	if err := ws.SaveArtifact(meta, p.Body+"\n"); err != nil {
		return nil, err
	}
	return &actionRefs{artifactID: meta.ID}, nil
}

// proposeForApproval stages a gated action as a heartbeat_action_proposal
// artifact with the action embedded in the frontmatter. Approving it
// through the inbox executes the action with the same idempotency key.
func (s *Service) proposeForApproval(ws *workspace.Workspace, agentID string, action *types.HeartbeatAction, cfg *types.HeartbeatConfig, reason string, now time.Time) (string, error) {
	projectID := actionProjectID(action, cfg)
	if projectID == "" {
		return "", errdefs.Validationf("action %s has no project to file a proposal under", action.IdempotencyKey)
	}
	body := proposalBody(action, reason)
	if err := redact.AssertNoSensitiveText(body, "action proposal"); err != nil {
		return "", err
	}

	embedded := *action
	meta := &types.ArtifactMeta{
		SchemaVersion: 1,
		Type:          types.ArtifactHeartbeatProposal,
		ID:            "hbp-" + uuid.NewString(),
		Title:         fmt.Sprintf("Heartbeat %s action from %s", action.Kind, agentID),
		CreatedAt:     now,
		Visibility:    types.VisibilityManagers,
		ProducedBy:    actorRef(agentID),
		ProjectID:     projectID,
		Action:        &embedded,
	}
	if err := ws.SaveArtifact(meta, body); err != nil {
		return "", err
	}
	s.logger.Info().
		Str("agent_id", agentID).
		Str("artifact_id", meta.ID).
		Str("kind", string(action.Kind)).
		Str("reason", reason).
		Msg("Heartbeat action proposed for approval")
	return meta.ID, nil
}

func proposalBody(action *types.HeartbeatAction, reason string) string {
	var b strings.Builder
	b.WriteString("## Proposed action\n\n")
	fmt.Fprintf(&b, "- kind: %s\n", action.Kind)
	risk := action.Risk
	if risk == "" {
		risk = types.RiskLow
	}
	fmt.Fprintf(&b, "- risk: %s\n", risk)
	fmt.Fprintf(&b, "- needs_approval: %t\n", action.NeedsApproval)
	if reason != "" {
		fmt.Fprintf(&b, "- gated_by: %s\n", reason)
	}
	switch action.Kind {
	case types.ActionAddComment:
		fmt.Fprintf(&b, "\n%s\n", action.Comment.Body)
	case types.ActionLaunchJob:
		fmt.Fprintf(&b, "\nLaunch %s for %s in %s:\n\n%s\n", action.Job.Provider, action.Job.AgentID, action.Job.ProjectID, action.Job.Prompt)
	case types.ActionCreateApprovalItem:
		fmt.Fprintf(&b, "\n%s\n\n%s\n", action.Proposal.Title, action.Proposal.Body)
	}
	return b.String()
}

// actionProjectID decides which project a proposal artifact lands in:
// the action's own project when it names one, else the configured
// default.
func actionProjectID(action *types.HeartbeatAction, cfg *types.HeartbeatConfig) string {
	switch action.Kind {
	case types.ActionAddComment:
		if action.Comment != nil && action.Comment.ProjectID != "" {
			return action.Comment.ProjectID
		}
	case types.ActionLaunchJob:
		if action.Job != nil && action.Job.ProjectID != "" {
			return action.Job.ProjectID
		}
	}
	return cfg.DefaultProjectID
}

// actorRef keeps an existing kind prefix and defaults bare ids to
// agents, matching how events and artifacts name their producers.
func actorRef(id string) string {
	if strings.Contains(id, ":") {
		return id
	}
	return "agent:" + id
}
