package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/governance"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

type taskCreateParams struct {
	WorkspaceDir string      `json:"workspace_dir" validate:"required"`
	Task         *types.Task `json:"task" validate:"required"`
	Body         string      `json:"body,omitempty"`
}

type taskResult struct {
	Task *types.Task `json:"task"`
}

func (s *Server) taskCreate(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p taskCreateParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	task := p.Task
	workspace.NormalizeTask(task)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	body := p.Body
	if body == "" {
		body = workspace.DefaultTaskBody(task.Title)
	}
	if err := workspace.ValidateTask(task, body); err != nil {
		return nil, err
	}
	if _, _, err := ws.LoadTask(task.ProjectID, task.ID); err == nil {
		return nil, errdefs.Conflictf("task %s already exists", task.ID)
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}
	if err := ws.SaveTask(task, body); err != nil {
		return nil, err
	}
	return taskResult{Task: task}, nil
}

type taskSetStatusParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	TaskID       string `json:"task_id" validate:"required"`
	Status       string `json:"status" validate:"required,oneof=draft ready in_progress blocked done canceled"`
}

func (s *Server) taskSetStatus(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p taskSetStatusParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	task, body, err := ws.LoadTask(p.ProjectID, p.TaskID)
	if err != nil {
		return nil, err
	}
	task.Status = types.TaskStatus(p.Status)
	if err := workspace.ValidateTask(task, body); err != nil {
		return nil, err
	}
	if err := ws.SaveTask(task, body); err != nil {
		return nil, err
	}
	return taskResult{Task: task}, nil
}

type taskReportMilestoneParams struct {
	WorkspaceDir      string   `json:"workspace_dir" validate:"required"`
	ProjectID         string   `json:"project_id" validate:"required"`
	TaskID            string   `json:"task_id" validate:"required"`
	MilestoneID       string   `json:"milestone_id" validate:"required"`
	RunID             string   `json:"run_id,omitempty"`
	ActorID           string   `json:"actor_id" validate:"required"`
	Title             string   `json:"title,omitempty"`
	Body              string   `json:"body,omitempty"`
	EvidenceArtifacts []string `json:"evidence_artifacts,omitempty"`
	TestsArtifacts    []string `json:"tests_artifacts,omitempty"`
}

// taskReportMilestone stages a milestone report for review. The
// milestone itself only flips on approval, via milestone.approve.
func (s *Server) taskReportMilestone(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p taskReportMilestoneParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	task, _, err := ws.LoadTask(p.ProjectID, p.TaskID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, m := range task.Milestones {
		if m.ID == p.MilestoneID {
			found = true
			break
		}
	}
	if !found {
		return nil, errdefs.NotFoundf("milestone %s in task %s", p.MilestoneID, p.TaskID)
	}
	if err := redact.AssertNoSensitiveText(p.Title+"\n"+p.Body, "milestone report"); err != nil {
		return nil, err
	}

	title := p.Title
	if title == "" {
		title = "Milestone report for " + p.MilestoneID
	}
	meta := &types.ArtifactMeta{
		SchemaVersion:     1,
		Type:              types.ArtifactMilestoneReport,
		ID:                "mr-" + uuid.NewString(),
		Title:             title,
		CreatedAt:         time.Now().UTC(),
		Visibility:        types.VisibilityTeam,
		ProducedBy:        p.ActorID,
		RunID:             p.RunID,
		ProjectID:         p.ProjectID,
		TaskID:            p.TaskID,
		MilestoneID:       p.MilestoneID,
		EvidenceArtifacts: p.EvidenceArtifacts,
		TestsArtifacts:    p.TestsArtifacts,
	}
	if err := ws.SaveArtifact(meta, p.Body); err != nil {
		return nil, err
	}
	return artifactResult{Artifact: meta}, nil
}

type conversationCreateParams struct {
	WorkspaceDir   string `json:"workspace_dir" validate:"required"`
	ProjectID      string `json:"project_id" validate:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
	Topic          string `json:"topic" validate:"required"`
	CreatedBy      string `json:"created_by" validate:"required"`
	Visibility     string `json:"visibility,omitempty" validate:"omitempty,oneof=org team managers private_agent"`
}

type conversationResult struct {
	Conversation *types.Conversation `json:"conversation"`
}

func (s *Server) conversationCreate(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p conversationCreateParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(p.Topic, "conversation topic"); err != nil {
		return nil, err
	}
	conv := &types.Conversation{
		SchemaVersion: 1,
		ID:            p.ConversationID,
		ProjectID:     p.ProjectID,
		Topic:         p.Topic,
		CreatedBy:     p.CreatedBy,
		Visibility:    types.Visibility(p.Visibility),
		CreatedAt:     time.Now().UTC(),
	}
	if conv.ID == "" {
		conv.ID = "conv-" + uuid.NewString()
	}
	if conv.Visibility == "" {
		conv.Visibility = types.VisibilityTeam
	}
	if err := ws.SaveConversation(conv); err != nil {
		return nil, err
	}
	return conversationResult{Conversation: conv}, nil
}

type conversationPostParams struct {
	WorkspaceDir   string `json:"workspace_dir" validate:"required"`
	ProjectID      string `json:"project_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
	AuthorID       string `json:"author_id" validate:"required"`
	Body           string `json:"body" validate:"required"`
}

type messageResult struct {
	Message *types.Message `json:"message"`
}

func (s *Server) conversationPost(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p conversationPostParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if _, err := ws.LoadConversation(p.ProjectID, p.ConversationID); err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(p.Body, "conversation message"); err != nil {
		return nil, err
	}
	msg := &types.Message{
		SchemaVersion:  1,
		ID:             "msg-" + uuid.NewString(),
		ConversationID: p.ConversationID,
		AuthorID:       p.AuthorID,
		Body:           p.Body,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := ws.AppendMessage(p.ProjectID, msg); err != nil {
		return nil, err
	}
	return messageResult{Message: msg}, nil
}

type conversationMessagesParams struct {
	WorkspaceDir   string `json:"workspace_dir" validate:"required"`
	ProjectID      string `json:"project_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
}

type conversationMessagesResult struct {
	Messages []*types.Message `json:"messages"`
}

func (s *Server) conversationMessages(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p conversationMessagesParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	msgs, err := ws.ListMessages(p.ProjectID, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	return conversationMessagesResult{Messages: msgs}, nil
}

type helpRequestParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	AgentID      string `json:"agent_id" validate:"required"`
	Topic        string `json:"topic" validate:"required"`
	Body         string `json:"body" validate:"required"`
}

type helpRequestResult struct {
	HelpRequest *types.HelpRequest `json:"help_request"`
}

func (s *Server) helpRequest(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p helpRequestParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(p.Topic+"\n"+p.Body, "help request"); err != nil {
		return nil, err
	}
	hr := &types.HelpRequest{
		SchemaVersion: 1,
		ID:            "help-" + uuid.NewString(),
		ProjectID:     p.ProjectID,
		AgentID:       p.AgentID,
		CreatedAt:     time.Now().UTC(),
		Status:        types.HelpOpen,
		Topic:         p.Topic,
		Body:          p.Body,
	}
	if err := ws.SaveHelpRequest(hr); err != nil {
		return nil, err
	}
	return helpRequestResult{HelpRequest: hr}, nil
}

type helpListParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id,omitempty"`
	Status       string `json:"status,omitempty" validate:"omitempty,oneof=open answered withdrawn"`
}

type helpListResult struct {
	HelpRequests []index.HelpRequestRow `json:"help_requests"`
}

func (s *Server) helpList(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p helpListParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if s.deps.Index == nil {
		return nil, errdefs.Validationf("index is not configured")
	}
	if _, err := s.deps.Index.Sync(ws); err != nil {
		return nil, err
	}
	rows, err := s.deps.Index.ListHelpRequests(ws, p.ProjectID, p.Status)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []index.HelpRequestRow{}
	}
	return helpListResult{HelpRequests: rows}, nil
}

type helpResolveParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	HelpID       string `json:"help_id" validate:"required"`
	AnsweredBy   string `json:"answered_by" validate:"required"`
	Answer       string `json:"answer,omitempty"`
	Withdraw     bool   `json:"withdraw,omitempty"`
}

func (s *Server) helpResolve(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p helpResolveParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	hr, err := ws.LoadHelpRequest(p.ProjectID, p.HelpID)
	if err != nil {
		return nil, err
	}
	if hr.Status != types.HelpOpen {
		return nil, errdefs.Conflictf("help request %s is already %s", hr.ID, hr.Status)
	}
	if !p.Withdraw {
		if p.Answer == "" {
			return nil, errdefs.Validationf("answer is required unless withdrawing")
		}
		if err := redact.AssertNoSensitiveText(p.Answer, "help answer"); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	hr.AnsweredBy = p.AnsweredBy
	hr.AnsweredAt = &now
	if p.Withdraw {
		hr.Status = types.HelpWithdrawn
	} else {
		hr.Status = types.HelpAnswered
		hr.Answer = p.Answer
	}
	if err := ws.SaveHelpRequest(hr); err != nil {
		return nil, err
	}
	return helpRequestResult{HelpRequest: hr}, nil
}

type taskAllocation struct {
	TaskID           string        `json:"task_id" validate:"required"`
	AssigneeAgentID  *string       `json:"assignee_agent_id,omitempty"`
	PlannedStart     *time.Time    `json:"planned_start,omitempty"`
	PlannedEnd       *time.Time    `json:"planned_end,omitempty"`
	DurationDays     *float64      `json:"duration_days,omitempty"`
	DependsOnTaskIDs *[]string     `json:"depends_on_task_ids,omitempty"`
	Status           *string       `json:"status,omitempty" validate:"omitempty,oneof=draft ready in_progress blocked done canceled"`
	Budget           *types.Budget `json:"budget,omitempty"`
}

type pmApplyAllocationsParams struct {
	WorkspaceDir string           `json:"workspace_dir" validate:"required"`
	ProjectID    string           `json:"project_id" validate:"required"`
	ActorID      string           `json:"actor_id" validate:"required"`
	ActorRole    string           `json:"actor_role" validate:"required,oneof=worker manager director human"`
	ActorTeamID  string           `json:"actor_team_id,omitempty"`
	Allocations  []taskAllocation `json:"allocations" validate:"required,min=1,dive"`
}

type pmApplyAllocationsResult struct {
	Tasks []*types.Task `json:"tasks"`
}

// pmApplyAllocations applies a batch of schedule and assignment edits
// under a single allocate policy check. Nil fields leave the task's
// current value alone; a present-but-empty depends_on list clears it.
func (s *Server) pmApplyAllocations(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p pmApplyAllocationsParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Governance == nil {
		return nil, errdefs.Validationf("governance is not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Governance.Enforce(ctx, governance.PolicyInput{
		Workspace:   ws,
		ProjectID:   p.ProjectID,
		ActorID:     p.ActorID,
		ActorRole:   types.Role(p.ActorRole),
		ActorTeamID: p.ActorTeamID,
		Action:      governance.ActionAllocate,
		Resource: governance.Resource{
			ID:         p.ProjectID,
			Kind:       "task",
			Visibility: types.VisibilityOrg,
		},
	}); err != nil {
		return nil, err
	}

	updated := make([]*types.Task, 0, len(p.Allocations))
	for _, a := range p.Allocations {
		task, body, err := ws.LoadTask(p.ProjectID, a.TaskID)
		if err != nil {
			return nil, err
		}
		if a.AssigneeAgentID != nil {
			task.AssigneeAgentID = *a.AssigneeAgentID
		}
		if a.PlannedStart != nil {
			task.Schedule.PlannedStart = a.PlannedStart
		}
		if a.PlannedEnd != nil {
			task.Schedule.PlannedEnd = a.PlannedEnd
		}
		if a.DurationDays != nil {
			task.Schedule.DurationDays = *a.DurationDays
		}
		if a.DependsOnTaskIDs != nil {
			task.Schedule.DependsOnTaskIDs = *a.DependsOnTaskIDs
		}
		if a.Status != nil {
			task.Status = types.TaskStatus(*a.Status)
		}
		if a.Budget != nil {
			task.Budget = a.Budget
		}
		if err := workspace.ValidateTask(task, body); err != nil {
			return nil, err
		}
		if err := ws.SaveTask(task, body); err != nil {
			return nil, err
		}
		updated = append(updated, task)
	}
	return pmApplyAllocationsResult{Tasks: updated}, nil
}
