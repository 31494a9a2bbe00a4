package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/governance"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/sharepack"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

type memoryProposeDeltaParams struct {
	WorkspaceDir string   `json:"workspace_dir" validate:"required"`
	ProjectID    string   `json:"project_id" validate:"required"`
	RunID        string   `json:"run_id,omitempty"`
	ActorID      string   `json:"actor_id" validate:"required"`
	ArtifactID   string   `json:"artifact_id,omitempty"`
	Title        string   `json:"title" validate:"required"`
	ScopeKind    string   `json:"scope_kind" validate:"required,oneof=project_memory agent_guidance"`
	ScopeRef     string   `json:"scope_ref,omitempty"`
	UnderHeading string   `json:"under_heading,omitempty"`
	InsertLines  []string `json:"insert_lines" validate:"required,min=1"`
	Rationale    string   `json:"rationale,omitempty"`
	Evidence     []string `json:"evidence,omitempty"`
	Visibility   string   `json:"visibility,omitempty" validate:"omitempty,oneof=org team managers private_agent"`
	Sensitivity  string   `json:"sensitivity,omitempty" validate:"omitempty,oneof=public internal restricted"`
}

type artifactResult struct {
	Artifact *types.ArtifactMeta `json:"artifact"`
}

func (s *Server) memoryProposeDelta(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p memoryProposeDeltaParams
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
	meta, err := s.deps.Governance.ProposeMemoryDelta(ctx, governance.ProposeMemoryDeltaInput{
		Workspace:    ws,
		ProjectID:    p.ProjectID,
		RunID:        p.RunID,
		ActorID:      p.ActorID,
		ArtifactID:   p.ArtifactID,
		Title:        p.Title,
		ScopeKind:    types.ScopeKind(p.ScopeKind),
		ScopeRef:     p.ScopeRef,
		UnderHeading: p.UnderHeading,
		InsertLines:  p.InsertLines,
		Rationale:    p.Rationale,
		Evidence:     p.Evidence,
		Visibility:   types.Visibility(p.Visibility),
		Sensitivity:  types.Sensitivity(p.Sensitivity),
	})
	if err != nil {
		return nil, err
	}
	return artifactResult{Artifact: meta}, nil
}

type decisionParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	ArtifactID   string `json:"artifact_id" validate:"required"`
	ActorID      string `json:"actor_id" validate:"required"`
	ActorRole    string `json:"actor_role" validate:"required,oneof=worker manager director human"`
	ActorTeamID  string `json:"actor_team_id,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

func (p decisionParams) input(ws *workspace.Workspace) governance.DecisionInput {
	return governance.DecisionInput{
		Workspace:   ws,
		ProjectID:   p.ProjectID,
		ArtifactID:  p.ArtifactID,
		ActorID:     p.ActorID,
		ActorRole:   types.Role(p.ActorRole),
		ActorTeamID: p.ActorTeamID,
		Notes:       p.Notes,
	}
}

type reviewResult struct {
	Review *types.Review `json:"review"`
}

func (s *Server) memoryApproveDelta(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p decisionParams
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
	review, err := s.deps.Governance.ApproveMemoryDelta(ctx, p.input(ws))
	if err != nil {
		return nil, err
	}
	return reviewResult{Review: review}, nil
}

func (s *Server) milestoneApprove(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p decisionParams
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
	review, err := s.deps.Governance.ApproveMilestone(ctx, p.input(ws))
	if err != nil {
		return nil, err
	}
	return reviewResult{Review: review}, nil
}

type inboxListResult struct {
	Pending []index.PendingApprovalRow `json:"pending"`
}

func (s *Server) inboxList(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Index == nil {
		return nil, errdefs.Validationf("index is not configured")
	}
	if _, err := s.deps.Index.Sync(ws); err != nil {
		return nil, err
	}
	pending, err := s.deps.Index.ListPendingApprovals(ws)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		pending = []index.PendingApprovalRow{}
	}
	return inboxListResult{Pending: pending}, nil
}

type inboxResolveParams struct {
	decisionParams
	Decision string `json:"decision" validate:"required,oneof=approved denied"`
}

func (s *Server) inboxResolve(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p inboxResolveParams
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
	review, err := s.deps.Governance.ResolveInboxItem(ctx, governance.ResolveInput{
		DecisionInput: p.input(ws),
		Decision:      types.ReviewDecisionValue(p.Decision),
	})
	if err != nil {
		return nil, err
	}
	return reviewResult{Review: review}, nil
}

type artifactReadParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	ArtifactID   string `json:"artifact_id" validate:"required"`
	ActorID      string `json:"actor_id" validate:"required"`
	ActorRole    string `json:"actor_role" validate:"required,oneof=worker manager director human"`
	ActorTeamID  string `json:"actor_team_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

type artifactReadResult struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Body string              `json:"body"`
}

// artifactRead loads an artifact and gates it through the read-action
// policy, so visibility and sensitivity rules apply to RPC readers the
// same way they apply to context composition.
func (s *Server) artifactRead(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p artifactReadParams
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
	meta, body, err := ws.LoadArtifact(p.ProjectID, p.ArtifactID)
	if err != nil {
		return nil, err
	}
	if _, err := s.deps.Governance.Enforce(ctx, governance.PolicyInput{
		Workspace:   ws,
		ProjectID:   p.ProjectID,
		RunID:       p.RunID,
		ActorID:     p.ActorID,
		ActorRole:   types.Role(p.ActorRole),
		ActorTeamID: p.ActorTeamID,
		Action:      governance.ActionRead,
		Resource: governance.Resource{
			ID:          meta.ID,
			Kind:        string(meta.Type),
			Visibility:  meta.Visibility,
			TeamID:      producerTeam(ws, meta.ProducedBy),
			Sensitivity: meta.Sensitivity,
			ProducedBy:  meta.ProducedBy,
		},
	}); err != nil {
		return nil, err
	}
	return artifactReadResult{Meta: meta, Body: body}, nil
}

// producerTeam resolves the team of the agent that produced an
// artifact, so team visibility admits the producer's teammates.
func producerTeam(ws *workspace.Workspace, producedBy string) string {
	id := producedBy
	if i := strings.IndexRune(id, ':'); i >= 0 {
		id = id[i+1:]
	}
	if id == "" {
		return ""
	}
	agent, err := ws.LoadAgent(id)
	if err != nil {
		return ""
	}
	return agent.TeamID
}

type artifactListParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id,omitempty"`
	Type         string `json:"type,omitempty"`
}

type artifactListResult struct {
	Artifacts []index.ArtifactRow `json:"artifacts"`
}

func (s *Server) artifactList(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p artifactListParams
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
	artifacts, err := s.deps.Index.ListArtifacts(ws, p.ProjectID, p.Type)
	if err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []index.ArtifactRow{}
	}
	return artifactListResult{Artifacts: artifacts}, nil
}

type sharepackExportParams struct {
	WorkspaceDir string              `json:"workspace_dir" validate:"required"`
	ProjectID    string              `json:"project_id" validate:"required"`
	Requester    sharepack.Requester `json:"requester"`
	OutDir       string              `json:"out_dir,omitempty"`
	RunIDs       []string            `json:"run_ids,omitempty"`
}

func (s *Server) sharepackExport(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p sharepackExportParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Exporter == nil {
		return nil, errdefs.Validationf("share-pack exporter is not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return s.deps.Exporter.Export(ctx, ws, sharepack.Options{
		ProjectID: p.ProjectID,
		Requester: p.Requester,
		OutDir:    p.OutDir,
		RunIDs:    p.RunIDs,
	})
}
