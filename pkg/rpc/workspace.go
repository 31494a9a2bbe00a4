package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

type workspaceInitParams struct {
	Root    string         `json:"root" validate:"required"`
	Company *types.Company `json:"company" validate:"required"`
}

type workspaceInitResult struct {
	Root    string         `json:"root"`
	Company *types.Company `json:"company"`
}

func (s *Server) workspaceInit(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p workspaceInitParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := workspace.Init(p.Root, p.Company)
	if err != nil {
		return nil, err
	}
	s.observe(ws)
	return workspaceInitResult{Root: ws.Root(), Company: p.Company}, nil
}

type projectCreateParams struct {
	WorkspaceDir string         `json:"workspace_dir" validate:"required"`
	Project      *types.Project `json:"project" validate:"required"`
}

type projectCreateResult struct {
	Project *types.Project `json:"project"`
}

func (s *Server) projectCreateWithDefaults(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p projectCreateParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if err := ws.CreateProjectWithDefaults(p.Project); err != nil {
		return nil, err
	}
	return projectCreateResult{Project: p.Project}, nil
}

type workspaceDescribeParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
}

type workspaceDescription struct {
	Root     string           `json:"root"`
	Company  *types.Company   `json:"company"`
	Teams    []*types.Team    `json:"teams"`
	Agents   []*types.Agent   `json:"agents"`
	Projects []*types.Project `json:"projects"`
}

func (s *Server) workspaceDescribe(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p workspaceDescribeParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	company, err := ws.LoadCompany()
	if err != nil {
		return nil, err
	}
	desc := &workspaceDescription{
		Root:     ws.Root(),
		Company:  company,
		Teams:    []*types.Team{},
		Agents:   []*types.Agent{},
		Projects: []*types.Project{},
	}

	teamIDs, err := ws.ListTeamIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range teamIDs {
		team, err := ws.LoadTeam(id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		desc.Teams = append(desc.Teams, team)
	}

	agentIDs, err := ws.ListAgentIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range agentIDs {
		agent, err := ws.LoadAgent(id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		desc.Agents = append(desc.Agents, agent)
	}

	projectIDs, err := ws.ListProjectIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range projectIDs {
		project, err := ws.LoadProject(id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		desc.Projects = append(desc.Projects, project)
	}
	return desc, nil
}

type workspaceScopedParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
}

func (s *Server) indexRebuild(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Index == nil {
		return nil, errdefs.Validationf("index is not configured")
	}
	return s.deps.Index.Rebuild(ws)
}

func (s *Server) indexSync(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Index == nil {
		return nil, errdefs.Validationf("index is not configured")
	}
	return s.deps.Index.Sync(ws)
}

type emptyParams struct{}

func (s *Server) indexSyncWorkerFlush(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p emptyParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.SyncWorker == nil {
		return nil, errdefs.Validationf("sync worker is not configured")
	}
	s.deps.SyncWorker.Flush()
	return s.deps.SyncWorker.Status(), nil
}

func (s *Server) indexSyncWorkerStatus(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p emptyParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.SyncWorker == nil {
		return index.SyncWorkerStatus{}, nil
	}
	return s.deps.SyncWorker.Status(), nil
}

type recoverResult struct {
	Recovered []session.RecoveredRun `json:"recovered"`
}

func (s *Server) adminRecoverCrashedRuns(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Runtime == nil {
		return nil, errdefs.Validationf("session runtime is not configured")
	}
	recovered, err := s.deps.Runtime.RecoverCrashedRuns(ws)
	if err != nil {
		return nil, err
	}
	if recovered == nil {
		recovered = []session.RecoveredRun{}
	}
	return recoverResult{Recovered: recovered}, nil
}

// scopedWorkspace decodes the common {workspace_dir} params shape and
// opens the workspace.
func (s *Server) scopedWorkspace(params json.RawMessage) (*workspace.Workspace, error) {
	var p workspaceScopedParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	return s.openWorkspace(p.WorkspaceDir)
}
