package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/heartbeat"
	"github.com/agentbureau/bureau/pkg/types"
)

func (s *Server) heartbeatStatus(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Heartbeat == nil {
		return nil, errdefs.Validationf("heartbeat is not configured")
	}
	return s.deps.Heartbeat.GetStatus(ws)
}

type heartbeatSetConfigParams struct {
	WorkspaceDir string                 `json:"workspace_dir" validate:"required"`
	Config       *types.HeartbeatConfig `json:"config" validate:"required"`
}

type heartbeatSetConfigResult struct {
	Config *types.HeartbeatConfig `json:"config"`
}

func (s *Server) heartbeatSetConfig(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p heartbeatSetConfigParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Heartbeat == nil {
		return nil, errdefs.Validationf("heartbeat is not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Heartbeat.SetConfig(ws, p.Config); err != nil {
		return nil, err
	}
	return heartbeatSetConfigResult{Config: p.Config}, nil
}

type heartbeatTickParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	DryRun       bool   `json:"dry_run,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (s *Server) heartbeatTick(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p heartbeatTickParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Heartbeat == nil {
		return nil, errdefs.Validationf("heartbeat is not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return s.deps.Heartbeat.TickWorkspace(ctx, ws, heartbeat.TickOpts{DryRun: p.DryRun, Reason: p.Reason})
}

type heartbeatSubmitReportParams struct {
	WorkspaceDir string              `json:"workspace_dir" validate:"required"`
	AgentID      string              `json:"agent_id" validate:"required"`
	Report       *types.WorkerReport `json:"report" validate:"required"`
}

// heartbeatSubmitReport forwards a worker's heartbeat report. Job
// actions may target other workspaces, so each one's workspace joins
// the observed set before the report is processed.
func (s *Server) heartbeatSubmitReport(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p heartbeatSubmitReportParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Heartbeat == nil {
		return nil, errdefs.Validationf("heartbeat is not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	for _, a := range p.Report.Actions {
		if a.Job != nil && a.Job.WorkspaceDir != "" {
			s.observeDir(a.Job.WorkspaceDir)
		}
	}
	return s.deps.Heartbeat.SubmitReport(ctx, ws, p.AgentID, p.Report)
}
