package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/snapshot"
)

type pmSnapshotParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id,omitempty"`
}

func (s *Server) pmSnapshot(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p pmSnapshotParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil {
		return nil, errdefs.Validationf("snapshots are not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return s.deps.Snapshots.PM(ws, snapshot.PMOptions{ProjectID: p.ProjectID})
}

type monitorRunsParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id,omitempty"`
	Limit        int    `json:"limit,omitempty" validate:"omitempty,min=1"`
}

func (s *Server) monitorRuns(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p monitorRunsParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil {
		return nil, errdefs.Validationf("snapshots are not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return s.deps.Snapshots.RunMonitor(ws, snapshot.MonitorOptions{ProjectID: p.ProjectID, Limit: p.Limit})
}

type reviewInboxParams struct {
	WorkspaceDir  string `json:"workspace_dir" validate:"required"`
	DecisionLimit int    `json:"decision_limit,omitempty" validate:"omitempty,min=1"`
}

func (s *Server) reviewInbox(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p reviewInboxParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil {
		return nil, errdefs.Validationf("snapshots are not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return s.deps.Snapshots.ReviewInbox(ws, snapshot.InboxOptions{DecisionLimit: p.DecisionLimit})
}

func (s *Server) colleaguesSnapshot(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil {
		return nil, errdefs.Validationf("snapshots are not configured")
	}
	return s.deps.Snapshots.Colleagues(ws)
}

func (s *Server) resourcesSnapshot(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil {
		return nil, errdefs.Validationf("snapshots are not configured")
	}
	return s.deps.Snapshots.Resources(ws)
}

type usageReconcileParams struct {
	WorkspaceDir string    `json:"workspace_dir" validate:"required"`
	PeriodStart  time.Time `json:"period_start" validate:"required"`
	PeriodEnd    time.Time `json:"period_end" validate:"required"`
}

func (s *Server) usageReconcile(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p usageReconcileParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Snapshots == nil {
		return nil, errdefs.Validationf("snapshots are not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	return s.deps.Snapshots.ReconcileUsage(ws, snapshot.UsagePeriod{Start: p.PeriodStart, End: p.PeriodEnd})
}
