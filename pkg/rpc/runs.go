package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/lane"
	"github.com/agentbureau/bureau/pkg/provider"
	"github.com/agentbureau/bureau/pkg/session"
	"github.com/agentbureau/bureau/pkg/types"
)

type runCreateParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	RunID        string `json:"run_id,omitempty"`
	AgentID      string `json:"agent_id" validate:"required"`
	Provider     string `json:"provider" validate:"required"`
	Kind         string `json:"kind,omitempty" validate:"omitempty,oneof=adhoc task_milestone heartbeat_wake"`
	TaskID       string `json:"task_id,omitempty"`
	MilestoneID  string `json:"milestone_id,omitempty"`
}

type runResult struct {
	Run *types.Run `json:"run"`
}

// runCreate writes the run record in status running. The caller is
// expected to follow up with session.launch, which refuses runs in any
// other status.
func (s *Server) runCreate(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p runCreateParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	run := &types.Run{
		SchemaVersion: 1,
		RunID:         p.RunID,
		ProjectID:     p.ProjectID,
		AgentID:       p.AgentID,
		Provider:      p.Provider,
		CreatedAt:     time.Now().UTC(),
		Status:        types.RunStatusRunning,
		Spec: types.RunSpec{
			Kind:        types.RunKind(p.Kind),
			TaskID:      p.TaskID,
			MilestoneID: p.MilestoneID,
		},
	}
	if run.RunID == "" {
		run.RunID = "run-" + uuid.NewString()
	}
	if run.Spec.Kind == "" {
		run.Spec.Kind = types.RunKindAdhoc
	}
	if err := ws.CreateRun(run); err != nil {
		return nil, err
	}
	return runResult{Run: run}, nil
}

type runGetParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id" validate:"required"`
	RunID        string `json:"run_id" validate:"required"`
}

type runGetResult struct {
	Run *types.Run `json:"run"`
	// LiveStatus is set when the session runtime still tracks this
	// run, in which case it is fresher than the persisted record.
	LiveStatus types.RunStatus `json:"live_status,omitempty"`
}

func (s *Server) runGet(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p runGetParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	run, err := ws.LoadRun(p.ProjectID, p.RunID)
	if err != nil {
		return nil, err
	}
	res := runGetResult{Run: run}
	if s.deps.Runtime != nil {
		if live, ok := s.deps.Runtime.LiveRunStatus(p.ProjectID, p.RunID); ok {
			res.LiveStatus = live
		}
	}
	return res, nil
}

type runListParams struct {
	WorkspaceDir string `json:"workspace_dir" validate:"required"`
	ProjectID    string `json:"project_id,omitempty"`
}

type runListResult struct {
	Runs []index.RunRow `json:"runs"`
}

func (s *Server) runList(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p runListParams
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
	runs, err := s.deps.Index.ListRuns(ws, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []index.RunRow{}
	}
	return runListResult{Runs: runs}, nil
}

type sessionLaunchParams struct {
	WorkspaceDir     string            `json:"workspace_dir" validate:"required"`
	ProjectID        string            `json:"project_id" validate:"required"`
	RunID            string            `json:"run_id" validate:"required"`
	Argv             []string          `json:"argv" validate:"required,min=1"`
	Env              map[string]string `json:"env,omitempty"`
	StdinText        string            `json:"stdin_text,omitempty"`
	FinalTextFileAbs string            `json:"final_text_file_abs,omitempty"`
	Parser           string            `json:"parser,omitempty"`
	Priority         string            `json:"priority,omitempty" validate:"omitempty,oneof=normal high"`
	WorkspaceLimit   int               `json:"workspace_limit,omitempty"`
	ProviderLimit    int               `json:"provider_limit,omitempty"`
}

type sessionLaunchResult struct {
	SessionRef string `json:"session_ref"`
}

func (s *Server) sessionLaunch(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p sessionLaunchParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Runtime == nil {
		return nil, errdefs.Validationf("session runtime is not configured")
	}
	ws, err := s.openWorkspace(p.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	ref, err := s.deps.Runtime.Launch(ctx, session.LaunchSpec{
		Workspace:        ws,
		ProjectID:        p.ProjectID,
		RunID:            p.RunID,
		Argv:             p.Argv,
		Env:              p.Env,
		StdinText:        p.StdinText,
		FinalTextFileAbs: p.FinalTextFileAbs,
		Parser:           p.Parser,
		Priority:         lane.Priority(p.Priority),
		WorkspaceLimit:   p.WorkspaceLimit,
		ProviderLimit:    p.ProviderLimit,
	})
	if err != nil {
		return nil, err
	}
	return sessionLaunchResult{SessionRef: ref}, nil
}

type sessionRefParams struct {
	SessionRef string `json:"session_ref" validate:"required"`
}

func (s *Server) sessionPoll(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p sessionRefParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Runtime == nil {
		return nil, errdefs.Validationf("session runtime is not configured")
	}
	return s.deps.Runtime.Poll(p.SessionRef)
}

func (s *Server) sessionCollect(ctx context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p sessionRefParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Runtime == nil {
		return nil, errdefs.Validationf("session runtime is not configured")
	}
	return s.deps.Runtime.Collect(ctx, p.SessionRef)
}

type sessionStopResult struct {
	Stopped bool `json:"stopped"`
}

func (s *Server) sessionStop(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p sessionRefParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	if s.deps.Runtime == nil {
		return nil, errdefs.Validationf("session runtime is not configured")
	}
	if err := s.deps.Runtime.Stop(p.SessionRef); err != nil {
		return nil, err
	}
	return sessionStopResult{Stopped: true}, nil
}

type providerListParams struct {
	WorkspaceDir string `json:"workspace_dir,omitempty"`
}

type providerListResult struct {
	Providers []provider.Availability `json:"providers"`
}

func (s *Server) providerList(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	var p providerListParams
	if err := s.decode(params, &p); err != nil {
		return nil, err
	}
	var cfg *types.MachineConfig
	if p.WorkspaceDir != "" {
		ws, err := s.openWorkspace(p.WorkspaceDir)
		if err != nil {
			return nil, err
		}
		cfg, err = ws.LoadMachineConfig()
		if err != nil {
			return nil, err
		}
	}
	return providerListResult{Providers: provider.ListAvailability(cfg)}, nil
}

func (s *Server) laneStats(_ context.Context, _ *conn, params json.RawMessage) (any, error) {
	ws, err := s.scopedWorkspace(params)
	if err != nil {
		return nil, err
	}
	if s.deps.Lane == nil {
		return nil, errdefs.Validationf("lane is not configured")
	}
	return s.deps.Lane.Stats(ws), nil
}
