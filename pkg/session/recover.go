package session

import (
	"fmt"

	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// RecoveredRun is one run swept to failed by crash recovery.
type RecoveredRun struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
}

// RecoverCrashedRuns sweeps run records stuck in status running with
// no live session, as happens after a server crash or power loss. Each
// such run transitions to failed with recovered_from_crash set and a
// run.recovered_from_crash event appended to its log.
func (rt *Runtime) RecoverCrashedRuns(ws *workspace.Workspace) ([]RecoveredRun, error) {
	projectIDs, err := ws.ListProjectIDs()
	if err != nil {
		return nil, err
	}

	var recovered []RecoveredRun
	for _, pid := range projectIDs {
		runIDs, err := ws.ListRunIDs(pid)
		if err != nil {
			return recovered, err
		}
		for _, rid := range runIDs {
			run, err := ws.LoadRun(pid, rid)
			if err != nil {
				rt.logger.Warn().Err(err).Str("run_id", rid).Msg("Skipping unreadable run record")
				continue
			}
			if run.Status != types.RunStatusRunning || rt.hasLiveSession(pid, rid) {
				continue
			}

			run.Status = types.RunStatusFailed
			run.RecoveredFromCrash = true
			if err := ws.SaveRun(run); err != nil {
				return recovered, fmt.Errorf("failed to recover run %s: %w", rid, err)
			}
			if _, err := rt.elog.Append(ws.EventsPath(pid, rid), &types.Event{
				RunID:      rid,
				SessionRef: types.SessionRefControlPlane,
				Actor:      "system:recovery",
				Visibility: types.VisibilityTeam,
				Type:       types.EventRunRecovered,
				Payload:    map[string]any{"previous_status": string(types.RunStatusRunning)},
			}); err != nil {
				return recovered, fmt.Errorf("failed to append recovery event for run %s: %w", rid, err)
			}

			metrics.RunsTotal.WithLabelValues(run.Provider, string(types.RunStatusFailed)).Inc()
			rt.logger.Warn().Str("project_id", pid).Str("run_id", rid).Msg("Recovered crashed run")
			recovered = append(recovered, RecoveredRun{ProjectID: pid, RunID: rid})
		}
	}
	return recovered, nil
}

// LiveRunStatus reports the in-memory status of the session currently
// attached to a run, if any. The durable status in run.yaml can lag
// behind this while a session is finalizing.
func (rt *Runtime) LiveRunStatus(projectID, runID string) (types.RunStatus, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ref, ok := rt.byRun[projectID+"/"+runID]
	if !ok {
		return "", false
	}
	s, ok := rt.sessions[ref]
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, true
}

func (rt *Runtime) hasLiveSession(projectID, runID string) bool {
	status, ok := rt.LiveRunStatus(projectID, runID)
	return ok && !status.Terminal()
}

// ActiveRunsByProvider counts non-terminal sessions per provider, for
// the metrics collector.
func (rt *Runtime) ActiveRunsByProvider() map[string]int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	counts := make(map[string]int)
	for _, s := range rt.sessions {
		s.mu.Lock()
		terminal := s.status.Terminal()
		s.mu.Unlock()
		if !terminal {
			counts[s.run.Provider]++
		}
	}
	return counts
}
