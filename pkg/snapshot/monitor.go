package snapshot

import (
	"time"

	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// MonitorOptions filters the run monitor. ProjectID "" covers every
// project; Limit <= 0 returns all rows.
type MonitorOptions struct {
	ProjectID string
	Limit     int
}

// LastEvent is the newest event observed on a run's log.
type LastEvent struct {
	Type        string `json:"type"`
	TsWallclock string `json:"ts_wallclock,omitempty"`
}

// MonitorRow is one run in the monitor view. RunStatus is the durable
// status from run.yaml; LiveStatus is the in-memory session status
// when a session is currently attached, which can briefly differ
// while a session finalizes.
type MonitorRow struct {
	RunID               string     `json:"run_id"`
	ProjectID           string     `json:"project_id"`
	AgentID             string     `json:"agent_id"`
	Provider            string     `json:"provider"`
	RunStatus           string     `json:"run_status"`
	LiveStatus          string     `json:"live_status,omitempty"`
	LastEvent           *LastEvent `json:"last_event,omitempty"`
	ParseErrorCount     int64      `json:"parse_error_count"`
	CreatedAt           string     `json:"created_at,omitempty"`
	BudgetDecisionCount int64      `json:"budget_decision_count"`
	BudgetExceededCount int64      `json:"budget_exceeded_count"`
}

// MonitorSnapshot is the run monitor view, newest run first.
type MonitorSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Rows        []MonitorRow `json:"rows"`
}

// RunMonitor lists runs newest first with their latest event, parse
// error count, and budget decision counters.
func (s *Service) RunMonitor(ws *workspace.Workspace, opts MonitorOptions) (*MonitorSnapshot, error) {
	if _, _, err := s.refresh(ws); err != nil {
		return nil, err
	}
	return s.buildMonitor(ws, opts)
}

func (s *Service) buildMonitor(ws *workspace.Workspace, opts MonitorOptions) (*MonitorSnapshot, error) {
	runs, err := s.ix.ListRuns(ws, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	last, err := s.ix.LastEvents(ws, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	lastByRun := make(map[string]index.EventRow, len(last))
	for _, ev := range last {
		lastByRun[ev.RunID] = ev
	}
	parseCounts, err := s.ix.ParseErrorCounts(ws, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.ix.CountEventsWithPrefixByRun(ws, types.EventBudgetDecision)
	if err != nil {
		return nil, err
	}
	exceeded, err := s.ix.CountEventsWithPrefixByRun(ws, types.EventBudgetExceeded)
	if err != nil {
		return nil, err
	}

	snap := &MonitorSnapshot{GeneratedAt: s.nowFn().UTC(), Rows: []MonitorRow{}}
	for _, r := range runs {
		if opts.Limit > 0 && len(snap.Rows) >= opts.Limit {
			break
		}
		row := MonitorRow{
			RunID:               r.RunID,
			ProjectID:           r.ProjectID,
			AgentID:             r.AgentID,
			Provider:            r.Provider,
			RunStatus:           r.Status,
			ParseErrorCount:     parseCounts[r.RunID],
			CreatedAt:           r.CreatedAt,
			BudgetDecisionCount: decisions[r.RunID],
			BudgetExceededCount: exceeded[r.RunID],
		}
		if ev, ok := lastByRun[r.RunID]; ok {
			row.LastEvent = &LastEvent{Type: ev.Type, TsWallclock: ev.TsWallclock}
		}
		if s.live != nil {
			if status, ok := s.live.LiveRunStatus(r.ProjectID, r.RunID); ok {
				row.LiveStatus = string(status)
			}
		}
		snap.Rows = append(snap.Rows, row)
	}
	return snap, nil
}
