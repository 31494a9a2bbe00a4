package heartbeat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Score weights and penalties.
const (
	weightNewSignals   = 5
	weightDueTasks     = 3
	weightOverdueTasks = 2
	weightStuckJobs    = 4

	penaltyUnchangedContext = 3
	penaltyQuietHours       = 2
)

// Counts are the per-worker triage tallies for one tick.
type Counts struct {
	NewSignals   int `json:"new_signals" yaml:"new_signals"`
	DueTasks     int `json:"due_tasks" yaml:"due_tasks"`
	OverdueTasks int `json:"overdue_tasks" yaml:"overdue_tasks"`
	StuckJobs    int `json:"stuck_jobs" yaml:"stuck_jobs"`
}

// WorkerTriage is one scored worker row of a tick.
type WorkerTriage struct {
	AgentID     string     `json:"agent_id"`
	Role        types.Role `json:"role"`
	Counts      Counts     `json:"counts"`
	Score       int        `json:"score"`
	ContextHash string     `json:"context_hash"`
	Suppressed  bool       `json:"suppressed,omitempty"`
}

// WakeTarget is one selected worker with its jitter and project pick.
type WakeTarget struct {
	AgentID       string `json:"agent_id"`
	ProjectID     string `json:"project_id,omitempty"`
	Score         int    `json:"score"`
	JitterSeconds int    `json:"jitter_seconds"`
}

// triageSnapshot is everything one pass over the workspace yields: the
// scored workers plus the bookkeeping a non-dry tick persists.
type triageSnapshot struct {
	workers        []WorkerTriage
	cursors        map[string]int64
	projectSignals map[string]map[string]int
	latestProject  map[string]string
}

// runScan captures one run record with its event lines past the cursor.
type runScan struct {
	projectID string
	run       *types.Run
	fresh     []eventlog.Record
	total     int64
}

func cursorKey(projectID, runID string) string {
	return projectID + "::" + runID
}

// triageWorkspace computes counts, scores, and context fingerprints for
// every eligible worker. Workers are scored; under enterprise_v1 the
// directors are scored too.
func (s *Service) triageWorkspace(ws *workspace.Workspace, cfg *types.HeartbeatConfig, state *types.HeartbeatState, now time.Time) (*triageSnapshot, error) {
	company, err := ws.LoadCompany()
	if err != nil {
		return nil, fmt.Errorf("failed to load company: %w", err)
	}

	agentIDs, err := ws.ListAgentIDs()
	if err != nil {
		return nil, err
	}
	var eligible []*types.Agent
	for _, id := range agentIDs {
		agent, err := ws.LoadAgent(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", id).Msg("Skipping unreadable agent record")
			continue
		}
		if agent.Role == types.RoleWorker || (company.OrgMode == types.OrgModeEnterpriseV1 && agent.Role == types.RoleDirector) {
			eligible = append(eligible, agent)
		}
	}

	scans, cursors, err := s.scanRuns(ws, state)
	if err != nil {
		return nil, err
	}
	dueByAgent, overdueByAgent, err := s.scanTasks(ws, cfg, now)
	if err != nil {
		return nil, err
	}

	snap := &triageSnapshot{
		cursors:        cursors,
		projectSignals: make(map[string]map[string]int),
		latestProject:  make(map[string]string),
	}
	quiet := cfg.QuietHours.Contains(now.Hour())
	for _, agent := range eligible {
		counts := Counts{
			DueTasks:     dueByAgent[agent.AgentID],
			OverdueTasks: overdueByAgent[agent.AgentID],
		}
		counts.NewSignals = s.countSignals(agent.AgentID, scans, snap)
		counts.StuckJobs = countStuck(agent.AgentID, scans, cfg, now)

		hash := contextFingerprint(agent.AgentID, string(agent.Role), counts, ownCursorEntries(agent.AgentID, scans))
		wstate := state.WorkerState[agent.AgentID]
		unchanged := wstate != nil && wstate.LastContextHash != "" && wstate.LastContextHash == hash
		recentOK := wstate != nil && wstate.LastOkAt != nil &&
			now.Sub(*wstate.LastOkAt) <= time.Duration(cfg.OkSuppressionMinutes)*time.Minute
		suppressed := wstate != nil && wstate.SuppressedUntil != nil && now.Before(*wstate.SuppressedUntil)

		snap.workers = append(snap.workers, WorkerTriage{
			AgentID:     agent.AgentID,
			Role:        agent.Role,
			Counts:      counts,
			Score:       scoreWorker(counts, unchanged && recentOK, quiet),
			ContextHash: hash,
			Suppressed:  suppressed,
		})
	}
	sort.Slice(snap.workers, func(i, j int) bool { return snap.workers[i].AgentID < snap.workers[j].AgentID })
	return snap, nil
}

// scanRuns reads each run's event log past its cursor and returns the
// advanced cursor positions keyed by projectID::runID.
func (s *Service) scanRuns(ws *workspace.Workspace, state *types.HeartbeatState) ([]runScan, map[string]int64, error) {
	projectIDs, err := ws.ListProjectIDs()
	if err != nil {
		return nil, nil, err
	}

	cursors := make(map[string]int64)
	var scans []runScan
	for _, pid := range projectIDs {
		runIDs, err := ws.ListRunIDs(pid)
		if err != nil {
			return nil, nil, err
		}
		for _, rid := range runIDs {
			run, err := ws.LoadRun(pid, rid)
			if err != nil {
				s.logger.Warn().Err(err).Str("run_id", rid).Msg("Skipping unreadable run record")
				continue
			}
			records, err := eventlog.ReadFile(ws.EventsPath(pid, rid))
			if err != nil && !errdefs.IsNotFound(err) {
				return nil, nil, err
			}
			total := int64(len(records))
			cur := state.RunEventCursors[cursorKey(pid, rid)]
			if cur > total {
				cur = total
			}
			scans = append(scans, runScan{projectID: pid, run: run, fresh: records[cur:], total: total})
			cursors[cursorKey(pid, rid)] = total
		}
	}
	return scans, cursors, nil
}

// countSignals tallies fresh event lines that concern the agent: every
// line of a run the agent owns, plus lines authored by the agent in
// anyone else's runs. It also folds per-project signal counts and the
// agent's latest project into the snapshot for project selection.
func (s *Service) countSignals(agentID string, scans []runScan, snap *triageSnapshot) int {
	actor := "agent:" + agentID
	total := 0
	var latest time.Time
	for _, scan := range scans {
		n := 0
		if scan.run.AgentID == agentID {
			n = len(scan.fresh)
			if scan.run.CreatedAt.After(latest) {
				latest = scan.run.CreatedAt
				snap.latestProject[agentID] = scan.projectID
			}
		} else {
			for _, rec := range scan.fresh {
				if rec.Event != nil && rec.Event.Actor == actor {
					n++
				}
			}
		}
		if n == 0 {
			continue
		}
		total += n
		byProject := snap.projectSignals[agentID]
		if byProject == nil {
			byProject = make(map[string]int)
			snap.projectSignals[agentID] = byProject
		}
		byProject[scan.projectID] += n
	}
	return total
}

// scanTasks tallies due and overdue tasks per assignee. Terminal tasks
// are never due.
func (s *Service) scanTasks(ws *workspace.Workspace, cfg *types.HeartbeatConfig, now time.Time) (due, overdue map[string]int, err error) {
	projectIDs, err := ws.ListProjectIDs()
	if err != nil {
		return nil, nil, err
	}
	horizon := now.Add(time.Duration(cfg.DueHorizonMinutes) * time.Minute)

	due = make(map[string]int)
	overdue = make(map[string]int)
	for _, pid := range projectIDs {
		taskIDs, err := ws.ListTaskIDs(pid)
		if err != nil {
			return nil, nil, err
		}
		for _, tid := range taskIDs {
			task, _, err := ws.LoadTask(pid, tid)
			if err != nil {
				s.logger.Warn().Err(err).Str("task_id", tid).Msg("Skipping unreadable task record")
				continue
			}
			if task.AssigneeAgentID == "" || task.Status == types.TaskStatusDone || task.Status == types.TaskStatusCanceled {
				continue
			}
			end := task.Schedule.PlannedEnd
			if end == nil {
				continue
			}
			switch {
			case end.Before(now):
				overdue[task.AssigneeAgentID]++
			case !end.After(horizon):
				due[task.AssigneeAgentID]++
			}
		}
	}
	return due, overdue, nil
}

// countStuck tallies the agent's runs stuck in status running past the
// threshold, plus one per task with two or more failed attempts.
func countStuck(agentID string, scans []runScan, cfg *types.HeartbeatConfig, now time.Time) int {
	threshold := time.Duration(cfg.StuckJobRunningMinutes) * time.Minute
	stuck := 0
	failedByTask := make(map[string]int)
	for _, scan := range scans {
		if scan.run.AgentID != agentID {
			continue
		}
		if scan.run.Status == types.RunStatusRunning && now.Sub(scan.run.CreatedAt) > threshold {
			stuck++
		}
		if scan.run.Status == types.RunStatusFailed && scan.run.Spec.TaskID != "" {
			failedByTask[scan.projectID+"::"+scan.run.Spec.TaskID]++
		}
	}
	for _, n := range failedByTask {
		if n >= 2 {
			stuck++
		}
	}
	return stuck
}

func scoreWorker(c Counts, suppressedContext, quiet bool) int {
	score := 0
	if c.NewSignals > 0 {
		score += weightNewSignals
	}
	if c.DueTasks > 0 {
		score += weightDueTasks
	}
	if c.OverdueTasks > 0 {
		score += weightOverdueTasks
	}
	if c.StuckJobs > 0 {
		score += weightStuckJobs
	}
	if suppressedContext {
		score -= penaltyUnchangedContext
	}
	if quiet {
		score -= penaltyQuietHours
	}
	return score
}

type cursorEntry struct {
	Key   string `json:"key"`
	Lines int64  `json:"lines"`
}

// ownCursorEntries returns the advanced cursor positions of the runs
// the agent owns, sorted for a stable fingerprint.
func ownCursorEntries(agentID string, scans []runScan) []cursorEntry {
	var entries []cursorEntry
	for _, scan := range scans {
		if scan.run.AgentID != agentID {
			continue
		}
		entries = append(entries, cursorEntry{Key: cursorKey(scan.projectID, scan.run.RunID), Lines: scan.total})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// contextFingerprint hashes what the worker would be woken about. An
// unchanged fingerprint paired with a recent ok report means waking
// again would waste a run.
func contextFingerprint(agentID, kind string, counts Counts, cursors []cursorEntry) string {
	payload := struct {
		WorkerAgentID string        `json:"worker_agent_id"`
		WorkerKind    string        `json:"worker_kind"`
		Counts        Counts        `json:"counts"`
		Cursors       []cursorEntry `json:"run_event_cursor_entries"`
	}{agentID, kind, counts, cursors}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// selectWakes picks the wake targets: scores at or above the floor,
// not suppressed, best first with agent id as the tiebreak, capped at
// top_k_workers. Each target gets a jitter and a project to open.
func (s *Service) selectWakes(snap *triageSnapshot, cfg *types.HeartbeatConfig) []WakeTarget {
	var candidates []WorkerTriage
	for _, w := range snap.workers {
		if w.Score >= cfg.MinWakeScore && !w.Suppressed {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})
	if len(candidates) > cfg.TopKWorkers {
		candidates = candidates[:cfg.TopKWorkers]
	}

	targets := make([]WakeTarget, 0, len(candidates))
	for _, c := range candidates {
		targets = append(targets, WakeTarget{
			AgentID:       c.AgentID,
			ProjectID:     pickProject(snap, c.AgentID, cfg.DefaultProjectID),
			Score:         c.Score,
			JitterSeconds: int(s.randFn() * float64(cfg.JitterMaxSeconds+1)),
		})
	}
	return targets
}

// pickProject chooses where a woken worker should start: the project
// with the most fresh signals for that worker, ties broken by the
// worker's latest project then lexically, falling back to the
// workspace default.
func pickProject(snap *triageSnapshot, agentID, defaultProject string) string {
	signals := snap.projectSignals[agentID]
	if len(signals) == 0 {
		if p := snap.latestProject[agentID]; p != "" {
			return p
		}
		return defaultProject
	}

	best := -1
	var tied []string
	for pid, n := range signals {
		switch {
		case n > best:
			best = n
			tied = tied[:0]
			tied = append(tied, pid)
		case n == best:
			tied = append(tied, pid)
		}
	}
	sort.Strings(tied)
	latest := snap.latestProject[agentID]
	for _, pid := range tied {
		if pid == latest {
			return pid
		}
	}
	return tied[0]
}
