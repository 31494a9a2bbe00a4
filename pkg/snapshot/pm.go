package snapshot

import (
	"sort"
	"strings"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/index"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// PMOptions selects what the PM snapshot covers. ProjectID "" yields
// the portfolio summary only; naming a project adds its CPM Gantt.
type PMOptions struct {
	ProjectID string
}

// WorkspaceSummary is the headline row of the PM snapshot.
type WorkspaceSummary struct {
	CompanyID      string `json:"company_id"`
	CompanyName    string `json:"company_name"`
	OrgMode        string `json:"org_mode"`
	Projects       int    `json:"projects"`
	Agents         int    `json:"agents"`
	ActiveRuns     int    `json:"active_runs"`
	PendingReviews int    `json:"pending_reviews"`
}

// ProjectSummary is one project's health row.
type ProjectSummary struct {
	ProjectID      string   `json:"project_id"`
	Name           string   `json:"name"`
	ProgressPct    float64  `json:"progress_pct"`
	BlockedTasks   int      `json:"blocked_tasks"`
	ActiveRuns     int      `json:"active_runs"`
	PendingReviews int      `json:"pending_reviews"`
	RiskFlags      []string `json:"risk_flags"`
}

// PMSnapshot is the project management view: a workspace summary, one
// row per project, and the selected project's schedule.
type PMSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Workspace   WorkspaceSummary `json:"workspace"`
	Projects    []ProjectSummary `json:"projects"`
	Gantt       *Gantt           `json:"gantt,omitempty"`
}

// PM builds the project management snapshot. Project metadata and task
// schedules come from the canonical files; run, task status, and
// review counts come from the projection.
func (s *Service) PM(ws *workspace.Workspace, opts PMOptions) (*PMSnapshot, error) {
	if _, _, err := s.refresh(ws); err != nil {
		return nil, err
	}

	company, err := ws.LoadCompany()
	if err != nil {
		return nil, err
	}
	projectIDs, err := ws.ListProjectIDs()
	if err != nil {
		return nil, err
	}
	agentIDs, err := ws.ListAgentIDs()
	if err != nil {
		return nil, err
	}
	runs, err := s.ix.ListRuns(ws, "")
	if err != nil {
		return nil, err
	}
	pending, err := s.ix.ListPendingApprovals(ws)
	if err != nil {
		return nil, err
	}
	parseCounts, err := s.ix.ParseErrorCounts(ws, "")
	if err != nil {
		return nil, err
	}

	activeByProject := make(map[string]int)
	costByProject := make(map[string]float64)
	parseByProject := make(map[string]bool)
	for _, r := range runs {
		if r.Status == string(types.RunStatusRunning) {
			activeByProject[r.ProjectID]++
		}
		if r.CostUSD != nil {
			costByProject[r.ProjectID] += *r.CostUSD
		}
		if parseCounts[r.RunID] > 0 {
			parseByProject[r.ProjectID] = true
		}
	}
	pendingByProject := make(map[string]int)
	for _, p := range pending {
		pendingByProject[p.ProjectID]++
	}

	snap := &PMSnapshot{
		GeneratedAt: s.nowFn().UTC(),
		Workspace: WorkspaceSummary{
			CompanyID:      company.CompanyID,
			CompanyName:    company.Name,
			OrgMode:        string(company.OrgMode),
			Projects:       len(projectIDs),
			Agents:         len(agentIDs),
			PendingReviews: len(pending),
		},
		Projects: []ProjectSummary{},
	}
	for _, n := range activeByProject {
		snap.Workspace.ActiveRuns += n
	}

	now := s.nowFn()
	for _, pid := range projectIDs {
		project, err := ws.LoadProject(pid)
		if err != nil {
			return nil, err
		}
		tasks, err := s.ix.ListTasks(ws, pid)
		if err != nil {
			return nil, err
		}
		summary := ProjectSummary{
			ProjectID:      pid,
			Name:           project.Name,
			ProgressPct:    taskProgressPct(tasks),
			BlockedTasks:   countBlockedTasks(tasks),
			ActiveRuns:     activeByProject[pid],
			PendingReviews: pendingByProject[pid],
			RiskFlags:      []string{},
		}
		summary.RiskFlags = riskFlags(project, tasks, costByProject[pid], parseByProject[pid], summary.BlockedTasks, now)
		snap.Projects = append(snap.Projects, summary)
	}

	if opts.ProjectID != "" {
		gantt, err := s.buildGantt(ws, opts.ProjectID)
		if err != nil {
			return nil, err
		}
		snap.Gantt = gantt
	}
	return snap, nil
}

// taskProgressPct is done tasks over live tasks; canceled tasks count
// for neither side.
func taskProgressPct(tasks []index.TaskRow) float64 {
	done, total := 0, 0
	for _, t := range tasks {
		if t.Status == string(types.TaskStatusCanceled) {
			continue
		}
		total++
		if t.Status == string(types.TaskStatusDone) {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// countBlockedTasks counts tasks explicitly marked blocked plus live
// tasks with an unfinished dependency. Self references and edges to
// missing tasks are ignored, matching the Gantt's dependency cleanup.
func countBlockedTasks(tasks []index.TaskRow) int {
	statusByID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		statusByID[t.TaskID] = t.Status
	}
	blocked := 0
	for _, t := range tasks {
		if t.Status == string(types.TaskStatusDone) || t.Status == string(types.TaskStatusCanceled) {
			continue
		}
		if t.Status == string(types.TaskStatusBlocked) {
			blocked++
			continue
		}
		for _, dep := range splitDeps(t.DependsOn) {
			if dep == t.TaskID {
				continue
			}
			depStatus, ok := statusByID[dep]
			if !ok {
				continue
			}
			if depStatus != string(types.TaskStatusDone) && depStatus != string(types.TaskStatusCanceled) {
				blocked++
				break
			}
		}
	}
	return blocked
}

func splitDeps(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	deps := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			deps = append(deps, p)
		}
	}
	return deps
}

// riskFlags derives a deterministic, sorted set of warning flags for a
// project row.
func riskFlags(project *types.Project, tasks []index.TaskRow, costUSD float64, parseErrors bool, blocked int, now time.Time) []string {
	flags := []string{}
	if project.Budget != nil {
		switch {
		case project.Budget.HardCostUSD != nil && costUSD > *project.Budget.HardCostUSD:
			flags = append(flags, "over_hard_budget")
		case project.Budget.SoftCostUSD != nil && costUSD > *project.Budget.SoftCostUSD:
			flags = append(flags, "over_soft_budget")
		}
	}
	if parseErrors {
		flags = append(flags, "parse_errors")
	}
	if blocked > 0 {
		flags = append(flags, "blocked_tasks")
	}
	for _, t := range tasks {
		if t.Status == string(types.TaskStatusDone) || t.Status == string(types.TaskStatusCanceled) {
			continue
		}
		if end, ok := parseTime(t.PlannedEnd); ok && end.Before(now) {
			flags = append(flags, "overdue_tasks")
			break
		}
	}
	sort.Strings(flags)
	return flags
}

// buildGantt loads the selected project's canonical tasks, since the
// scheduling fields (duration, dependency list) live in the task
// frontmatter rather than the projection, and runs CPM over them.
func (s *Service) buildGantt(ws *workspace.Workspace, projectID string) (*Gantt, error) {
	if _, err := ws.LoadProject(projectID); err != nil {
		return nil, err
	}
	taskIDs, err := ws.ListTaskIDs(projectID)
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.Task, 0, len(taskIDs))
	for _, tid := range taskIDs {
		task, _, err := ws.LoadTask(projectID, tid)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	gantt := computeGantt(tasks)
	gantt.ProjectID = projectID
	return gantt, nil
}
