package snapshot

import (
	"math"

	"github.com/agentbureau/bureau/pkg/types"
)

// CPM status values for a Gantt.
const (
	CPMStatusOK              = "ok"
	CPMStatusDependencyCycle = "dependency_cycle"
)

const (
	defaultTaskDurationDays = 1.0
	criticalSlackEpsilon    = 1e-9
)

// GanttBar is one task on the schedule. Day offsets are relative to
// the project start, not calendar dates.
type GanttBar struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	DurationDays   float64  `json:"duration_days"`
	EarliestStart  float64  `json:"earliest_start_day"`
	EarliestFinish float64  `json:"earliest_finish_day"`
	LatestStart    float64  `json:"latest_start_day"`
	LatestFinish   float64  `json:"latest_finish_day"`
	SlackDays      float64  `json:"slack_days"`
	Critical       bool     `json:"critical"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// Gantt is the critical-path schedule of one project. Bars always
// appear in task order regardless of CPMStatus, so a renderer can draw
// something even when the dependency graph is unusable.
type Gantt struct {
	ProjectID string     `json:"project_id"`
	CPMStatus string     `json:"cpm_status"`
	SpanDays  float64    `json:"span_days"`
	Bars      []GanttBar `json:"bars"`
}

// computeGantt runs the critical path method over the tasks. Self
// dependencies and dependencies on unknown tasks are dropped before
// the topological sort; a remaining cycle downgrades the result to
// CPMStatusDependencyCycle with every bar at day zero.
func computeGantt(tasks []*types.Task) *Gantt {
	n := len(tasks)
	pos := make(map[string]int, n)
	for i, t := range tasks {
		pos[t.ID] = i
	}
	durations := make([]float64, n)
	deps := make([][]int, n)
	dependents := make([][]int, n)
	depIDs := make([][]string, n)
	for i, t := range tasks {
		durations[i] = durationDays(t)
		for _, dep := range t.Schedule.DependsOnTaskIDs {
			j, ok := pos[dep]
			if !ok || j == i {
				continue
			}
			deps[i] = append(deps[i], j)
			dependents[j] = append(dependents[j], i)
			depIDs[i] = append(depIDs[i], dep)
		}
	}

	order, acyclic := topoOrder(deps, dependents)

	gantt := &Gantt{CPMStatus: CPMStatusOK, Bars: make([]GanttBar, n)}
	es := make([]float64, n)
	ef := make([]float64, n)
	ls := make([]float64, n)
	lf := make([]float64, n)

	if acyclic {
		for _, i := range order {
			for _, j := range deps[i] {
				es[i] = math.Max(es[i], ef[j])
			}
			ef[i] = es[i] + durations[i]
			gantt.SpanDays = math.Max(gantt.SpanDays, ef[i])
		}
		for k := n - 1; k >= 0; k-- {
			i := order[k]
			lf[i] = gantt.SpanDays
			for _, j := range dependents[i] {
				lf[i] = math.Min(lf[i], ls[j])
			}
			ls[i] = lf[i] - durations[i]
		}
	} else {
		gantt.CPMStatus = CPMStatusDependencyCycle
		for i := range tasks {
			ef[i] = durations[i]
			lf[i] = durations[i]
			gantt.SpanDays = math.Max(gantt.SpanDays, ef[i])
		}
	}

	for i, t := range tasks {
		slack := ls[i] - es[i]
		gantt.Bars[i] = GanttBar{
			TaskID:         t.ID,
			Title:          t.Title,
			Status:         string(t.Status),
			DurationDays:   durations[i],
			EarliestStart:  es[i],
			EarliestFinish: ef[i],
			LatestStart:    ls[i],
			LatestFinish:   lf[i],
			SlackDays:      slack,
			Critical:       acyclic && math.Abs(slack) < criticalSlackEpsilon,
			DependsOn:      depIDs[i],
		}
	}
	return gantt
}

// topoOrder returns node indexes in dependency order, deterministic by
// input position among ready nodes. ok is false when a cycle keeps the
// sort from covering every node.
func topoOrder(deps, dependents [][]int) ([]int, bool) {
	n := len(deps)
	indegree := make([]int, n)
	for i := range deps {
		indegree[i] = len(deps[i])
	}
	done := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return order, false
		}
		done[next] = true
		order = append(order, next)
		for _, j := range dependents[next] {
			indegree[j]--
		}
	}
	return order, true
}

// durationDays resolves a task's working duration: the explicit value,
// else the planned window, else one day.
func durationDays(t *types.Task) float64 {
	if t.Schedule.DurationDays > 0 {
		return t.Schedule.DurationDays
	}
	if t.Schedule.PlannedStart != nil && t.Schedule.PlannedEnd != nil {
		if d := t.Schedule.PlannedEnd.Sub(*t.Schedule.PlannedStart); d > 0 {
			return d.Hours() / 24
		}
	}
	return defaultTaskDurationDays
}
