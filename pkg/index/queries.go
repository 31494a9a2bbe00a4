package index

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// EventQuery selects a window of projected events for one run
type EventQuery struct {
	ProjectID string
	RunID     string
	SinceSeq  int64
	Limit     int
	// Order is "asc" (default) or "desc" by seq
	Order string
}

// ListRuns returns runs newest first; projectID "" returns all projects
func (ix *Index) ListRuns(ws *workspace.Workspace, projectID string) ([]RunRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []RunRow
	if projectID == "" {
		err = db.Select(&rows, `SELECT * FROM runs ORDER BY created_at DESC, run_id DESC`)
	} else {
		err = db.Select(&rows, `SELECT * FROM runs WHERE project_id = ? ORDER BY created_at DESC, run_id DESC`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return rows, nil
}

func (ix *Index) GetRun(ws *workspace.Workspace, runID string) (*RunRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var row RunRow
	if err := db.Get(&row, `SELECT * FROM runs WHERE run_id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFoundf("run %s not indexed", runID)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &row, nil
}

func (ix *Index) ListEvents(ws *workspace.Workspace, q EventQuery) ([]EventRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	order := "ASC"
	if q.Order == "desc" {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	where := "seq > ?"
	args := []any{q.SinceSeq}
	if q.ProjectID != "" {
		where += " AND project_id = ?"
		args = append(args, q.ProjectID)
	}
	if q.RunID != "" {
		where += " AND run_id = ?"
		args = append(args, q.RunID)
	}
	// Single-run listings order by seq; cross-run listings fall back
	// to wallclock with run and seq as tie-breakers.
	orderBy := "seq " + order
	if q.RunID == "" {
		orderBy = "ts_wallclock " + order + ", run_id " + order + ", seq " + order
	}
	args = append(args, limit)

	var rows []EventRow
	err = db.Select(&rows,
		`SELECT * FROM events WHERE `+where+` ORDER BY `+orderBy+` LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return rows, nil
}

// ListArtifacts filters by type when artifactType is non-empty
func (ix *Index) ListArtifacts(ws *workspace.Workspace, projectID, artifactType string) ([]ArtifactRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []ArtifactRow
	switch {
	case projectID == "" && artifactType == "":
		err = db.Select(&rows, `SELECT * FROM artifacts ORDER BY created_at DESC`)
	case artifactType == "":
		err = db.Select(&rows, `SELECT * FROM artifacts WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	case projectID == "":
		err = db.Select(&rows, `SELECT * FROM artifacts WHERE type = ? ORDER BY created_at DESC`, artifactType)
	default:
		err = db.Select(&rows, `SELECT * FROM artifacts WHERE project_id = ? AND type = ? ORDER BY created_at DESC`, projectID, artifactType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	return rows, nil
}

func (ix *Index) GetArtifact(ws *workspace.Workspace, projectID, artifactID string) (*ArtifactRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var row ArtifactRow
	if err := db.Get(&row, `SELECT * FROM artifacts WHERE project_id = ? AND artifact_id = ?`, projectID, artifactID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errdefs.NotFoundf("artifact %s not indexed", artifactID)
		}
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	return &row, nil
}

func (ix *Index) ListPendingApprovals(ws *workspace.Workspace) ([]PendingApprovalRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []PendingApprovalRow
	if err := db.Select(&rows, `SELECT * FROM pending_approvals ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListRecentDecisions(ws *workspace.Workspace, limit int) ([]ReviewDecisionRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []ReviewDecisionRow
	if err := db.Select(&rows, `SELECT * FROM review_decisions ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to query review decisions: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListReviews(ws *workspace.Workspace) ([]ReviewRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []ReviewRow
	if err := db.Select(&rows, `SELECT * FROM reviews ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListTasks(ws *workspace.Workspace, projectID string) ([]TaskRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []TaskRow
	if projectID == "" {
		err = db.Select(&rows, `SELECT * FROM tasks ORDER BY project_id, task_id`)
	} else {
		err = db.Select(&rows, `SELECT * FROM tasks WHERE project_id = ? ORDER BY task_id`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	return rows, nil
}

// ListMilestones returns milestones in task order; taskID "" returns
// every milestone in the project.
func (ix *Index) ListMilestones(ws *workspace.Workspace, projectID, taskID string) ([]MilestoneRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []MilestoneRow
	if taskID == "" {
		err = db.Select(&rows, `SELECT * FROM task_milestones WHERE project_id = ? ORDER BY task_id, seq`, projectID)
	} else {
		err = db.Select(&rows, `SELECT * FROM task_milestones WHERE project_id = ? AND task_id = ? ORDER BY seq`, projectID, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListConversations(ws *workspace.Workspace, projectID string) ([]ConversationRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []ConversationRow
	if err := db.Select(&rows, `SELECT * FROM conversations WHERE project_id = ? ORDER BY created_at ASC`, projectID); err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListConversationMessages(ws *workspace.Workspace, projectID, conversationID string) ([]MessageRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []MessageRow
	if err := db.Select(&rows,
		`SELECT * FROM messages WHERE project_id = ? AND conversation_id = ? ORDER BY seq ASC`,
		projectID, conversationID); err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListHelpRequests(ws *workspace.Workspace, projectID, status string) ([]HelpRequestRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []HelpRequestRow
	if status == "" {
		err = db.Select(&rows, `SELECT * FROM help_requests WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	} else {
		err = db.Select(&rows, `SELECT * FROM help_requests WHERE project_id = ? AND status = ? ORDER BY created_at ASC`, projectID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query help requests: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListAgentCounters(ws *workspace.Workspace) ([]AgentCounterRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []AgentCounterRow
	if err := db.Select(&rows, `SELECT * FROM agent_counters ORDER BY project_id, agent_id`); err != nil {
		return nil, fmt.Errorf("failed to query agent counters: %w", err)
	}
	return rows, nil
}

func (ix *Index) ListParseErrors(ws *workspace.Workspace, projectID, runID string) ([]ParseErrorRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	var rows []ParseErrorRow
	if err := db.Select(&rows,
		`SELECT * FROM event_parse_errors WHERE project_id = ? AND run_id = ? ORDER BY seq ASC`,
		projectID, runID); err != nil {
		return nil, fmt.Errorf("failed to query parse errors: %w", err)
	}
	return rows, nil
}

// ParseErrorCounts returns per-run totals keyed by run id, used to
// surface corruption warnings without loading the rows. projectID ""
// covers the whole workspace.
func (ix *Index) ParseErrorCounts(ws *workspace.Workspace, projectID string) (map[string]int64, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	query := `SELECT run_id, COUNT(*) AS n FROM event_parse_errors GROUP BY run_id`
	args := []any{}
	if projectID != "" {
		query = `SELECT run_id, COUNT(*) AS n FROM event_parse_errors WHERE project_id = ? GROUP BY run_id`
		args = append(args, projectID)
	}
	rows, err := db.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count parse errors: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var runID string
		var n int64
		if err := rows.Scan(&runID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan parse error count: %w", err)
		}
		counts[runID] = n
	}
	return counts, rows.Err()
}

// CountRunEventsWithPrefix counts a run's events whose type starts with
// prefix, e.g. "budget." for budget decisions and overruns.
func (ix *Index) CountRunEventsWithPrefix(ws *workspace.Workspace, runID, prefix string) (int64, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.Get(&n,
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND type LIKE ? || '%'`,
		runID, prefix); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// CountEventsWithPrefixByRun is the grouped form of
// CountRunEventsWithPrefix covering every run in the workspace at once.
func (ix *Index) CountEventsWithPrefixByRun(ws *workspace.Workspace, prefix string) (map[string]int64, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	rows, err := db.Queryx(
		`SELECT run_id, COUNT(*) AS n FROM events WHERE type LIKE ? || '%' GROUP BY run_id`,
		prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var runID string
		var n int64
		if err := rows.Scan(&runID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[runID] = n
	}
	return counts, rows.Err()
}

// LastEvents returns the newest projected event of every run, one row
// per run. projectID "" covers the whole workspace.
func (ix *Index) LastEvents(ws *workspace.Workspace, projectID string) ([]EventRow, error) {
	db, err := ix.DB(ws)
	if err != nil {
		return nil, err
	}
	query := `SELECT e.* FROM events e
		 JOIN (SELECT run_id, MAX(seq) AS max_seq FROM events GROUP BY run_id) m
		   ON e.run_id = m.run_id AND e.seq = m.max_seq`
	args := []any{}
	if projectID != "" {
		query += ` WHERE e.project_id = ?`
		args = append(args, projectID)
	}
	var rows []EventRow
	if err := db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query last events: %w", err)
	}
	return rows, nil
}
