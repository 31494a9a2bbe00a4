package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Index maintains one projection database per workspace. Rebuild and
// Sync are serialized per workspace by a named in-process mutex; the
// database file itself lives at .local/index.db and is disposable.
type Index struct {
	mu     sync.Mutex
	dbs    map[string]*sqlx.DB
	locks  map[string]*sync.Mutex
	logger zerolog.Logger
}

func New() *Index {
	return &Index{
		dbs:    make(map[string]*sqlx.DB),
		locks:  make(map[string]*sync.Mutex),
		logger: log.WithComponent("index"),
	}
}

// Close closes every open projection database
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var firstErr error
	for root, db := range ix.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close index for %s: %w", root, err)
		}
		delete(ix.dbs, root)
	}
	return firstErr
}

// DB returns the open projection database for a workspace, opening it
// on first use. Query methods and snapshot aggregators go through here.
func (ix *Index) DB(ws *workspace.Workspace) (*sqlx.DB, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if db, ok := ix.dbs[ws.Root()]; ok {
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(ws.IndexDBPath()), 0755); err != nil {
		return nil, fmt.Errorf("failed to create .local directory: %w", err)
	}
	db, err := openDB(ws.IndexDBPath())
	if err != nil {
		return nil, err
	}
	ix.dbs[ws.Root()] = db
	return db, nil
}

func (ix *Index) lockFor(root string) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	l, ok := ix.locks[root]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[root] = l
	}
	return l
}

// Report summarizes one projection pass
type Report struct {
	Kind         string `json:"kind"`
	FilesScanned int    `json:"files_scanned"`
	FilesChanged int    `json:"files_changed"`
	EventsAdded  int    `json:"events_added"`
	RowsDeleted  int    `json:"rows_deleted"`
	DurationMs   int64  `json:"duration_ms"`
}

// Rebuild clears the projection and rescans every canonical file
func (ix *Index) Rebuild(ws *workspace.Workspace) (*Report, error) {
	return ix.project(ws, "rebuild")
}

// Sync rescans incrementally: only files whose fingerprint changed are
// re-projected, and events.jsonl lines are appended from the per-run
// cursor.
func (ix *Index) Sync(ws *workspace.Workspace) (*Report, error) {
	return ix.project(ws, "sync")
}

func (ix *Index) project(ws *workspace.Workspace, kind string) (*Report, error) {
	lock := ix.lockFor(ws.Root())
	lock.Lock()
	defer lock.Unlock()

	db, err := ix.DB(ws)
	if err != nil {
		metrics.IndexSyncsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}

	timer := metrics.NewTimer()
	if kind == "rebuild" {
		if err := resetProjection(db); err != nil {
			metrics.IndexSyncsTotal.WithLabelValues(kind, "error").Inc()
			return nil, err
		}
	}

	report := &Report{Kind: kind}
	if err := ix.scanWorkspace(db, ws, report); err != nil {
		metrics.IndexSyncsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}

	metrics.IndexSyncsTotal.WithLabelValues(kind, "success").Inc()
	timer.ObserveDuration(metrics.IndexSyncDuration)
	report.DurationMs = timer.Duration().Milliseconds()

	ix.logger.Debug().
		Str("kind", kind).
		Int("scanned", report.FilesScanned).
		Int("changed", report.FilesChanged).
		Int("events_added", report.EventsAdded).
		Msg("Projection pass complete")
	return report, nil
}

func (ix *Index) scanWorkspace(db *sqlx.DB, ws *workspace.Workspace, report *Report) error {
	seen := make(map[string]bool)

	reviewIDs, err := ws.ListReviewIDs()
	if err != nil {
		return err
	}
	for _, revID := range reviewIDs {
		rel := path.Join("inbox", "reviews", revID+".yaml")
		if err := ix.syncPath(db, ws, rel, seen, report, projectReview); err != nil {
			return err
		}
	}

	projectIDs, err := ws.ListProjectIDs()
	if err != nil {
		return err
	}
	for _, pid := range projectIDs {
		if err := ix.scanProject(db, ws, pid, seen, report); err != nil {
			return err
		}
	}

	if err := ix.deleteVanished(db, seen, report); err != nil {
		return err
	}
	return refreshDerived(db)
}

func (ix *Index) scanProject(db *sqlx.DB, ws *workspace.Workspace, pid string, seen map[string]bool, report *Report) error {
	projectRel := path.Join("work", "projects", pid)

	taskIDs, err := ws.ListTaskIDs(pid)
	if err != nil {
		return err
	}
	for _, tid := range taskIDs {
		rel := path.Join(projectRel, "tasks", tid+".md")
		if err := ix.syncPath(db, ws, rel, seen, report, projectTask(pid, tid)); err != nil {
			return err
		}
	}

	artifactIDs, err := ws.ListArtifactIDs(pid)
	if err != nil {
		return err
	}
	for _, aid := range artifactIDs {
		rel := path.Join(projectRel, "artifacts", aid+".md")
		if err := ix.syncPath(db, ws, rel, seen, report, projectArtifact(pid, aid)); err != nil {
			return err
		}
	}

	helpIDs, err := ws.ListHelpRequestIDs(pid)
	if err != nil {
		return err
	}
	for _, hid := range helpIDs {
		rel := path.Join(projectRel, "help", hid+".yaml")
		if err := ix.syncPath(db, ws, rel, seen, report, projectHelpRequest(pid, hid)); err != nil {
			return err
		}
	}

	convIDs, err := ws.ListConversationIDs(pid)
	if err != nil {
		return err
	}
	for _, cid := range convIDs {
		convRel := path.Join(projectRel, "conversations", cid)
		if err := ix.syncPath(db, ws, path.Join(convRel, "conversation.yaml"), seen, report, projectConversation(pid, cid)); err != nil {
			return err
		}
		msgFiles, err := listMessageFiles(ws.ConversationDir(pid, cid))
		if err != nil {
			return err
		}
		for _, name := range msgFiles {
			if err := ix.syncPath(db, ws, path.Join(convRel, name), seen, report, projectMessage(pid, cid)); err != nil {
				return err
			}
		}
	}

	runIDs, err := ws.ListRunIDs(pid)
	if err != nil {
		return err
	}
	for _, rid := range runIDs {
		runRel := path.Join(projectRel, "runs", rid)
		if err := ix.syncPath(db, ws, path.Join(runRel, "run.yaml"), seen, report, projectRun(pid, rid)); err != nil {
			return err
		}
		if err := ix.syncPath(db, ws, path.Join(runRel, "events.jsonl"), seen, report, projectEvents(pid, rid, report)); err != nil {
			return err
		}
	}
	return nil
}

type fileRow struct {
	Path    string `db:"path"`
	Size    int64  `db:"size"`
	MtimeNs int64  `db:"mtime_ns"`
	Sha256  string `db:"sha256"`
}

// projector re-derives all rows for one canonical file inside a
// transaction. The fingerprint row commits with the derived rows, so a
// crash mid-sync never records a file as projected when it was not.
type projector func(tx *sqlx.Tx, content []byte) error

func (ix *Index) syncPath(db *sqlx.DB, ws *workspace.Workspace, rel string, seen map[string]bool, report *Report, project projector) error {
	seen[rel] = true
	report.FilesScanned++

	abs, err := ws.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// listed a moment ago, gone now; the vanish pass handles rows
			seen[rel] = false
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	var fp fileRow
	haveRow := db.Get(&fp, `SELECT path, size, mtime_ns, sha256 FROM files WHERE path = ?`, rel) == nil
	if haveRow && fp.Size == info.Size() && fp.MtimeNs == info.ModTime().UnixNano() {
		return nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", rel, err)
	}
	sum := sha256Hex(content)
	if haveRow && fp.Sha256 == sum {
		// touched but identical content
		_, err = db.Exec(`UPDATE files SET size = ?, mtime_ns = ? WHERE path = ?`,
			info.Size(), info.ModTime().UnixNano(), rel)
		return err
	}

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin index transaction: %w", err)
	}
	if err := project(tx, content); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to project %s: %w", rel, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO files (path, size, mtime_ns, sha256) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET size = excluded.size, mtime_ns = excluded.mtime_ns, sha256 = excluded.sha256`,
		rel, info.Size(), info.ModTime().UnixNano(), sum); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record fingerprint for %s: %w", rel, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit projection of %s: %w", rel, err)
	}
	report.FilesChanged++
	return nil
}

// deleteVanished drops rows derived from files that no longer exist
func (ix *Index) deleteVanished(db *sqlx.DB, seen map[string]bool, report *Report) error {
	var known []string
	if err := db.Select(&known, `SELECT path FROM files`); err != nil {
		return fmt.Errorf("failed to list fingerprints: %w", err)
	}
	for _, rel := range known {
		if seen[rel] {
			continue
		}
		if err := deleteRowsForPath(db, rel); err != nil {
			return err
		}
		if _, err := db.Exec(`DELETE FROM files WHERE path = ?`, rel); err != nil {
			return fmt.Errorf("failed to drop fingerprint for %s: %w", rel, err)
		}
		report.RowsDeleted++
	}
	return nil
}

// deleteRowsForPath infers the table from the canonical path shape:
// inbox/reviews/<rev>.yaml, work/projects/<pid>/<kind>/... and the
// run-scoped files below work/projects/<pid>/runs/<rid>/.
func deleteRowsForPath(db *sqlx.DB, rel string) error {
	parts := strings.Split(rel, "/")
	var err error
	switch {
	case len(parts) == 3 && parts[0] == "inbox" && parts[1] == "reviews":
		id := strings.TrimSuffix(parts[2], ".yaml")
		_, err = db.Exec(`DELETE FROM reviews WHERE review_id = ?`, id)
	case len(parts) == 5 && parts[3] == "tasks":
		pid, tid := parts[2], strings.TrimSuffix(parts[4], ".md")
		if _, err = db.Exec(`DELETE FROM tasks WHERE project_id = ? AND task_id = ?`, pid, tid); err == nil {
			_, err = db.Exec(`DELETE FROM task_milestones WHERE project_id = ? AND task_id = ?`, pid, tid)
		}
	case len(parts) == 5 && parts[3] == "artifacts":
		pid, aid := parts[2], strings.TrimSuffix(parts[4], ".md")
		_, err = db.Exec(`DELETE FROM artifacts WHERE project_id = ? AND artifact_id = ?`, pid, aid)
	case len(parts) == 5 && parts[3] == "help":
		pid, hid := parts[2], strings.TrimSuffix(parts[4], ".yaml")
		_, err = db.Exec(`DELETE FROM help_requests WHERE project_id = ? AND help_id = ?`, pid, hid)
	case len(parts) == 6 && parts[3] == "conversations" && parts[5] == "conversation.yaml":
		pid, cid := parts[2], parts[4]
		if _, err = db.Exec(`DELETE FROM conversations WHERE project_id = ? AND conversation_id = ?`, pid, cid); err == nil {
			_, err = db.Exec(`DELETE FROM messages WHERE project_id = ? AND conversation_id = ?`, pid, cid)
		}
	case len(parts) == 6 && parts[3] == "conversations" && strings.HasPrefix(parts[5], "msg-"):
		pid, cid := parts[2], parts[4]
		if seq, ok := messageSeqFromName(parts[5]); ok {
			_, err = db.Exec(`DELETE FROM messages WHERE project_id = ? AND conversation_id = ? AND seq = ?`, pid, cid, seq)
		}
	case len(parts) == 6 && parts[3] == "runs" && parts[5] == "run.yaml":
		rid := parts[4]
		if _, err = db.Exec(`DELETE FROM runs WHERE run_id = ?`, rid); err == nil {
			if _, err = db.Exec(`DELETE FROM events WHERE run_id = ?`, rid); err == nil {
				_, err = db.Exec(`DELETE FROM event_parse_errors WHERE run_id = ?`, rid)
			}
		}
	case len(parts) == 6 && parts[3] == "runs" && parts[5] == "events.jsonl":
		rid := parts[4]
		if _, err = db.Exec(`DELETE FROM events WHERE run_id = ?`, rid); err == nil {
			_, err = db.Exec(`DELETE FROM event_parse_errors WHERE run_id = ?`, rid)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to delete rows for %s: %w", rel, err)
	}
	return nil
}

// refreshDerived rematerializes the tables that join other tables:
// pending approvals, decision history, and per-agent counters.
func refreshDerived(db *sqlx.DB) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin derived refresh: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM pending_approvals`,
		`INSERT INTO pending_approvals (artifact_id, project_id, type, title, produced_by, run_id, created_at)
		 SELECT a.artifact_id, a.project_id, a.type, a.title, a.produced_by, a.run_id, a.created_at
		 FROM artifacts a
		 WHERE a.type IN ('memory_delta', 'milestone_report', 'heartbeat_action_proposal')
		   AND NOT EXISTS (SELECT 1 FROM reviews r WHERE r.artifact_id = a.artifact_id)`,
		`DELETE FROM review_decisions`,
		`INSERT INTO review_decisions (review_id, artifact_id, artifact_type, project_id, run_id, actor_id, decision, created_at)
		 SELECT r.review_id, r.artifact_id, COALESCE(a.type, ''), r.project_id,
		        CASE WHEN r.run_id != '' THEN r.run_id ELSE COALESCE(a.run_id, '') END,
		        r.actor_id, r.decision, r.created_at
		 FROM reviews r
		 LEFT JOIN artifacts a ON a.artifact_id = r.artifact_id AND a.project_id = r.project_id`,
		`DELETE FROM agent_counters`,
		`INSERT INTO agent_counters (agent_id, project_id, runs_total, runs_active, events_total, parse_errors_total, total_tokens, cost_usd)
		 SELECT r.agent_id, r.project_id,
		        COUNT(*),
		        SUM(CASE WHEN r.status = 'running' THEN 1 ELSE 0 END),
		        COALESCE((SELECT COUNT(*) FROM events e JOIN runs r2 ON r2.run_id = e.run_id WHERE r2.agent_id = r.agent_id AND r2.project_id = r.project_id), 0),
		        COALESCE((SELECT COUNT(*) FROM event_parse_errors p JOIN runs r3 ON r3.run_id = p.run_id WHERE r3.agent_id = r.agent_id AND r3.project_id = r.project_id), 0),
		        COALESCE(SUM(r.total_tokens), 0),
		        COALESCE(SUM(r.cost_usd), 0)
		 FROM runs r
		 GROUP BY r.project_id, r.agent_id`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to refresh derived tables: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit derived refresh: %w", err)
	}
	return nil
}

// --- per-file projectors ---

func projectRun(pid, rid string) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		var r types.Run
		if err := yaml.Unmarshal(content, &r); err != nil {
			log.Logger.Warn().Err(err).Str("run_id", rid).Msg("Skipping unparseable run.yaml")
			return nil
		}
		var totalTokens *int64
		var costUSD *float64
		if r.Usage != nil {
			totalTokens = &r.Usage.TotalTokens
			costUSD = r.Usage.CostUSD
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO runs
			 (run_id, project_id, agent_id, provider, status, kind, task_id, milestone_id, created_at, total_tokens, cost_usd, recovered_from_crash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rid, pid, r.AgentID, r.Provider, string(r.Status), string(r.Spec.Kind),
			r.Spec.TaskID, r.Spec.MilestoneID, r.CreatedAt.UTC().Format(time.RFC3339Nano),
			totalTokens, costUSD, r.RecoveredFromCrash)
		return err
	}
}

func projectEvents(pid, rid string, report *Report) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		records := eventlog.Parse(content)

		var cursor int64
		if err := tx.Get(&cursor,
			`SELECT COALESCE(MAX(seq), 0) FROM (
			   SELECT seq FROM events WHERE run_id = ?
			   UNION ALL
			   SELECT seq FROM event_parse_errors WHERE run_id = ?)`, rid, rid); err != nil {
			return err
		}

		// A shorter file means a rewrite (migration); reproject from zero.
		lastLine := int64(0)
		if len(records) > 0 {
			lastLine = int64(records[len(records)-1].Line)
		}
		if lastLine < cursor {
			if _, err := tx.Exec(`DELETE FROM events WHERE run_id = ?`, rid); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM event_parse_errors WHERE run_id = ?`, rid); err != nil {
				return err
			}
			cursor = 0
		}

		for _, rec := range records {
			if int64(rec.Line) <= cursor {
				continue
			}
			if rec.Err != nil {
				if _, err := tx.Exec(
					`INSERT OR REPLACE INTO event_parse_errors (project_id, run_id, seq, error, raw_prefix)
					 VALUES (?, ?, ?, ?, ?)`,
					pid, rid, rec.Line, rec.Err.Error(), clip(rec.Raw, 120)); err != nil {
					return err
				}
				continue
			}
			e := rec.Event
			payload := "{}"
			if e.Payload != nil {
				raw, err := json.Marshal(e.Payload)
				if err == nil {
					payload = string(raw)
				}
			}
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO events
				 (project_id, run_id, seq, event_id, ts_wallclock, ts_monotonic_ms, type, actor, visibility, correlation_id, causation_id, payload)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				pid, rid, rec.Line, e.EventID, e.TsWallclock, e.TsMonotonicMs, e.Type,
				e.Actor, string(e.Visibility), e.CorrelationID, e.CausationID, payload); err != nil {
				return err
			}
			report.EventsAdded++
		}
		return nil
	}
}

func projectTask(pid, tid string) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		var t types.Task
		if err := unmarshalFrontmatter(content, &t); err != nil {
			log.Logger.Warn().Err(err).Str("task_id", tid).Msg("Skipping unparseable task file")
			return nil
		}
		if _, err := tx.Exec(`DELETE FROM task_milestones WHERE project_id = ? AND task_id = ?`, pid, tid); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO tasks
			 (task_id, project_id, title, status, assignee_agent_id, team_id, planned_start, planned_end, depends_on, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tid, pid, t.Title, string(t.Status), t.AssigneeAgentID, t.TeamID,
			timeText(t.Schedule.PlannedStart), timeText(t.Schedule.PlannedEnd),
			strings.Join(t.Schedule.DependsOnTaskIDs, ","),
			t.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		for i, m := range t.Milestones {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO task_milestones
				 (task_id, project_id, milestone_id, seq, title, kind, status, requires_patch, requires_tests)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				tid, pid, m.ID, i+1, m.Title, string(m.Kind), string(m.Status),
				m.Evidence.RequiresPatch, m.Evidence.RequiresTests); err != nil {
				return err
			}
		}
		return nil
	}
}

func projectArtifact(pid, aid string) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		var m types.ArtifactMeta
		if err := unmarshalFrontmatter(content, &m); err != nil {
			log.Logger.Warn().Err(err).Str("artifact_id", aid).Msg("Skipping unparseable artifact file")
			return nil
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO artifacts
			 (artifact_id, project_id, type, title, produced_by, run_id, task_id, milestone_id, visibility, sensitivity, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			aid, pid, string(m.Type), m.Title, m.ProducedBy, m.RunID, m.TaskID, m.MilestoneID,
			string(m.Visibility), string(m.Sensitivity), m.CreatedAt.UTC().Format(time.RFC3339Nano))
		return err
	}
}

func projectReview(tx *sqlx.Tx, content []byte) error {
	var r types.Review
	if err := yaml.Unmarshal(content, &r); err != nil {
		log.Logger.Warn().Err(err).Msg("Skipping unparseable review file")
		return nil
	}
	_, err := tx.Exec(
		`INSERT OR REPLACE INTO reviews
		 (review_id, artifact_id, project_id, task_id, milestone_id, run_id, subject_kind, actor_id, actor_role, decision, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Subject.ArtifactID, r.Subject.ProjectID, r.Subject.TaskID, r.Subject.MilestoneID,
		r.Subject.RunID, r.Subject.Kind, r.ActorID, string(r.ActorRole), string(r.Decision),
		r.Notes, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func projectHelpRequest(pid, hid string) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		var h types.HelpRequest
		if err := yaml.Unmarshal(content, &h); err != nil {
			log.Logger.Warn().Err(err).Str("help_id", hid).Msg("Skipping unparseable help request")
			return nil
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO help_requests
			 (help_id, project_id, agent_id, status, topic, created_at, answered_by)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			hid, pid, h.AgentID, string(h.Status), h.Topic,
			h.CreatedAt.UTC().Format(time.RFC3339Nano), h.AnsweredBy)
		return err
	}
}

func projectConversation(pid, cid string) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		var c types.Conversation
		if err := yaml.Unmarshal(content, &c); err != nil {
			log.Logger.Warn().Err(err).Str("conversation_id", cid).Msg("Skipping unparseable conversation")
			return nil
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO conversations
			 (conversation_id, project_id, topic, created_by, visibility, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cid, pid, c.Topic, c.CreatedBy, string(c.Visibility),
			c.CreatedAt.UTC().Format(time.RFC3339Nano))
		return err
	}
}

func projectMessage(pid, cid string) projector {
	return func(tx *sqlx.Tx, content []byte) error {
		var m types.Message
		if err := yaml.Unmarshal(content, &m); err != nil {
			log.Logger.Warn().Err(err).Str("conversation_id", cid).Msg("Skipping unparseable message")
			return nil
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO messages
			 (message_id, conversation_id, project_id, seq, author_id, body, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, cid, pid, m.Seq, m.AuthorID, m.Body,
			m.CreatedAt.UTC().Format(time.RFC3339Nano))
		return err
	}
}

// --- helpers ---

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func timeText(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func listMessageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read conversation directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "msg-") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func messageSeqFromName(name string) (int, bool) {
	// msg-<seq>-<mid>.yaml
	rest := strings.TrimPrefix(name, "msg-")
	dash := strings.IndexByte(rest, '-')
	if dash <= 0 {
		return 0, false
	}
	var seq int
	if _, err := fmt.Sscanf(rest[:dash], "%d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// unmarshalFrontmatter decodes the YAML header of a frontmatter
// document, ignoring the markdown body.
func unmarshalFrontmatter(content []byte, out any) error {
	meta, _, err := workspace.ParseFrontmatter(content)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(meta, out)
}
