package index

import (
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentbureau/bureau/pkg/log"
)

// schemaVersion is bumped whenever the projection schema changes shape.
// The index is a pure projection, so a mismatch drops everything and
// lets the next rebuild repopulate it.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	path     TEXT PRIMARY KEY,
	size     INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	sha256   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id               TEXT PRIMARY KEY,
	project_id           TEXT NOT NULL,
	agent_id             TEXT NOT NULL,
	provider             TEXT NOT NULL,
	status               TEXT NOT NULL,
	kind                 TEXT NOT NULL DEFAULT '',
	task_id              TEXT NOT NULL DEFAULT '',
	milestone_id         TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	total_tokens         INTEGER,
	cost_usd             REAL,
	recovered_from_crash INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, created_at DESC);

CREATE TABLE IF NOT EXISTS events (
	project_id      TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	event_id        TEXT NOT NULL,
	ts_wallclock    TEXT NOT NULL,
	ts_monotonic_ms INTEGER NOT NULL,
	type            TEXT NOT NULL,
	actor           TEXT NOT NULL,
	visibility      TEXT NOT NULL,
	correlation_id  TEXT NOT NULL DEFAULT '',
	causation_id    TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_project_run ON events(project_id, run_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

CREATE TABLE IF NOT EXISTS event_parse_errors (
	project_id TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	error      TEXT NOT NULL,
	raw_prefix TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS reviews (
	review_id    TEXT PRIMARY KEY,
	artifact_id  TEXT NOT NULL DEFAULT '',
	project_id   TEXT NOT NULL DEFAULT '',
	task_id      TEXT NOT NULL DEFAULT '',
	milestone_id TEXT NOT NULL DEFAULT '',
	run_id       TEXT NOT NULL DEFAULT '',
	subject_kind TEXT NOT NULL DEFAULT '',
	actor_id     TEXT NOT NULL,
	actor_role   TEXT NOT NULL DEFAULT '',
	decision     TEXT NOT NULL,
	notes        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS help_requests (
	help_id    TEXT NOT NULL,
	project_id TEXT NOT NULL,
	agent_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	topic      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	answered_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, help_id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	produced_by TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT '',
	task_id     TEXT NOT NULL DEFAULT '',
	milestone_id TEXT NOT NULL DEFAULT '',
	visibility  TEXT NOT NULL DEFAULT '',
	sensitivity TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, artifact_id)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);

CREATE TABLE IF NOT EXISTS pending_approvals (
	artifact_id TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	produced_by TEXT NOT NULL DEFAULT '',
	run_id      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, artifact_id)
);

CREATE TABLE IF NOT EXISTS review_decisions (
	review_id     TEXT PRIMARY KEY,
	artifact_id   TEXT NOT NULL DEFAULT '',
	artifact_type TEXT NOT NULL DEFAULT '',
	project_id    TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	actor_id      TEXT NOT NULL,
	decision      TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT NOT NULL,
	project_id      TEXT NOT NULL,
	topic           TEXT NOT NULL DEFAULT '',
	created_by      TEXT NOT NULL DEFAULT '',
	visibility      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	project_id      TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	author_id       TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT NOT NULL,
	project_id        TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	assignee_agent_id TEXT NOT NULL DEFAULT '',
	team_id           TEXT NOT NULL DEFAULT '',
	planned_start     TEXT NOT NULL DEFAULT '',
	planned_end       TEXT NOT NULL DEFAULT '',
	depends_on        TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, task_id)
);

CREATE TABLE IF NOT EXISTS task_milestones (
	task_id        TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	milestone_id   TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	requires_patch INTEGER NOT NULL DEFAULT 0,
	requires_tests INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, task_id, milestone_id)
);

CREATE TABLE IF NOT EXISTS agent_counters (
	agent_id           TEXT NOT NULL,
	project_id         TEXT NOT NULL,
	runs_total         INTEGER NOT NULL DEFAULT 0,
	runs_active        INTEGER NOT NULL DEFAULT 0,
	events_total       INTEGER NOT NULL DEFAULT 0,
	parse_errors_total INTEGER NOT NULL DEFAULT 0,
	total_tokens       INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, agent_id)
);
`

// projectionTables are cleared on rebuild and on schema mismatch.
// files goes too so every fingerprint is recomputed.
var projectionTables = []string{
	"files", "runs", "events", "event_parse_errors", "reviews",
	"help_requests", "artifacts", "pending_approvals", "review_decisions",
	"conversations", "messages", "tasks", "task_milestones", "agent_counters",
}

func openDB(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=0", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	// one writer; sync operations are serialized per workspace anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index schema: %w", err)
	}
	if err := ensureSchemaVersion(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchemaVersion(db *sqlx.DB) error {
	var stored string
	err := db.Get(&stored, `SELECT value FROM meta WHERE key = 'schema_version'`)
	switch {
	case err == nil:
		if stored == strconv.Itoa(schemaVersion) {
			return nil
		}
		log.Logger.Info().
			Str("stored", stored).
			Int("current", schemaVersion).
			Msg("Index schema changed, resetting projection")
		if err := resetProjection(db); err != nil {
			return err
		}
	default:
		// fresh database, fall through to stamp the version
	}
	_, err = db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(schemaVersion))
	if err != nil {
		return fmt.Errorf("failed to stamp index schema version: %w", err)
	}
	return nil
}

func resetProjection(db *sqlx.DB) error {
	for _, table := range projectionTables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}
	return nil
}
