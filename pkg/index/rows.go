package index

// Row types mirror the projection tables. Timestamps are RFC3339 text
// so rows compare and sort the same way the canonical files do.

type RunRow struct {
	RunID              string   `db:"run_id" json:"run_id"`
	ProjectID          string   `db:"project_id" json:"project_id"`
	AgentID            string   `db:"agent_id" json:"agent_id"`
	Provider           string   `db:"provider" json:"provider"`
	Status             string   `db:"status" json:"status"`
	Kind               string   `db:"kind" json:"kind,omitempty"`
	TaskID             string   `db:"task_id" json:"task_id,omitempty"`
	MilestoneID        string   `db:"milestone_id" json:"milestone_id,omitempty"`
	CreatedAt          string   `db:"created_at" json:"created_at"`
	TotalTokens        *int64   `db:"total_tokens" json:"total_tokens,omitempty"`
	CostUSD            *float64 `db:"cost_usd" json:"cost_usd,omitempty"`
	RecoveredFromCrash bool     `db:"recovered_from_crash" json:"recovered_from_crash,omitempty"`
}

type EventRow struct {
	ProjectID     string `db:"project_id" json:"project_id"`
	RunID         string `db:"run_id" json:"run_id"`
	Seq           int64  `db:"seq" json:"seq"`
	EventID       string `db:"event_id" json:"event_id"`
	TsWallclock   string `db:"ts_wallclock" json:"ts_wallclock"`
	TsMonotonicMs int64  `db:"ts_monotonic_ms" json:"ts_monotonic_ms"`
	Type          string `db:"type" json:"type"`
	Actor         string `db:"actor" json:"actor"`
	Visibility    string `db:"visibility" json:"visibility"`
	CorrelationID string `db:"correlation_id" json:"correlation_id,omitempty"`
	CausationID   string `db:"causation_id" json:"causation_id,omitempty"`
	Payload       string `db:"payload" json:"payload"`
}

type ParseErrorRow struct {
	ProjectID string `db:"project_id" json:"project_id"`
	RunID     string `db:"run_id" json:"run_id"`
	Seq       int64  `db:"seq" json:"seq"`
	Error     string `db:"error" json:"error"`
	RawPrefix string `db:"raw_prefix" json:"raw_prefix,omitempty"`
}

type ReviewRow struct {
	ReviewID    string `db:"review_id" json:"review_id"`
	ArtifactID  string `db:"artifact_id" json:"artifact_id,omitempty"`
	ProjectID   string `db:"project_id" json:"project_id,omitempty"`
	TaskID      string `db:"task_id" json:"task_id,omitempty"`
	MilestoneID string `db:"milestone_id" json:"milestone_id,omitempty"`
	RunID       string `db:"run_id" json:"run_id,omitempty"`
	SubjectKind string `db:"subject_kind" json:"subject_kind,omitempty"`
	ActorID     string `db:"actor_id" json:"actor_id"`
	ActorRole   string `db:"actor_role" json:"actor_role,omitempty"`
	Decision    string `db:"decision" json:"decision"`
	Notes       string `db:"notes" json:"notes,omitempty"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

type HelpRequestRow struct {
	HelpID     string `db:"help_id" json:"help_id"`
	ProjectID  string `db:"project_id" json:"project_id"`
	AgentID    string `db:"agent_id" json:"agent_id"`
	Status     string `db:"status" json:"status"`
	Topic      string `db:"topic" json:"topic,omitempty"`
	CreatedAt  string `db:"created_at" json:"created_at"`
	AnsweredBy string `db:"answered_by" json:"answered_by,omitempty"`
}

type ArtifactRow struct {
	ArtifactID  string `db:"artifact_id" json:"artifact_id"`
	ProjectID   string `db:"project_id" json:"project_id"`
	Type        string `db:"type" json:"type"`
	Title       string `db:"title" json:"title,omitempty"`
	ProducedBy  string `db:"produced_by" json:"produced_by,omitempty"`
	RunID       string `db:"run_id" json:"run_id,omitempty"`
	TaskID      string `db:"task_id" json:"task_id,omitempty"`
	MilestoneID string `db:"milestone_id" json:"milestone_id,omitempty"`
	Visibility  string `db:"visibility" json:"visibility,omitempty"`
	Sensitivity string `db:"sensitivity" json:"sensitivity,omitempty"`
	CreatedAt   string `db:"created_at" json:"created_at,omitempty"`
}

type PendingApprovalRow struct {
	ArtifactID string `db:"artifact_id" json:"artifact_id"`
	ProjectID  string `db:"project_id" json:"project_id"`
	Type       string `db:"type" json:"type"`
	Title      string `db:"title" json:"title,omitempty"`
	ProducedBy string `db:"produced_by" json:"produced_by,omitempty"`
	RunID      string `db:"run_id" json:"run_id,omitempty"`
	CreatedAt  string `db:"created_at" json:"created_at,omitempty"`
}

type ReviewDecisionRow struct {
	ReviewID     string `db:"review_id" json:"review_id"`
	ArtifactID   string `db:"artifact_id" json:"artifact_id,omitempty"`
	ArtifactType string `db:"artifact_type" json:"artifact_type,omitempty"`
	ProjectID    string `db:"project_id" json:"project_id,omitempty"`
	RunID        string `db:"run_id" json:"run_id,omitempty"`
	ActorID      string `db:"actor_id" json:"actor_id"`
	Decision     string `db:"decision" json:"decision"`
	CreatedAt    string `db:"created_at" json:"created_at"`
}

type ConversationRow struct {
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	ProjectID      string `db:"project_id" json:"project_id"`
	Topic          string `db:"topic" json:"topic,omitempty"`
	CreatedBy      string `db:"created_by" json:"created_by,omitempty"`
	Visibility     string `db:"visibility" json:"visibility,omitempty"`
	CreatedAt      string `db:"created_at" json:"created_at,omitempty"`
}

type MessageRow struct {
	MessageID      string `db:"message_id" json:"message_id"`
	ConversationID string `db:"conversation_id" json:"conversation_id"`
	ProjectID      string `db:"project_id" json:"project_id"`
	Seq            int64  `db:"seq" json:"seq"`
	AuthorID       string `db:"author_id" json:"author_id,omitempty"`
	Body           string `db:"body" json:"body"`
	CreatedAt      string `db:"created_at" json:"created_at,omitempty"`
}

type TaskRow struct {
	TaskID          string `db:"task_id" json:"task_id"`
	ProjectID       string `db:"project_id" json:"project_id"`
	Title           string `db:"title" json:"title,omitempty"`
	Status          string `db:"status" json:"status"`
	AssigneeAgentID string `db:"assignee_agent_id" json:"assignee_agent_id,omitempty"`
	TeamID          string `db:"team_id" json:"team_id,omitempty"`
	PlannedStart    string `db:"planned_start" json:"planned_start,omitempty"`
	PlannedEnd      string `db:"planned_end" json:"planned_end,omitempty"`
	DependsOn       string `db:"depends_on" json:"depends_on,omitempty"`
	CreatedAt       string `db:"created_at" json:"created_at,omitempty"`
}

type MilestoneRow struct {
	TaskID        string `db:"task_id" json:"task_id"`
	ProjectID     string `db:"project_id" json:"project_id"`
	MilestoneID   string `db:"milestone_id" json:"milestone_id"`
	Seq           int64  `db:"seq" json:"seq"`
	Title         string `db:"title" json:"title,omitempty"`
	Kind          string `db:"kind" json:"kind,omitempty"`
	Status        string `db:"status" json:"status"`
	RequiresPatch bool   `db:"requires_patch" json:"requires_patch"`
	RequiresTests bool   `db:"requires_tests" json:"requires_tests"`
}

type AgentCounterRow struct {
	AgentID          string  `db:"agent_id" json:"agent_id"`
	ProjectID        string  `db:"project_id" json:"project_id"`
	RunsTotal        int64   `db:"runs_total" json:"runs_total"`
	RunsActive       int64   `db:"runs_active" json:"runs_active"`
	EventsTotal      int64   `db:"events_total" json:"events_total"`
	ParseErrorsTotal int64   `db:"parse_errors_total" json:"parse_errors_total"`
	TotalTokens      int64   `db:"total_tokens" json:"total_tokens"`
	CostUSD          float64 `db:"cost_usd" json:"cost_usd"`
}
