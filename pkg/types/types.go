package types

import (
	"time"
)

// Role defines an actor's rank in the org
type Role string

const (
	RoleWorker   Role = "worker"
	RoleManager  Role = "manager"
	RoleDirector Role = "director"
	RoleCEO      Role = "ceo"
	RoleHuman    Role = "human"
)

// RoleRank orders roles for policy checks. Unknown roles rank below worker.
func RoleRank(r Role) int {
	switch r {
	case RoleWorker:
		return 1
	case RoleManager:
		return 2
	case RoleDirector:
		return 3
	case RoleCEO:
		return 4
	case RoleHuman:
		return 5
	default:
		return 0
	}
}

// RoleAtLeast reports whether r ranks at or above min
func RoleAtLeast(r, min Role) bool {
	return RoleRank(r) >= RoleRank(min)
}

// Visibility scopes who may read an event or artifact
type Visibility string

const (
	VisibilityPrivateAgent Visibility = "private_agent"
	VisibilityTeam         Visibility = "team"
	VisibilityManagers     Visibility = "managers"
	VisibilityOrg          Visibility = "org"
)

// Sensitivity classifies artifact content
type Sensitivity string

const (
	SensitivityPublic     Sensitivity = "public"
	SensitivityInternal   Sensitivity = "internal"
	SensitivityRestricted Sensitivity = "restricted"
)

// Reason codes carried in RPC error data
const (
	ReasonSecretDetected       = "SECRET_DETECTED"
	ReasonPolicyDenied         = "POLICY_DENIED"
	ReasonSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
)

// Provider identifiers on the official allowlist
const (
	ProviderCodex          = "codex"
	ProviderCodexAppServer = "codex_app_server"
	ProviderClaude         = "claude"
	ProviderGemini         = "gemini"
)

// Company is company/company.yaml
type Company struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	CompanyID     string    `yaml:"company_id" json:"company_id"`
	Name          string    `yaml:"name" json:"name"`
	OrgMode       OrgMode   `yaml:"org_mode" json:"org_mode"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

// OrgMode selects which roles heartbeat triage covers
type OrgMode string

const (
	OrgModeStartupV1    OrgMode = "startup_v1"
	OrgModeEnterpriseV1 OrgMode = "enterprise_v1"
)

// Team is org/teams/<team_id>/team.yaml
type Team struct {
	SchemaVersion  int       `yaml:"schema_version" json:"schema_version"`
	TeamID         string    `yaml:"team_id" json:"team_id"`
	Name           string    `yaml:"name" json:"name"`
	ManagerAgentID string    `yaml:"manager_agent_id,omitempty" json:"manager_agent_id,omitempty"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
}

// Agent is org/agents/<agent_id>/agent.yaml
type Agent struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	AgentID       string    `yaml:"agent_id" json:"agent_id"`
	Name          string    `yaml:"name" json:"name"`
	Role          Role      `yaml:"role" json:"role"`
	TeamID        string    `yaml:"team_id,omitempty" json:"team_id,omitempty"`
	Provider      string    `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model         string    `yaml:"model,omitempty" json:"model,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

// Project is work/projects/<pid>/project.yaml
type Project struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	ProjectID     string    `yaml:"project_id" json:"project_id"`
	Name          string    `yaml:"name" json:"name"`
	TeamID        string    `yaml:"team_id,omitempty" json:"team_id,omitempty"`
	DefaultRepoID string    `yaml:"default_repo_id,omitempty" json:"default_repo_id,omitempty"`
	Budget        *Budget   `yaml:"budget,omitempty" json:"budget,omitempty"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

// Budget caps spend; a run pushing past the hard cap fails the run
type Budget struct {
	HardCostUSD *float64 `yaml:"hard_cost_usd,omitempty" json:"hard_cost_usd,omitempty"`
	SoftCostUSD *float64 `yaml:"soft_cost_usd,omitempty" json:"soft_cost_usd,omitempty"`
}

// RunStatus is monotone toward a terminal value
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusEnded   RunStatus = "ended"
	RunStatusFailed  RunStatus = "failed"
	RunStatusStopped RunStatus = "stopped"
)

// Terminal reports whether s is a terminal run status
func (s RunStatus) Terminal() bool {
	return s == RunStatusEnded || s == RunStatusFailed || s == RunStatusStopped
}

// RunKind classifies why a run exists
type RunKind string

const (
	RunKindAdhoc         RunKind = "adhoc"
	RunKindTaskMilestone RunKind = "task_milestone"
	RunKindHeartbeatWake RunKind = "heartbeat_wake"
)

// Run is work/projects/<pid>/runs/<rid>/run.yaml
type Run struct {
	SchemaVersion      int       `yaml:"schema_version" json:"schema_version"`
	RunID              string    `yaml:"run_id" json:"run_id"`
	ProjectID          string    `yaml:"project_id" json:"project_id"`
	AgentID            string    `yaml:"agent_id" json:"agent_id"`
	Provider           string    `yaml:"provider" json:"provider"`
	CreatedAt          time.Time `yaml:"created_at" json:"created_at"`
	Status             RunStatus `yaml:"status" json:"status"`
	Spec               RunSpec   `yaml:"spec" json:"spec"`
	Usage              *RunUsage `yaml:"usage,omitempty" json:"usage,omitempty"`
	RecoveredFromCrash bool      `yaml:"recovered_from_crash,omitempty" json:"recovered_from_crash,omitempty"`
}

// RunSpec captures launch-time intent
type RunSpec struct {
	Kind            RunKind `yaml:"kind" json:"kind"`
	TaskID          string  `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	MilestoneID     string  `yaml:"milestone_id,omitempty" json:"milestone_id,omitempty"`
	WorktreeRelpath string  `yaml:"worktree_relpath,omitempty" json:"worktree_relpath,omitempty"`
	WorktreeBranch  string  `yaml:"worktree_branch,omitempty" json:"worktree_branch,omitempty"`
	StdinRelpath    string  `yaml:"stdin_relpath,omitempty" json:"stdin_relpath,omitempty"`
	ContextPackID   string  `yaml:"context_pack_id,omitempty" json:"context_pack_id,omitempty"`
}

// UsageSource says where token counts came from
type UsageSource string

const (
	UsageSourceProviderReported UsageSource = "provider_reported"
	UsageSourceEstimatedChars   UsageSource = "estimated_chars"
)

// RunUsage is written on the terminal transition
type RunUsage struct {
	Source       UsageSource `yaml:"source" json:"source"`
	Confidence   string      `yaml:"confidence" json:"confidence"`
	InputTokens  int64       `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens int64       `yaml:"output_tokens" json:"output_tokens"`
	TotalTokens  int64       `yaml:"total_tokens" json:"total_tokens"`
	CostUSD      *float64    `yaml:"cost_usd,omitempty" json:"cost_usd,omitempty"`
}

// Event is one line of events.jsonl. PrevEventHash is a pointer because
// line 1 must serialize an explicit null.
type Event struct {
	SchemaVersion int            `json:"schema_version"`
	EventID       string         `json:"event_id"`
	TsWallclock   string         `json:"ts_wallclock"`
	TsMonotonicMs int64          `json:"ts_monotonic_ms"`
	RunID         string         `json:"run_id"`
	SessionRef    string         `json:"session_ref"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	Actor         string         `json:"actor"`
	Visibility    Visibility     `json:"visibility"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	PrevEventHash *string        `json:"prev_event_hash"`
	EventHash     string         `json:"event_hash"`
}

// Event types appended by the runtime and governance
const (
	EventRunStarted       = "run.started"
	EventRunExecuting     = "run.executing"
	EventRunEnded         = "run.ended"
	EventRunFailed        = "run.failed"
	EventRunStopped       = "run.stopped"
	EventRunRecovered     = "run.recovered_from_crash"
	EventProviderRaw      = "provider.raw"
	EventUsageReported    = "usage.reported"
	EventUsageEstimated   = "usage.estimated"
	EventWorktreePrepared = "worktree.prepared"
	EventPolicyDenied     = "policy.denied"
	EventPolicyDecision   = "policy.decision"
	EventApprovalDecided  = "approval.decided"
	EventBudgetDecision   = "budget.decision"
	EventBudgetExceeded   = "budget.exceeded"
)

// SessionRefControlPlane marks events appended by the server itself rather
// than a live session.
const SessionRefControlPlane = "control-plane"

// ArtifactType discriminates artifact frontmatter
type ArtifactType string

const (
	ArtifactProposal          ArtifactType = "proposal"
	ArtifactMemoryDelta       ArtifactType = "memory_delta"
	ArtifactMilestoneReport   ArtifactType = "milestone_report"
	ArtifactHeartbeatProposal ArtifactType = "heartbeat_action_proposal"
)

// ScopeKind selects the memory-delta target file
type ScopeKind string

const (
	ScopeProjectMemory ScopeKind = "project_memory"
	ScopeAgentGuidance ScopeKind = "agent_guidance"
)

// ArtifactMeta is the YAML frontmatter of work/projects/<pid>/artifacts/<aid>.md.
// Type-specific fields are optional and gated by Type.
type ArtifactMeta struct {
	SchemaVersion int          `yaml:"schema_version" json:"schema_version"`
	Type          ArtifactType `yaml:"type" json:"type"`
	ID            string       `yaml:"id" json:"id"`
	Title         string       `yaml:"title" json:"title"`
	CreatedAt     time.Time    `yaml:"created_at" json:"created_at"`
	Visibility    Visibility   `yaml:"visibility" json:"visibility"`
	ProducedBy    string       `yaml:"produced_by" json:"produced_by"`
	RunID         string       `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	ContextPackID string       `yaml:"context_pack_id,omitempty" json:"context_pack_id,omitempty"`
	ProjectID     string       `yaml:"project_id" json:"project_id"`

	// memory_delta
	TargetFile  string      `yaml:"target_file,omitempty" json:"target_file,omitempty"`
	PatchFile   string      `yaml:"patch_file,omitempty" json:"patch_file,omitempty"`
	ScopeKind   ScopeKind   `yaml:"scope_kind,omitempty" json:"scope_kind,omitempty"`
	ScopeRef    string      `yaml:"scope_ref,omitempty" json:"scope_ref,omitempty"`
	Sensitivity Sensitivity `yaml:"sensitivity,omitempty" json:"sensitivity,omitempty"`
	Rationale   string      `yaml:"rationale,omitempty" json:"rationale,omitempty"`
	Evidence    []string    `yaml:"evidence,omitempty" json:"evidence,omitempty"`

	// milestone_report
	TaskID            string   `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	MilestoneID       string   `yaml:"milestone_id,omitempty" json:"milestone_id,omitempty"`
	EvidenceArtifacts []string `yaml:"evidence_artifacts,omitempty" json:"evidence_artifacts,omitempty"`
	TestsArtifacts    []string `yaml:"tests_artifacts,omitempty" json:"tests_artifacts,omitempty"`

	// heartbeat_action_proposal
	Action *HeartbeatAction `yaml:"action,omitempty" json:"action,omitempty"`
}

// TaskStatus lifecycle for tasks
type TaskStatus string

const (
	TaskStatusDraft      TaskStatus = "draft"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// MilestoneKind classifies milestone work
type MilestoneKind string

const (
	MilestoneCoding   MilestoneKind = "coding"
	MilestoneResearch MilestoneKind = "research"
	MilestonePlanning MilestoneKind = "planning"
)

// MilestoneStatus lifecycle for milestones
type MilestoneStatus string

const (
	MilestonePending MilestoneStatus = "pending"
	MilestoneActive  MilestoneStatus = "active"
	MilestoneDone    MilestoneStatus = "done"
)

// MilestoneEvidence declares what an approval must see
type MilestoneEvidence struct {
	RequiresPatch bool `yaml:"requires_patch" json:"requires_patch"`
	RequiresTests bool `yaml:"requires_tests" json:"requires_tests"`
}

// Milestone is an entry of a task's milestones list
type Milestone struct {
	ID                 string            `yaml:"id" json:"id"`
	Title              string            `yaml:"title" json:"title"`
	Kind               MilestoneKind     `yaml:"kind" json:"kind"`
	Status             MilestoneStatus   `yaml:"status" json:"status"`
	AcceptanceCriteria []string          `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	Evidence           MilestoneEvidence `yaml:"evidence" json:"evidence"`
	RepoID             string            `yaml:"repo_id,omitempty" json:"repo_id,omitempty"`
}

// TaskSchedule drives the PM Gantt view
type TaskSchedule struct {
	PlannedStart     *time.Time `yaml:"planned_start,omitempty" json:"planned_start,omitempty"`
	PlannedEnd       *time.Time `yaml:"planned_end,omitempty" json:"planned_end,omitempty"`
	DurationDays     float64    `yaml:"duration_days,omitempty" json:"duration_days,omitempty"`
	DependsOnTaskIDs []string   `yaml:"depends_on_task_ids,omitempty" json:"depends_on_task_ids,omitempty"`
}

// Task is the frontmatter of work/projects/<pid>/tasks/<tid>.md
type Task struct {
	SchemaVersion      int          `yaml:"schema_version" json:"schema_version"`
	ID                 string       `yaml:"id" json:"id"`
	ProjectID          string       `yaml:"project_id" json:"project_id"`
	Title              string       `yaml:"title" json:"title"`
	Status             TaskStatus   `yaml:"status" json:"status"`
	Visibility         Visibility   `yaml:"visibility" json:"visibility"`
	TeamID             string       `yaml:"team_id,omitempty" json:"team_id,omitempty"`
	AssigneeAgentID    string       `yaml:"assignee_agent_id,omitempty" json:"assignee_agent_id,omitempty"`
	Deliverables       []string     `yaml:"deliverables,omitempty" json:"deliverables,omitempty"`
	AcceptanceCriteria []string     `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	Milestones         []Milestone  `yaml:"milestones" json:"milestones"`
	Schedule           TaskSchedule `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	ExecutionPlan      string       `yaml:"execution_plan,omitempty" json:"execution_plan,omitempty"`
	Budget             *Budget      `yaml:"budget,omitempty" json:"budget,omitempty"`
	CreatedAt          time.Time    `yaml:"created_at" json:"created_at"`
}

// ReviewDecisionValue is the outcome of a review
type ReviewDecisionValue string

const (
	ReviewApproved ReviewDecisionValue = "approved"
	ReviewDenied   ReviewDecisionValue = "denied"
)

// ReviewSubject identifies what was decided
type ReviewSubject struct {
	Kind        string `yaml:"kind" json:"kind"`
	ArtifactID  string `yaml:"artifact_id,omitempty" json:"artifact_id,omitempty"`
	ProjectID   string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	TaskID      string `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	MilestoneID string `yaml:"milestone_id,omitempty" json:"milestone_id,omitempty"`
	RunID       string `yaml:"run_id,omitempty" json:"run_id,omitempty"`
}

// PolicyTrace is the captured decision trail stored on reviews and
// returned to policy callers.
type PolicyTrace struct {
	Allowed    bool   `yaml:"allowed" json:"allowed"`
	Action     string `yaml:"action" json:"action"`
	ResourceID string `yaml:"resource_id" json:"resource_id"`
	Rule       string `yaml:"rule" json:"rule"`
	Reason     string `yaml:"reason,omitempty" json:"reason,omitempty"`
	ActorID    string `yaml:"actor_id" json:"actor_id"`
	ActorRole  Role   `yaml:"actor_role" json:"actor_role"`
}

// Review is inbox/reviews/<rev_id>.yaml, append-only after write
type Review struct {
	SchemaVersion int                 `yaml:"schema_version" json:"schema_version"`
	ID            string              `yaml:"id" json:"id"`
	CreatedAt     time.Time           `yaml:"created_at" json:"created_at"`
	ActorID       string              `yaml:"actor_id" json:"actor_id"`
	ActorRole     Role                `yaml:"actor_role" json:"actor_role"`
	Decision      ReviewDecisionValue `yaml:"decision" json:"decision"`
	Subject       ReviewSubject       `yaml:"subject" json:"subject"`
	Policy        PolicyTrace         `yaml:"policy" json:"policy"`
	Notes         string              `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Conversation is work/projects/<pid>/conversations/<cid>/conversation.yaml
type Conversation struct {
	SchemaVersion int        `yaml:"schema_version" json:"schema_version"`
	ID            string     `yaml:"id" json:"id"`
	ProjectID     string     `yaml:"project_id" json:"project_id"`
	Topic         string     `yaml:"topic" json:"topic"`
	CreatedBy     string     `yaml:"created_by" json:"created_by"`
	Visibility    Visibility `yaml:"visibility" json:"visibility"`
	CreatedAt     time.Time  `yaml:"created_at" json:"created_at"`
}

// Message is one msg-<seq>-<mid>.yaml file; messages are never edited
type Message struct {
	SchemaVersion  int       `yaml:"schema_version" json:"schema_version"`
	ID             string    `yaml:"id" json:"id"`
	ConversationID string    `yaml:"conversation_id" json:"conversation_id"`
	Seq            int       `yaml:"seq" json:"seq"`
	AuthorID       string    `yaml:"author_id" json:"author_id"`
	Body           string    `yaml:"body" json:"body"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
}

// HelpRequestStatus lifecycle for help requests
type HelpRequestStatus string

const (
	HelpOpen      HelpRequestStatus = "open"
	HelpAnswered  HelpRequestStatus = "answered"
	HelpWithdrawn HelpRequestStatus = "withdrawn"
)

// HelpRequest is work/projects/<pid>/help/<hid>.yaml
type HelpRequest struct {
	SchemaVersion int               `yaml:"schema_version" json:"schema_version"`
	ID            string            `yaml:"id" json:"id"`
	ProjectID     string            `yaml:"project_id" json:"project_id"`
	AgentID       string            `yaml:"agent_id" json:"agent_id"`
	CreatedAt     time.Time         `yaml:"created_at" json:"created_at"`
	Status        HelpRequestStatus `yaml:"status" json:"status"`
	Topic         string            `yaml:"topic" json:"topic"`
	Body          string            `yaml:"body" json:"body"`
	AnsweredBy    string            `yaml:"answered_by,omitempty" json:"answered_by,omitempty"`
	AnsweredAt    *time.Time        `yaml:"answered_at,omitempty" json:"answered_at,omitempty"`
	Answer        string            `yaml:"answer,omitempty" json:"answer,omitempty"`
}

// ProviderPricing is USD per 1000 tokens, per token class
type ProviderPricing struct {
	Input           float64  `yaml:"input" json:"input"`
	CachedInput     *float64 `yaml:"cached_input,omitempty" json:"cached_input,omitempty"`
	Output          float64  `yaml:"output" json:"output"`
	ReasoningOutput *float64 `yaml:"reasoning_output,omitempty" json:"reasoning_output,omitempty"`
}

// MachineConfig is .local/machine.yaml (machine-local, never synced)
type MachineConfig struct {
	ProviderBins    map[string]string          `yaml:"provider_bins,omitempty" json:"provider_bins,omitempty"`
	RepoRoots       map[string]string          `yaml:"repo_roots,omitempty" json:"repo_roots,omitempty"`
	ProviderPricing map[string]ProviderPricing `yaml:"provider_pricing_usd_per_1k_tokens,omitempty" json:"provider_pricing_usd_per_1k_tokens,omitempty"`
}

// BillingStatement is one entry of .local/billing/reconciliation_statements.json
type BillingStatement struct {
	Provider    string    `json:"provider"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TotalTokens *int64    `json:"total_tokens,omitempty"`
	CostUSD     float64   `json:"cost_usd"`
	Source      string    `json:"source"`
}

// ActionKind discriminates heartbeat actions
type ActionKind string

const (
	ActionAddComment         ActionKind = "add_comment"
	ActionLaunchJob          ActionKind = "launch_job"
	ActionCreateApprovalItem ActionKind = "create_approval_item"
	ActionNoop               ActionKind = "noop"
)

// ActionRisk gates automatic execution
type ActionRisk string

const (
	RiskLow    ActionRisk = "low"
	RiskMedium ActionRisk = "medium"
	RiskHigh   ActionRisk = "high"
)

// RiskAtLeast reports whether r is at or above min
func RiskAtLeast(r, min ActionRisk) bool {
	rank := func(v ActionRisk) int {
		switch v {
		case RiskLow:
			return 1
		case RiskMedium:
			return 2
		case RiskHigh:
			return 3
		default:
			return 0
		}
	}
	return rank(r) >= rank(min)
}

// CommentAction payload for add_comment
type CommentAction struct {
	ProjectID      string `yaml:"project_id" json:"project_id"`
	ConversationID string `yaml:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	Topic          string `yaml:"topic,omitempty" json:"topic,omitempty"`
	Body           string `yaml:"body" json:"body"`
}

// JobAction payload for launch_job
type JobAction struct {
	WorkspaceDir string `yaml:"workspace_dir,omitempty" json:"workspace_dir,omitempty"`
	ProjectID    string `yaml:"project_id" json:"project_id"`
	AgentID      string `yaml:"agent_id" json:"agent_id"`
	Provider     string `yaml:"provider" json:"provider"`
	Prompt       string `yaml:"prompt" json:"prompt"`
	Priority     string `yaml:"priority,omitempty" json:"priority,omitempty"`
	TaskID       string `yaml:"task_id,omitempty" json:"task_id,omitempty"`
}

// ProposalAction payload for create_approval_item
type ProposalAction struct {
	Title string `yaml:"title" json:"title"`
	Body  string `yaml:"body" json:"body"`
}

// HeartbeatAction is one action of a worker report
type HeartbeatAction struct {
	IdempotencyKey string          `yaml:"idempotency_key" json:"idempotency_key"`
	Kind           ActionKind      `yaml:"kind" json:"kind"`
	Risk           ActionRisk      `yaml:"risk" json:"risk"`
	NeedsApproval  bool            `yaml:"needs_approval" json:"needs_approval"`
	Comment        *CommentAction  `yaml:"comment,omitempty" json:"comment,omitempty"`
	Job            *JobAction      `yaml:"job,omitempty" json:"job,omitempty"`
	Proposal       *ProposalAction `yaml:"proposal,omitempty" json:"proposal,omitempty"`
}

// WorkerReportStatus is ok (nothing to do) or actions
type WorkerReportStatus string

const (
	ReportOK      WorkerReportStatus = "ok"
	ReportActions WorkerReportStatus = "actions"
)

// WorkerReport is what a woken worker hands back to the heartbeat
type WorkerReport struct {
	Status  WorkerReportStatus `yaml:"status" json:"status"`
	AgentID string             `yaml:"agent_id" json:"agent_id"`
	Actions []HeartbeatAction  `yaml:"actions,omitempty" json:"actions,omitempty"`
	Note    string             `yaml:"note,omitempty" json:"note,omitempty"`
}

// QuietHours is a local-clock window [StartHour, EndHour); equal bounds
// disable it, Start > End wraps midnight.
type QuietHours struct {
	StartHour int `yaml:"start_hour" json:"start_hour"`
	EndHour   int `yaml:"end_hour" json:"end_hour"`
}

// Contains reports whether hour falls inside the window
func (q QuietHours) Contains(hour int) bool {
	if q.StartHour == q.EndHour {
		return false
	}
	if q.StartHour < q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}

// HeartbeatConfig is .local/heartbeat/config.yaml
type HeartbeatConfig struct {
	Enabled                bool       `yaml:"enabled" json:"enabled"`
	IntervalSeconds        int        `yaml:"interval_seconds" json:"interval_seconds"`
	CronSchedule           string     `yaml:"cron_schedule,omitempty" json:"cron_schedule,omitempty"`
	TopKWorkers            int        `yaml:"top_k_workers" json:"top_k_workers"`
	MinWakeScore           int        `yaml:"min_wake_score" json:"min_wake_score"`
	DueHorizonMinutes      int        `yaml:"due_horizon_minutes" json:"due_horizon_minutes"`
	StuckJobRunningMinutes int        `yaml:"stuck_job_running_minutes" json:"stuck_job_running_minutes"`
	OkSuppressionMinutes   int        `yaml:"ok_suppression_minutes" json:"ok_suppression_minutes"`
	JitterMaxSeconds       int        `yaml:"jitter_max_seconds" json:"jitter_max_seconds"`
	QuietHours             QuietHours `yaml:"quiet_hours" json:"quiet_hours"`
	MaxAutoActionsPerTick  int        `yaml:"max_auto_actions_per_tick" json:"max_auto_actions_per_tick"`
	MaxAutoActionsPerHour  int        `yaml:"max_auto_actions_per_hour" json:"max_auto_actions_per_hour"`
	IdempotencyTTLMinutes  int        `yaml:"idempotency_ttl_minutes" json:"idempotency_ttl_minutes"`
	DefaultProjectID       string     `yaml:"default_project_id,omitempty" json:"default_project_id,omitempty"`
}

// IdempotencyStatus for heartbeat action records
type IdempotencyStatus string

const (
	IdempotencyQueued   IdempotencyStatus = "queued"
	IdempotencyExecuted IdempotencyStatus = "executed"
)

// IdempotencyRecord tracks one action key until its TTL expires
type IdempotencyRecord struct {
	FirstSeenAt    time.Time         `yaml:"first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time         `yaml:"last_seen_at" json:"last_seen_at"`
	ExpiresAt      time.Time         `yaml:"expires_at" json:"expires_at"`
	Status         IdempotencyStatus `yaml:"status" json:"status"`
	ExecutionCount int               `yaml:"execution_count" json:"execution_count"`
}

// WorkerState is per-agent heartbeat bookkeeping
type WorkerState struct {
	LastOkAt         *time.Time `yaml:"last_ok_at,omitempty" json:"last_ok_at,omitempty"`
	LastContextHash  string     `yaml:"last_context_hash,omitempty" json:"last_context_hash,omitempty"`
	SuppressedUntil  *time.Time `yaml:"suppressed_until,omitempty" json:"suppressed_until,omitempty"`
	LastWakeAt       *time.Time `yaml:"last_wake_at,omitempty" json:"last_wake_at,omitempty"`
	LastReportStatus string     `yaml:"last_report_status,omitempty" json:"last_report_status,omitempty"`
}

// HeartbeatStats accumulate across ticks
type HeartbeatStats struct {
	TicksTotal              int        `yaml:"ticks_total" json:"ticks_total"`
	WakesTotal              int        `yaml:"wakes_total" json:"wakes_total"`
	ActionsExecutedTotal    int        `yaml:"actions_executed_total" json:"actions_executed_total"`
	ActionsDedupedTotal     int        `yaml:"actions_deduped_total" json:"actions_deduped_total"`
	ActionsProposedTotal    int        `yaml:"actions_proposed_total" json:"actions_proposed_total"`
	ActionsRateLimitedTotal int        `yaml:"actions_rate_limited_total" json:"actions_rate_limited_total"`
	LastTickAt              *time.Time `yaml:"last_tick_at,omitempty" json:"last_tick_at,omitempty"`
}

// HeartbeatState is .local/heartbeat/state.yaml
type HeartbeatState struct {
	RunEventCursors      map[string]int64              `yaml:"run_event_cursors,omitempty" json:"run_event_cursors,omitempty"`
	WorkerState          map[string]*WorkerState       `yaml:"worker_state,omitempty" json:"worker_state,omitempty"`
	Idempotency          map[string]*IdempotencyRecord `yaml:"idempotency,omitempty" json:"idempotency,omitempty"`
	HourlyActionCounters map[string]int                `yaml:"hourly_action_counters,omitempty" json:"hourly_action_counters,omitempty"`
	Stats                HeartbeatStats                `yaml:"stats" json:"stats"`
}

// WorktreeSupport grades provider fitness for worktree isolation
type WorktreeSupport string

const (
	WorktreeUnsupported WorktreeSupport = "unsupported"
	WorktreeRecommended WorktreeSupport = "recommended"
	WorktreeRequired    WorktreeSupport = "required"
)

// Capabilities describe what a provider CLI can do
type Capabilities struct {
	SupportsStreamingEvents              bool            `json:"supports_streaming_events"`
	SupportsResumableSession             bool            `json:"supports_resumable_session"`
	SupportsStructuredOutput             bool            `json:"supports_structured_output"`
	SupportsTokenUsage                   bool            `json:"supports_token_usage"`
	SupportsPatchExport                  bool            `json:"supports_patch_export"`
	SupportsInteractiveApprovalCallbacks bool            `json:"supports_interactive_approval_callbacks"`
	WorktreeIsolation                    WorktreeSupport `json:"supports_worktree_isolation"`
}

// AppliedMigration is one entry of company/migrations/applied.yaml
type AppliedMigration struct {
	ID        string    `yaml:"id" json:"id"`
	AppliedAt time.Time `yaml:"applied_at" json:"applied_at"`
	Details   string    `yaml:"details,omitempty" json:"details,omitempty"`
}

// MigrationLedger is company/migrations/applied.yaml
type MigrationLedger struct {
	SchemaVersion int                `yaml:"schema_version" json:"schema_version"`
	Applied       []AppliedMigration `yaml:"applied,omitempty" json:"applied,omitempty"`
}
