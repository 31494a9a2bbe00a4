package heartbeat

import (
	"context"
	"strings"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

const hourBucketLayout = "2006010215"

// ActionOutcome is where an action landed in the report pipeline.
type ActionOutcome string

const (
	OutcomeExecuted    ActionOutcome = "executed"
	OutcomeDeduped     ActionOutcome = "deduped"
	OutcomeRateLimited ActionOutcome = "rate_limited"
	OutcomeProposed    ActionOutcome = "proposed"
	OutcomeFailed      ActionOutcome = "failed"
)

// ActionResult is the pipeline outcome for one reported action.
type ActionResult struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Kind           types.ActionKind `json:"kind"`
	Outcome        ActionOutcome    `json:"outcome"`
	RunID          string           `json:"run_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	MessageID      string           `json:"message_id,omitempty"`
	ArtifactID     string           `json:"artifact_id,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// ReportResult summarizes one submitted worker report.
type ReportResult struct {
	Status  types.WorkerReportStatus `json:"status"`
	Actions []ActionResult           `json:"actions,omitempty"`
}

// SubmitReport ingests what a woken worker handed back. An ok report
// just stamps the worker's state; an actions report runs every action
// through idempotency, rate caps, and the approval gate before
// anything executes.
func (s *Service) SubmitReport(ctx context.Context, ws *workspace.Workspace, agentID string, report *types.WorkerReport) (*ReportResult, error) {
	if report == nil {
		return nil, errdefs.Validationf("report is required")
	}
	if _, err := ws.LoadAgent(agentID); err != nil {
		return nil, err
	}
	switch report.Status {
	case types.ReportOK:
		if len(report.Actions) > 0 {
			return nil, errdefs.Validationf("an ok report must not carry actions")
		}
	case types.ReportActions:
		if len(report.Actions) == 0 {
			return nil, errdefs.Validationf("an actions report needs at least one action")
		}
	default:
		return nil, errdefs.Validationf("unknown report status %q", report.Status)
	}
	for i := range report.Actions {
		if err := validateAction(&report.Actions[i]); err != nil {
			return nil, err
		}
	}

	w, _, err := s.observe(ws)
	if err != nil {
		return nil, err
	}
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, err
	}
	state, err := ws.LoadHeartbeatState()
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	wstate := ensureWorkerState(state, agentID)
	wstate.LastReportStatus = string(report.Status)

	result := &ReportResult{Status: report.Status}
	if report.Status == types.ReportOK {
		at := now
		wstate.LastOkAt = &at
		if err := ws.SaveHeartbeatState(state); err != nil {
			return nil, err
		}
		s.logger.Info().Str("agent_id", agentID).Msg("Worker reported ok")
		return result, nil
	}

	executed := 0
	quiet := cfg.QuietHours.Contains(now.Hour())
	for i := range report.Actions {
		action := &report.Actions[i]
		ar := s.runAction(ctx, ws, agentID, action, cfg, state, now, quiet, &executed)
		metrics.HeartbeatActionsTotal.WithLabelValues(string(action.Kind), string(ar.Outcome)).Inc()
		result.Actions = append(result.Actions, ar)
	}
	pruneState(state, now)
	if err := ws.SaveHeartbeatState(state); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("agent_id", agentID).
		Int("actions", len(report.Actions)).
		Int("executed", executed).
		Msg("Worker report processed")
	return result, nil
}

// runAction walks one action through the pipeline. The idempotency
// reservation survives rate limiting and failures so a later retry
// with the same key can still execute.
func (s *Service) runAction(ctx context.Context, ws *workspace.Workspace, agentID string, action *types.HeartbeatAction, cfg *types.HeartbeatConfig, state *types.HeartbeatState, now time.Time, quiet bool, executed *int) ActionResult {
	ar := ActionResult{IdempotencyKey: action.IdempotencyKey, Kind: action.Kind}
	ttl := time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute

	if state.Idempotency == nil {
		state.Idempotency = make(map[string]*types.IdempotencyRecord)
	}
	rec := state.Idempotency[action.IdempotencyKey]
	if rec != nil && rec.Status == types.IdempotencyExecuted && now.Before(rec.ExpiresAt) {
		rec.LastSeenAt = now
		state.Stats.ActionsDedupedTotal++
		ar.Outcome = OutcomeDeduped
		return ar
	}
	if rec == nil {
		rec = &types.IdempotencyRecord{FirstSeenAt: now}
		state.Idempotency[action.IdempotencyKey] = rec
	}
	rec.Status = types.IdempotencyQueued
	rec.LastSeenAt = now
	rec.ExpiresAt = now.Add(ttl)

	bucket := now.Format(hourBucketLayout)
	if *executed >= cfg.MaxAutoActionsPerTick || state.HourlyActionCounters[bucket] >= cfg.MaxAutoActionsPerHour {
		state.Stats.ActionsRateLimitedTotal++
		ar.Outcome = OutcomeRateLimited
		return ar
	}

	if action.NeedsApproval || types.RiskAtLeast(action.Risk, types.RiskMedium) || quiet {
		aid, err := s.proposeForApproval(ws, agentID, action, cfg, approvalReason(action, quiet), now)
		if err != nil {
			ar.Outcome = OutcomeFailed
			ar.Error = err.Error()
			return ar
		}
		state.Stats.ActionsProposedTotal++
		ar.Outcome = OutcomeProposed
		ar.ArtifactID = aid
		return ar
	}

	refs, err := s.executeAction(ctx, ws, agentID, action, cfg, now)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Str("kind", string(action.Kind)).Msg("Heartbeat action failed")
		ar.Outcome = OutcomeFailed
		ar.Error = err.Error()
		return ar
	}

	rec.Status = types.IdempotencyExecuted
	rec.ExecutionCount++
	rec.ExpiresAt = now.Add(ttl)
	if state.HourlyActionCounters == nil {
		state.HourlyActionCounters = make(map[string]int)
	}
	state.HourlyActionCounters[bucket]++
	state.Stats.ActionsExecutedTotal++
	*executed++

	ar.Outcome = OutcomeExecuted
	ar.RunID = refs.runID
	ar.ConversationID = refs.conversationID
	ar.MessageID = refs.messageID
	ar.ArtifactID = refs.artifactID
	return ar
}

// ExecuteApproved runs an action whose approval proposal was resolved
// through governance. The idempotency record guarantees at most one
// execution per key: approving the same proposal twice is a no-op.
func (s *Service) ExecuteApproved(ctx context.Context, ws *workspace.Workspace, action *types.HeartbeatAction, actorID string) error {
	if err := validateAction(action); err != nil {
		return err
	}
	w, _, err := s.observe(ws)
	if err != nil {
		return err
	}
	w.stateMu.Lock()
	defer w.stateMu.Unlock()

	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	state, err := ws.LoadHeartbeatState()
	if err != nil {
		return err
	}
	if state.Idempotency == nil {
		state.Idempotency = make(map[string]*types.IdempotencyRecord)
	}

	now := s.nowFn()
	rec := state.Idempotency[action.IdempotencyKey]
	if rec != nil && rec.Status == types.IdempotencyExecuted && now.Before(rec.ExpiresAt) {
		rec.LastSeenAt = now
		state.Stats.ActionsDedupedTotal++
		metrics.HeartbeatActionsTotal.WithLabelValues(string(action.Kind), string(OutcomeDeduped)).Inc()
		s.logger.Info().Str("idempotency_key", action.IdempotencyKey).Msg("Approved action already executed")
		return ws.SaveHeartbeatState(state)
	}

	if _, err := s.executeAction(ctx, ws, actorID, action, cfg, now); err != nil {
		return err
	}

	if rec == nil {
		rec = &types.IdempotencyRecord{FirstSeenAt: now}
		state.Idempotency[action.IdempotencyKey] = rec
	}
	rec.Status = types.IdempotencyExecuted
	rec.ExecutionCount++
	rec.LastSeenAt = now
	rec.ExpiresAt = now.Add(time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute)
	state.Stats.ActionsExecutedTotal++
	metrics.HeartbeatActionsTotal.WithLabelValues(string(action.Kind), string(OutcomeExecuted)).Inc()

	s.logger.Info().
		Str("actor_id", actorID).
		Str("kind", string(action.Kind)).
		Str("idempotency_key", action.IdempotencyKey).
		Msg("Approved heartbeat action executed")
	return ws.SaveHeartbeatState(state)
}

// validateAction rejects malformed actions before any state changes.
// A blank risk reads as low.
func validateAction(action *types.HeartbeatAction) error {
	if action == nil {
		return errdefs.Validationf("action is required")
	}
	if strings.TrimSpace(action.IdempotencyKey) == "" {
		return errdefs.Validationf("action idempotency_key is required")
	}
	switch action.Risk {
	case "", types.RiskLow, types.RiskMedium, types.RiskHigh:
	default:
		return errdefs.Validationf("unknown action risk %q", action.Risk)
	}
	switch action.Kind {
	case types.ActionAddComment:
		if action.Comment == nil || action.Comment.ProjectID == "" || strings.TrimSpace(action.Comment.Body) == "" {
			return errdefs.Validationf("add_comment needs a comment with project_id and body")
		}
	case types.ActionLaunchJob:
		j := action.Job
		if j == nil || j.ProjectID == "" || j.AgentID == "" || j.Provider == "" || strings.TrimSpace(j.Prompt) == "" {
			return errdefs.Validationf("launch_job needs a job with project_id, agent_id, provider, and prompt")
		}
	case types.ActionCreateApprovalItem:
		p := action.Proposal
		if p == nil || strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Body) == "" {
			return errdefs.Validationf("create_approval_item needs a proposal with title and body")
		}
	case types.ActionNoop:
	default:
		return errdefs.Validationf("unknown action kind %q", action.Kind)
	}
	return nil
}

func approvalReason(action *types.HeartbeatAction, quiet bool) string {
	switch {
	case action.NeedsApproval:
		return "needs_approval"
	case types.RiskAtLeast(action.Risk, types.RiskMedium):
		return "risk_" + string(action.Risk)
	case quiet:
		return "quiet_hours"
	default:
		return ""
	}
}
