package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Actions evaluated by the policy engine.
const (
	ActionRead           = "read"
	ActionApprove        = "approve"
	ActionComposeContext = "compose_context"
	ActionShare          = "share"
	ActionAllocate       = "allocate"
)

// Resource is the thing an actor wants to act on.
type Resource struct {
	ID          string            `json:"resource_id"`
	Kind        string            `json:"kind"`
	Visibility  types.Visibility  `json:"visibility"`
	TeamID      string            `json:"team_id,omitempty"`
	Sensitivity types.Sensitivity `json:"sensitivity,omitempty"`
	ProducedBy  string            `json:"produced_by,omitempty"`
}

// PolicyInput is one access decision to make. RunID is optional; when
// set, denials (and allowed approvals) are recorded into that run's
// event log.
type PolicyInput struct {
	Workspace   *workspace.Workspace
	ProjectID   string
	RunID       string
	ActorID     string
	ActorRole   types.Role
	ActorTeamID string
	Action      string
	Resource    Resource
}

// PolicyDeniedError is returned for every denied decision. The trace
// says which rule fired.
type PolicyDeniedError struct {
	Trace types.PolicyTrace
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied %s on %s: %s", e.Trace.Action, e.Trace.ResourceID, e.Trace.Reason)
}

// ReasonCode is the stable machine-readable code carried to RPC error
// data.
func (e *PolicyDeniedError) ReasonCode() string { return types.ReasonPolicyDenied }

// ActionExecutor runs an approved heartbeat action. Implementations
// must be idempotent per the action's idempotency key.
type ActionExecutor interface {
	ExecuteApproved(ctx context.Context, ws *workspace.Workspace, action *types.HeartbeatAction, actorID string) error
}

// Service evaluates policy and drives the approval flows. It appends
// decision events through the shared event log so index and
// subscribers observe them.
type Service struct {
	elog     *eventlog.Log
	executor ActionExecutor
	logger   zerolog.Logger
}

// NewService builds the governance service. executor handles approved
// heartbeat action proposals and may be nil when that flow is not
// wired.
func NewService(elog *eventlog.Log, executor ActionExecutor) *Service {
	return &Service{
		elog:     elog,
		executor: executor,
		logger:   log.WithComponent("governance"),
	}
}

// Enforce evaluates one access decision. The returned trace is always
// populated; a denied decision additionally returns *PolicyDeniedError.
// With a run in scope, denials append policy.denied plus a
// policy.decision event and allowed approvals append policy.decision.
func (s *Service) Enforce(ctx context.Context, in PolicyInput) (*types.PolicyTrace, error) {
	if in.Workspace == nil {
		return nil, errdefs.Validationf("workspace is required")
	}
	if in.ActorID == "" {
		return nil, errdefs.Validationf("actor_id is required")
	}
	if in.Action == "" {
		return nil, errdefs.Validationf("action is required")
	}

	trace := s.evaluate(in)
	s.recordDecision(in, trace)
	if !trace.Allowed {
		return trace, &PolicyDeniedError{Trace: *trace}
	}
	return trace, nil
}

func (s *Service) evaluate(in PolicyInput) *types.PolicyTrace {
	trace := &types.PolicyTrace{
		Action:     in.Action,
		ResourceID: in.Resource.ID,
		ActorID:    in.ActorID,
		ActorRole:  in.ActorRole,
	}

	deny := func(rule, reason string) *types.PolicyTrace {
		trace.Allowed = false
		trace.Rule = rule
		trace.Reason = reason
		return trace
	}
	allow := func(rule string) *types.PolicyTrace {
		trace.Allowed = true
		trace.Rule = rule
		return trace
	}

	visibility := in.Resource.Visibility
	if visibility == "" {
		visibility = types.VisibilityTeam
	}
	switch visibility {
	case types.VisibilityOrg:
		// open to every actor
	case types.VisibilityManagers:
		if !types.RoleAtLeast(in.ActorRole, types.RoleManager) {
			return deny("visibility_managers", fmt.Sprintf("role %s cannot access managers-scoped resource", in.ActorRole))
		}
	case types.VisibilityTeam:
		sameTeam := in.Resource.TeamID != "" && in.ActorTeamID == in.Resource.TeamID
		if !sameTeam && !types.RoleAtLeast(in.ActorRole, types.RoleManager) {
			return deny("visibility_team", fmt.Sprintf("actor %s is outside team %q", in.ActorID, in.Resource.TeamID))
		}
	case types.VisibilityPrivateAgent:
		producer := trimActorRef(in.Resource.ProducedBy)
		if trimActorRef(in.ActorID) != producer && in.ActorRole != types.RoleHuman {
			return deny("visibility_private_agent", fmt.Sprintf("resource is private to %s", producer))
		}
	default:
		return deny("visibility_unknown", fmt.Sprintf("unknown visibility %q", visibility))
	}

	if in.Resource.Sensitivity == types.SensitivityRestricted &&
		(in.Action == ActionRead || in.Action == ActionComposeContext) &&
		!types.RoleAtLeast(in.ActorRole, types.RoleDirector) {
		return deny("restricted_requires_director", fmt.Sprintf("role %s cannot read restricted content", in.ActorRole))
	}

	if in.Action == ActionAllocate {
		if !types.RoleAtLeast(in.ActorRole, types.RoleManager) {
			return deny("allocate_requires_manager", fmt.Sprintf("role %s cannot allocate tasks", in.ActorRole))
		}
		return allow("allocate_tasks")
	}

	if in.Action == ActionApprove {
		switch in.Resource.Kind {
		case string(types.ArtifactMemoryDelta):
			if !types.RoleAtLeast(in.ActorRole, types.RoleDirector) {
				return deny("approve_memory_delta_requires_director", fmt.Sprintf("role %s cannot approve memory deltas", in.ActorRole))
			}
			return allow("approve_memory_delta")
		case string(types.ArtifactMilestoneReport):
			if !types.RoleAtLeast(in.ActorRole, types.RoleManager) {
				return deny("approve_milestone_requires_manager", fmt.Sprintf("role %s cannot approve milestones", in.ActorRole))
			}
			return allow("approve_milestone")
		case string(types.ArtifactHeartbeatProposal):
			if !types.RoleAtLeast(in.ActorRole, types.RoleManager) {
				return deny("approve_heartbeat_requires_manager", fmt.Sprintf("role %s cannot approve heartbeat actions", in.ActorRole))
			}
			return allow("approve_heartbeat_action")
		default:
			return deny("approve_unknown_kind", fmt.Sprintf("resource kind %q is not approvable", in.Resource.Kind))
		}
	}

	return allow("visibility_" + string(visibility))
}

// recordDecision appends the policy events when a run is in scope.
// Reads never log their allowed decisions; approvals log both outcomes.
func (s *Service) recordDecision(in PolicyInput, trace *types.PolicyTrace) {
	if in.RunID == "" || in.ProjectID == "" {
		return
	}
	if trace.Allowed && in.Action != ActionApprove {
		return
	}

	path := in.Workspace.EventsPath(in.ProjectID, in.RunID)
	actor := actorRef(in.ActorID, in.ActorRole)

	if !trace.Allowed {
		if _, err := s.elog.Append(path, &types.Event{
			RunID:      in.RunID,
			SessionRef: types.SessionRefControlPlane,
			Actor:      actor,
			Visibility: types.VisibilityTeam,
			Type:       types.EventPolicyDenied,
			Payload: map[string]any{
				"action":      trace.Action,
				"resource_id": trace.ResourceID,
				"rule":        trace.Rule,
				"reason":      trace.Reason,
			},
		}); err != nil {
			s.logger.Error().Err(err).Str("run_id", in.RunID).Msg("Failed to append policy denial")
		}
	}

	if _, err := s.elog.Append(path, &types.Event{
		RunID:      in.RunID,
		SessionRef: types.SessionRefControlPlane,
		Actor:      actor,
		Visibility: types.VisibilityTeam,
		Type:       types.EventPolicyDecision,
		Payload: map[string]any{
			"allowed":     trace.Allowed,
			"action":      trace.Action,
			"resource_id": trace.ResourceID,
			"rule":        trace.Rule,
			"reason":      trace.Reason,
		},
	}); err != nil {
		s.logger.Error().Err(err).Str("run_id", in.RunID).Msg("Failed to append policy decision")
	}
}

// actorRef renders an actor for event envelopes: human roles get a
// human: prefix, everything else an agent: prefix.
func actorRef(actorID string, role types.Role) string {
	if strings.ContainsRune(actorID, ':') {
		return actorID
	}
	if role == types.RoleHuman {
		return "human:" + actorID
	}
	return "agent:" + actorID
}

// trimActorRef strips the agent:/human: prefix so ids compare cleanly
// against produced_by values recorded either way.
func trimActorRef(ref string) string {
	if i := strings.IndexRune(ref, ':'); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
