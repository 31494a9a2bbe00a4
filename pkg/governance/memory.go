package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/patch"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// ProposeMemoryDeltaInput describes a memory change an agent wants
// reviewed. ArtifactID is optional; a fresh one is generated when
// empty.
type ProposeMemoryDeltaInput struct {
	Workspace    *workspace.Workspace
	ProjectID    string
	RunID        string
	ActorID      string
	ArtifactID   string
	Title        string
	ScopeKind    types.ScopeKind
	ScopeRef     string
	UnderHeading string
	InsertLines  []string
	Rationale    string
	Evidence     []string
	Visibility   types.Visibility
	Sensitivity  types.Sensitivity
}

// DecisionInput identifies an artifact and the actor deciding on it.
type DecisionInput struct {
	Workspace   *workspace.Workspace
	ProjectID   string
	ArtifactID  string
	ActorID     string
	ActorRole   types.Role
	ActorTeamID string
	Notes       string
}

// ProposeMemoryDelta stages a memory change as a reviewable artifact:
// the insert lines go after the chosen heading, the resulting unified
// diff is verified against the current target, and <aid>.md plus
// <aid>.patch are written. Nothing touches the target file until a
// director approves.
func (s *Service) ProposeMemoryDelta(ctx context.Context, in ProposeMemoryDeltaInput) (*types.ArtifactMeta, error) {
	if in.Workspace == nil {
		return nil, errdefs.Validationf("workspace is required")
	}
	if strings.TrimSpace(in.Rationale) == "" {
		return nil, errdefs.Validationf("rationale must not be empty")
	}
	if len(in.Evidence) == 0 {
		return nil, errdefs.Validationf("at least one evidence entry is required")
	}
	if len(in.InsertLines) == 0 {
		return nil, errdefs.Validationf("insert_lines must not be empty")
	}
	if strings.TrimSpace(in.UnderHeading) == "" {
		return nil, errdefs.Validationf("under_heading is required")
	}
	if in.Sensitivity == types.SensitivityRestricted && in.Visibility == types.VisibilityOrg {
		return nil, errdefs.Validationf("restricted memory deltas cannot be org-visible")
	}
	ws := in.Workspace

	target, err := resolveMemoryTarget(ws, in.ProjectID, in.ScopeKind, in.ScopeRef)
	if err != nil {
		return nil, err
	}

	if err := redact.AssertNoSensitiveText(in.Title, "title"); err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(in.Rationale, "rationale"); err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(strings.Join(in.InsertLines, "\n"), "insert_lines"); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("memory target %s", target)
		}
		return nil, fmt.Errorf("failed to read memory target: %w", err)
	}
	before := string(raw)

	after, err := insertAfterHeading(before, in.UnderHeading, in.InsertLines)
	if err != nil {
		return nil, err
	}

	rel, err := ws.Rel(target)
	if err != nil {
		return nil, err
	}
	diff := patch.Unified(rel, before, after)
	if diff == "" {
		return nil, errdefs.Validationf("proposed change is a no-op against %s", rel)
	}
	if err := patch.Verify(before, diff, after); err != nil {
		return nil, fmt.Errorf("failed to verify generated patch: %w", err)
	}
	if err := redact.AssertNoSensitiveText(diff, "patch"); err != nil {
		return nil, err
	}

	aid := in.ArtifactID
	if aid == "" {
		aid = "delta-" + uuid.NewString()
	}
	if _, err := os.Stat(ws.ArtifactPath(in.ProjectID, aid)); err == nil {
		return nil, errdefs.Conflictf("artifact %s already exists", aid)
	}

	meta := &types.ArtifactMeta{
		SchemaVersion: 1,
		Type:          types.ArtifactMemoryDelta,
		ID:            aid,
		Title:         in.Title,
		CreatedAt:     time.Now().UTC(),
		Visibility:    in.Visibility,
		ProducedBy:    actorRef(in.ActorID, ""),
		RunID:         in.RunID,
		ProjectID:     in.ProjectID,
		TargetFile:    rel,
		PatchFile:     aid + ".patch",
		ScopeKind:     in.ScopeKind,
		ScopeRef:      in.ScopeRef,
		Sensitivity:   in.Sensitivity,
		Rationale:     in.Rationale,
		Evidence:      in.Evidence,
	}

	body := fmt.Sprintf("## Proposed insertion\n\nUnder %s:\n\n%s\n",
		in.UnderHeading, strings.Join(in.InsertLines, "\n"))
	if err := ws.SaveArtifact(meta, body); err != nil {
		return nil, err
	}
	if err := workspace.WriteFileAtomic(ws.ArtifactSiblingPath(in.ProjectID, aid, ".patch"), []byte(diff), 0644); err != nil {
		return nil, fmt.Errorf("failed to write patch sibling: %w", err)
	}

	s.logger.Info().
		Str("artifact_id", aid).
		Str("project_id", in.ProjectID).
		Str("target", rel).
		Msg("Memory delta proposed")
	return meta, nil
}

// ApproveMemoryDelta applies a proposed delta to the live target. The
// patch is re-applied to the current file content, so a target that
// drifted past the proposal is a Conflict and the proposal must be
// re-staged. Policy runs first; a denied actor changes nothing.
func (s *Service) ApproveMemoryDelta(ctx context.Context, in DecisionInput) (*types.Review, error) {
	ws := in.Workspace
	meta, _, err := ws.LoadArtifact(in.ProjectID, in.ArtifactID)
	if err != nil {
		return nil, err
	}
	if meta.Type != types.ArtifactMemoryDelta {
		return nil, errdefs.Validationf("artifact %s is %s, not a memory delta", in.ArtifactID, meta.Type)
	}

	trace, err := s.enforceApproval(ctx, in, meta)
	if err != nil {
		return nil, err
	}
	if err := redact.AssertNoSensitiveText(in.Notes, "notes"); err != nil {
		return nil, err
	}

	patchPath := ws.ArtifactSiblingPath(in.ProjectID, in.ArtifactID, ".patch")
	patchRaw, err := os.ReadFile(patchPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("patch file for artifact %s", in.ArtifactID)
		}
		return nil, fmt.Errorf("failed to read patch file: %w", err)
	}

	target := filepath.Join(ws.Root(), filepath.FromSlash(meta.TargetFile))
	current, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory target: %w", err)
	}

	applied, err := patch.Apply(string(current), string(patchRaw))
	if err != nil {
		return nil, err
	}
	if err := workspace.WriteFileAtomic(target, []byte(applied), 0644); err != nil {
		return nil, fmt.Errorf("failed to write memory target: %w", err)
	}

	review, err := s.writeReview(in, meta, types.ReviewApproved, trace)
	if err != nil {
		return nil, err
	}
	s.appendApprovalDecided(ws, meta, review)

	s.logger.Info().
		Str("artifact_id", in.ArtifactID).
		Str("target", meta.TargetFile).
		Str("review_id", review.ID).
		Msg("Memory delta approved and applied")
	return review, nil
}

// resolveMemoryTarget maps a scope to its governed file.
func resolveMemoryTarget(ws *workspace.Workspace, projectID string, kind types.ScopeKind, ref string) (string, error) {
	switch kind {
	case types.ScopeProjectMemory:
		return ws.MemoryPath(projectID), nil
	case types.ScopeAgentGuidance:
		if ref == "" {
			return "", errdefs.Validationf("scope_ref is required for agent_guidance deltas")
		}
		return ws.AgentGuidancePath(ref), nil
	default:
		return "", errdefs.Validationf("unknown scope kind %q", kind)
	}
}

// insertAfterHeading places lines directly under the first occurrence
// of heading. The heading must match a full line after whitespace
// trimming.
func insertAfterHeading(content, heading string, lines []string) (string, error) {
	want := strings.TrimSpace(heading)
	src := strings.Split(content, "\n")
	for i, line := range src {
		if strings.TrimSpace(line) != want {
			continue
		}
		out := make([]string, 0, len(src)+len(lines))
		out = append(out, src[:i+1]...)
		out = append(out, lines...)
		out = append(out, src[i+1:]...)
		return strings.Join(out, "\n"), nil
	}
	return "", errdefs.Validationf("heading %q not found in target", heading)
}
