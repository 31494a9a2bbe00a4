package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentbureau/bureau/pkg/errdefs"
)

// Workspace is a handle on one company root directory. All canonical reads
// and writes go through it; nothing else touches workspace files directly.
type Workspace struct {
	root string
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Open returns a workspace handle for an existing root directory.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("workspace root %s", abs)
		}
		return nil, fmt.Errorf("failed to stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, errdefs.Validationf("workspace root %s is not a directory", abs)
	}

	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root
func (w *Workspace) Root() string {
	return w.root
}

// Resolve maps a workspace-relative path to an absolute one. Absolute
// inputs and paths escaping the root are rejected.
func (w *Workspace) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", errdefs.Validationf("empty workspace path")
	}
	if filepath.IsAbs(rel) {
		return "", errdefs.Validationf("absolute path %q not allowed", rel)
	}

	abs := filepath.Join(w.root, filepath.Clean(rel))
	back, err := filepath.Rel(w.root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", errdefs.Validationf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

// Rel maps an absolute path under the root back to workspace-relative form
func (w *Workspace) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errdefs.Validationf("path %q is outside the workspace", abs)
	}
	return filepath.ToSlash(rel), nil
}

// ValidateID rejects identifiers that cannot safely become path segments
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return errdefs.Validationf("invalid %s id %q", kind, id)
	}
	return nil
}

// Layout helpers. Every canonical location is produced here so the layout
// exists in exactly one place.

func (w *Workspace) CompanyPath() string {
	return filepath.Join(w.root, "company", "company.yaml")
}

func (w *Workspace) MigrationsPath() string {
	return filepath.Join(w.root, "company", "migrations", "applied.yaml")
}

func (w *Workspace) TeamDir(teamID string) string {
	return filepath.Join(w.root, "org", "teams", teamID)
}

func (w *Workspace) TeamPath(teamID string) string {
	return filepath.Join(w.TeamDir(teamID), "team.yaml")
}

func (w *Workspace) AgentDir(agentID string) string {
	return filepath.Join(w.root, "org", "agents", agentID)
}

func (w *Workspace) AgentPath(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "agent.yaml")
}

func (w *Workspace) AgentGuidancePath(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "AGENTS.md")
}

func (w *Workspace) ProjectDir(projectID string) string {
	return filepath.Join(w.root, "work", "projects", projectID)
}

func (w *Workspace) ProjectPath(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "project.yaml")
}

func (w *Workspace) MemoryPath(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "memory.md")
}

func (w *Workspace) TaskDir(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "tasks")
}

func (w *Workspace) TaskPath(projectID, taskID string) string {
	return filepath.Join(w.TaskDir(projectID), taskID+".md")
}

func (w *Workspace) ArtifactDir(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "artifacts")
}

func (w *Workspace) ArtifactPath(projectID, artifactID string) string {
	return filepath.Join(w.ArtifactDir(projectID), artifactID+".md")
}

// ArtifactSiblingPath returns the evidence sibling for an artifact, e.g.
// ext ".patch" for <aid>.patch.
func (w *Workspace) ArtifactSiblingPath(projectID, artifactID, ext string) string {
	return filepath.Join(w.ArtifactDir(projectID), artifactID+ext)
}

func (w *Workspace) RunsDir(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "runs")
}

func (w *Workspace) RunDir(projectID, runID string) string {
	return filepath.Join(w.RunsDir(projectID), runID)
}

func (w *Workspace) RunPath(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "run.yaml")
}

func (w *Workspace) EventsPath(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "events.jsonl")
}

func (w *Workspace) OutputsDir(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "outputs")
}

func (w *Workspace) WorktreeDir(projectID, runID string) string {
	return filepath.Join(w.RunDir(projectID, runID), "worktree")
}

func (w *Workspace) ConversationsDir(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "conversations")
}

func (w *Workspace) ConversationDir(projectID, conversationID string) string {
	return filepath.Join(w.ConversationsDir(projectID), conversationID)
}

func (w *Workspace) ConversationPath(projectID, conversationID string) string {
	return filepath.Join(w.ConversationDir(projectID, conversationID), "conversation.yaml")
}

func (w *Workspace) MessagePath(projectID, conversationID string, seq int, messageID string) string {
	name := fmt.Sprintf("msg-%05d-%s.yaml", seq, messageID)
	return filepath.Join(w.ConversationDir(projectID, conversationID), name)
}

func (w *Workspace) HelpDir(projectID string) string {
	return filepath.Join(w.ProjectDir(projectID), "help")
}

func (w *Workspace) HelpPath(projectID, helpID string) string {
	return filepath.Join(w.HelpDir(projectID), helpID+".yaml")
}

func (w *Workspace) ReviewsDir() string {
	return filepath.Join(w.root, "inbox", "reviews")
}

func (w *Workspace) ReviewPath(reviewID string) string {
	return filepath.Join(w.ReviewsDir(), reviewID+".yaml")
}

func (w *Workspace) LocalDir() string {
	return filepath.Join(w.root, ".local")
}

func (w *Workspace) MachineConfigPath() string {
	return filepath.Join(w.LocalDir(), "machine.yaml")
}

func (w *Workspace) BillingStatementsPath() string {
	return filepath.Join(w.LocalDir(), "billing", "reconciliation_statements.json")
}

func (w *Workspace) IndexDBPath() string {
	return filepath.Join(w.LocalDir(), "index.db")
}

func (w *Workspace) SharePacksDir() string {
	return filepath.Join(w.LocalDir(), "share_packs")
}

func (w *Workspace) HeartbeatConfigPath() string {
	return filepath.Join(w.LocalDir(), "heartbeat", "config.yaml")
}

func (w *Workspace) HeartbeatStatePath() string {
	return filepath.Join(w.LocalDir(), "heartbeat", "state.yaml")
}
