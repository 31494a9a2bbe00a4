package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

// LoadCompany reads company/company.yaml. A missing file is a Fatal error:
// the directory is not a usable workspace without it.
func (w *Workspace) LoadCompany() (*types.Company, error) {
	var c types.Company
	if err := ReadYAMLFile(w.CompanyPath(), &c); err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Fatalf("workspace %s has no company/company.yaml", w.root)
		}
		return nil, err
	}
	return &c, nil
}

func (w *Workspace) SaveCompany(c *types.Company) error {
	return WriteYAMLFile(w.CompanyPath(), c)
}

func (w *Workspace) LoadTeam(teamID string) (*types.Team, error) {
	var t types.Team
	if err := ReadYAMLFile(w.TeamPath(teamID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (w *Workspace) SaveTeam(t *types.Team) error {
	if err := ValidateID("team", t.TeamID); err != nil {
		return err
	}
	return WriteYAMLFile(w.TeamPath(t.TeamID), t)
}

func (w *Workspace) ListTeamIDs() ([]string, error) {
	return listSubdirs(filepath.Join(w.root, "org", "teams"))
}

func (w *Workspace) LoadAgent(agentID string) (*types.Agent, error) {
	var a types.Agent
	if err := ReadYAMLFile(w.AgentPath(agentID), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (w *Workspace) SaveAgent(a *types.Agent) error {
	if err := ValidateID("agent", a.AgentID); err != nil {
		return err
	}
	return WriteYAMLFile(w.AgentPath(a.AgentID), a)
}

func (w *Workspace) ListAgentIDs() ([]string, error) {
	return listSubdirs(filepath.Join(w.root, "org", "agents"))
}

// LoadAgentGuidance reads org/agents/<id>/AGENTS.md; missing guidance is
// an empty string, not an error.
func (w *Workspace) LoadAgentGuidance(agentID string) (string, error) {
	data, err := os.ReadFile(w.AgentGuidancePath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read agent guidance: %w", err)
	}
	return string(data), nil
}

func (w *Workspace) LoadProject(projectID string) (*types.Project, error) {
	var p types.Project
	if err := ReadYAMLFile(w.ProjectPath(projectID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (w *Workspace) SaveProject(p *types.Project) error {
	if err := ValidateID("project", p.ProjectID); err != nil {
		return err
	}
	return WriteYAMLFile(w.ProjectPath(p.ProjectID), p)
}

func (w *Workspace) ListProjectIDs() ([]string, error) {
	return listSubdirs(filepath.Join(w.root, "work", "projects"))
}

// CreateRun creates the run directory tree and writes run.yaml in one
// pass; the rename inside WriteYAMLFile is the commit point.
func (w *Workspace) CreateRun(r *types.Run) error {
	if err := ValidateID("run", r.RunID); err != nil {
		return err
	}
	if err := ValidateID("project", r.ProjectID); err != nil {
		return err
	}
	if _, err := os.Stat(w.RunPath(r.ProjectID, r.RunID)); err == nil {
		return errdefs.Conflictf("run %s already exists", r.RunID)
	}
	if err := EnsureDir(w.OutputsDir(r.ProjectID, r.RunID)); err != nil {
		return err
	}
	return WriteYAMLFile(w.RunPath(r.ProjectID, r.RunID), r)
}

func (w *Workspace) LoadRun(projectID, runID string) (*types.Run, error) {
	var r types.Run
	if err := ReadYAMLFile(w.RunPath(projectID, runID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (w *Workspace) SaveRun(r *types.Run) error {
	return WriteYAMLFile(w.RunPath(r.ProjectID, r.RunID), r)
}

func (w *Workspace) ListRunIDs(projectID string) ([]string, error) {
	return listSubdirs(w.RunsDir(projectID))
}

func (w *Workspace) LoadTask(projectID, taskID string) (*types.Task, string, error) {
	var t types.Task
	body, err := ReadFrontmatterFile(w.TaskPath(projectID, taskID), &t)
	if err != nil {
		return nil, "", err
	}
	return &t, body, nil
}

func (w *Workspace) SaveTask(t *types.Task, body string) error {
	if err := ValidateID("task", t.ID); err != nil {
		return err
	}
	return WriteFrontmatterFile(w.TaskPath(t.ProjectID, t.ID), t, body)
}

func (w *Workspace) ListTaskIDs(projectID string) ([]string, error) {
	return listFileStems(w.TaskDir(projectID), ".md")
}

func (w *Workspace) LoadArtifact(projectID, artifactID string) (*types.ArtifactMeta, string, error) {
	var m types.ArtifactMeta
	body, err := ReadFrontmatterFile(w.ArtifactPath(projectID, artifactID), &m)
	if err != nil {
		return nil, "", err
	}
	return &m, body, nil
}

func (w *Workspace) SaveArtifact(m *types.ArtifactMeta, body string) error {
	if err := ValidateID("artifact", m.ID); err != nil {
		return err
	}
	return WriteFrontmatterFile(w.ArtifactPath(m.ProjectID, m.ID), m, body)
}

func (w *Workspace) ListArtifactIDs(projectID string) ([]string, error) {
	return listFileStems(w.ArtifactDir(projectID), ".md")
}

// HasArtifactSibling reports whether <aid><ext> exists next to the artifact
func (w *Workspace) HasArtifactSibling(projectID, artifactID, ext string) bool {
	_, err := os.Stat(w.ArtifactSiblingPath(projectID, artifactID, ext))
	return err == nil
}

// SaveReview writes an approval record. Reviews are append-only: writing
// over an existing id is a Conflict.
func (w *Workspace) SaveReview(r *types.Review) error {
	if err := ValidateID("review", r.ID); err != nil {
		return err
	}
	if _, err := os.Stat(w.ReviewPath(r.ID)); err == nil {
		return errdefs.Conflictf("review %s already exists", r.ID)
	}
	return WriteYAMLFile(w.ReviewPath(r.ID), r)
}

func (w *Workspace) LoadReview(reviewID string) (*types.Review, error) {
	var r types.Review
	if err := ReadYAMLFile(w.ReviewPath(reviewID), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (w *Workspace) ListReviewIDs() ([]string, error) {
	return listFileStems(w.ReviewsDir(), ".yaml")
}

func (w *Workspace) SaveConversation(c *types.Conversation) error {
	if err := ValidateID("conversation", c.ID); err != nil {
		return err
	}
	return WriteYAMLFile(w.ConversationPath(c.ProjectID, c.ID), c)
}

func (w *Workspace) LoadConversation(projectID, conversationID string) (*types.Conversation, error) {
	var c types.Conversation
	if err := ReadYAMLFile(w.ConversationPath(projectID, conversationID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (w *Workspace) ListConversationIDs(projectID string) ([]string, error) {
	return listSubdirs(w.ConversationsDir(projectID))
}

// AppendMessage writes the next message file in a conversation. The
// sequence number comes from the current file count, which is safe because
// all writers go through the owning server process.
func (w *Workspace) AppendMessage(projectID string, m *types.Message) (int, error) {
	if err := ValidateID("message", m.ID); err != nil {
		return 0, err
	}
	existing, err := w.ListMessages(projectID, m.ConversationID)
	if err != nil && !errdefs.IsNotFound(err) {
		return 0, err
	}
	m.Seq = len(existing) + 1
	path := w.MessagePath(projectID, m.ConversationID, m.Seq, m.ID)
	if err := WriteYAMLFile(path, m); err != nil {
		return 0, err
	}
	return m.Seq, nil
}

// ListMessages loads a conversation's messages in sequence order
func (w *Workspace) ListMessages(projectID, conversationID string) ([]*types.Message, error) {
	dir := w.ConversationDir(projectID, conversationID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("conversation %s", conversationID)
		}
		return nil, fmt.Errorf("failed to read conversation dir: %w", err)
	}

	var msgs []*types.Message
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "msg-") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		var m types.Message
		if err := ReadYAMLFile(filepath.Join(dir, name), &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	return msgs, nil
}

func (w *Workspace) SaveHelpRequest(h *types.HelpRequest) error {
	if err := ValidateID("help request", h.ID); err != nil {
		return err
	}
	return WriteYAMLFile(w.HelpPath(h.ProjectID, h.ID), h)
}

func (w *Workspace) LoadHelpRequest(projectID, helpID string) (*types.HelpRequest, error) {
	var h types.HelpRequest
	if err := ReadYAMLFile(w.HelpPath(projectID, helpID), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (w *Workspace) ListHelpRequestIDs(projectID string) ([]string, error) {
	return listFileStems(w.HelpDir(projectID), ".yaml")
}

// LoadMachineConfig reads .local/machine.yaml; a missing file yields an
// empty config so fresh workspaces work without machine setup.
func (w *Workspace) LoadMachineConfig() (*types.MachineConfig, error) {
	var m types.MachineConfig
	if err := ReadYAMLFile(w.MachineConfigPath(), &m); err != nil {
		if errdefs.IsNotFound(err) {
			return &types.MachineConfig{}, nil
		}
		return nil, err
	}
	return &m, nil
}

func (w *Workspace) SaveMachineConfig(m *types.MachineConfig) error {
	return WriteYAMLFile(w.MachineConfigPath(), m)
}

// LoadBillingStatements reads the imported billing statements; missing
// file means none imported yet.
func (w *Workspace) LoadBillingStatements() ([]types.BillingStatement, error) {
	data, err := os.ReadFile(w.BillingStatementsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read billing statements: %w", err)
	}
	var stmts []types.BillingStatement
	if err := json.Unmarshal(data, &stmts); err != nil {
		return nil, errdefs.Validationf("failed to parse billing statements: %v", err)
	}
	return stmts, nil
}

func (w *Workspace) SaveBillingStatements(stmts []types.BillingStatement) error {
	data, err := json.MarshalIndent(stmts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal billing statements: %w", err)
	}
	return WriteFileAtomic(w.BillingStatementsPath(), data, 0644)
}

func (w *Workspace) LoadHeartbeatConfig() (*types.HeartbeatConfig, error) {
	var c types.HeartbeatConfig
	if err := ReadYAMLFile(w.HeartbeatConfigPath(), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (w *Workspace) SaveHeartbeatConfig(c *types.HeartbeatConfig) error {
	return WriteYAMLFile(w.HeartbeatConfigPath(), c)
}

func (w *Workspace) LoadHeartbeatState() (*types.HeartbeatState, error) {
	var s types.HeartbeatState
	if err := ReadYAMLFile(w.HeartbeatStatePath(), &s); err != nil {
		if errdefs.IsNotFound(err) {
			return &types.HeartbeatState{}, nil
		}
		return nil, err
	}
	return &s, nil
}

func (w *Workspace) SaveHeartbeatState(s *types.HeartbeatState) error {
	return WriteYAMLFile(w.HeartbeatStatePath(), s)
}

// LoadMigrationLedger reads company/migrations/applied.yaml; missing file
// means nothing applied yet.
func (w *Workspace) LoadMigrationLedger() (*types.MigrationLedger, error) {
	var l types.MigrationLedger
	if err := ReadYAMLFile(w.MigrationsPath(), &l); err != nil {
		if errdefs.IsNotFound(err) {
			return &types.MigrationLedger{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	return &l, nil
}

// MigrationApplied reports whether the ledger records id
func (w *Workspace) MigrationApplied(id string) (bool, error) {
	ledger, err := w.LoadMigrationLedger()
	if err != nil {
		return false, err
	}
	for _, m := range ledger.Applied {
		if m.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// RecordMigration appends an entry to the ledger (idempotent per id)
func (w *Workspace) RecordMigration(id, details string) error {
	ledger, err := w.LoadMigrationLedger()
	if err != nil {
		return err
	}
	for _, m := range ledger.Applied {
		if m.ID == id {
			return nil
		}
	}
	ledger.Applied = append(ledger.Applied, types.AppliedMigration{
		ID:        id,
		AppliedAt: time.Now().UTC(),
		Details:   details,
	})
	return WriteYAMLFile(w.MigrationsPath(), ledger)
}

func listSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func listFileStems(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) || strings.Contains(name, ".tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}
