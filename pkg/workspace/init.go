package workspace

import (
	"os"
	"path/filepath"
	"time"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

// skeleton lists the directories a fresh workspace starts with
var skeleton = []string{
	"company/migrations",
	"org/teams",
	"org/agents",
	"work/projects",
	"inbox/reviews",
	".local/billing",
	".local/heartbeat",
}

// Init creates a new workspace at root. The root may exist but must not
// already contain a company file.
func Init(root string, company *types.Company) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errdefs.Validationf("failed to resolve workspace root: %v", err)
	}
	if err := ValidateID("company", company.CompanyID); err != nil {
		return nil, err
	}

	marker := filepath.Join(abs, "company", "company.yaml")
	if _, err := os.Stat(marker); err == nil {
		return nil, errdefs.Conflictf("workspace already initialized at %s", abs)
	}

	for _, dir := range skeleton {
		if err := EnsureDir(filepath.Join(abs, dir)); err != nil {
			return nil, err
		}
	}

	w := &Workspace{root: abs}
	if company.SchemaVersion == 0 {
		company.SchemaVersion = 1
	}
	if company.OrgMode == "" {
		company.OrgMode = types.OrgModeStartupV1
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = time.Now().UTC()
	}
	if err := w.SaveCompany(company); err != nil {
		return nil, err
	}
	if err := WriteYAMLFile(w.MigrationsPath(), &types.MigrationLedger{SchemaVersion: 1}); err != nil {
		return nil, err
	}
	return w, nil
}

const defaultProjectMemory = `# Project Memory

## Decisions

## Conventions

## Lessons Learned
`

// CreateProjectWithDefaults creates the project directory tree, its
// project.yaml, and a seeded memory.md.
func (w *Workspace) CreateProjectWithDefaults(p *types.Project) error {
	if err := ValidateID("project", p.ProjectID); err != nil {
		return err
	}
	if _, err := os.Stat(w.ProjectPath(p.ProjectID)); err == nil {
		return errdefs.Conflictf("project %s already exists", p.ProjectID)
	}

	for _, dir := range []string{
		w.TaskDir(p.ProjectID),
		w.ArtifactDir(p.ProjectID),
		w.RunsDir(p.ProjectID),
		w.ConversationsDir(p.ProjectID),
		w.HelpDir(p.ProjectID),
	} {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}

	if p.SchemaVersion == 0 {
		p.SchemaVersion = 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := w.SaveProject(p); err != nil {
		return err
	}
	return WriteFileAtomic(w.MemoryPath(p.ProjectID), []byte(defaultProjectMemory), 0644)
}
