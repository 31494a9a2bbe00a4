package sharepack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/eventlog"
	"github.com/agentbureau/bureau/pkg/governance"
	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/metrics"
	"github.com/agentbureau/bureau/pkg/redact"
	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

// Requester identifies who the pack is for. Both gates evaluate
// against it.
type Requester struct {
	ActorID string     `yaml:"actor_id" json:"actor_id"`
	Role    types.Role `yaml:"actor_role" json:"actor_role"`
	TeamID  string     `yaml:"actor_team_id,omitempty" json:"actor_team_id,omitempty"`
}

// Options select what to export and where the pack lands.
type Options struct {
	ProjectID string    `json:"project_id"`
	Requester Requester `json:"requester"`

	// OutDir is the destination directory. Empty means
	// .local/share_packs/<pack_id> inside the workspace.
	OutDir string `json:"out_dir,omitempty"`

	// RunIDs restricts the export to a subset of the project's runs.
	RunIDs []string `json:"run_ids,omitempty"`
}

// EventStats tallies the event gate's verdicts for the manifest.
type EventStats struct {
	Included int `yaml:"included" json:"included"`
	Excluded int `yaml:"excluded" json:"excluded"`
	Redacted int `yaml:"redacted" json:"redacted"`
}

// ArtifactStats tallies the artifact gate's verdicts.
type ArtifactStats struct {
	Included int `yaml:"included" json:"included"`
	Excluded int `yaml:"excluded" json:"excluded"`
}

// RunEntry is one exported run in the manifest.
type RunEntry struct {
	RunID  string          `yaml:"run_id" json:"run_id"`
	Status types.RunStatus `yaml:"status" json:"status"`
	Events int             `yaml:"events" json:"events"`
}

// Manifest is pack.yaml at the root of every exported pack.
type Manifest struct {
	SchemaVersion int           `yaml:"schema_version" json:"schema_version"`
	PackID        string        `yaml:"pack_id" json:"pack_id"`
	CompanyID     string        `yaml:"company_id" json:"company_id"`
	ProjectID     string        `yaml:"project_id" json:"project_id"`
	GeneratedAt   time.Time     `yaml:"generated_at" json:"generated_at"`
	Requester     Requester     `yaml:"requester" json:"requester"`
	Runs          []RunEntry    `yaml:"runs" json:"runs"`
	Events        EventStats    `yaml:"events" json:"events"`
	Artifacts     ArtifactStats `yaml:"artifacts" json:"artifacts"`
	PackDir       string        `yaml:"-" json:"pack_dir"`
}

// PolicyGate decides artifact access for the requester. Satisfied by
// governance.Service.
type PolicyGate interface {
	Enforce(ctx context.Context, in governance.PolicyInput) (*types.PolicyTrace, error)
}

// Exporter builds sanitized project bundles for sharing outside the
// workspace.
type Exporter struct {
	gate   PolicyGate
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewExporter creates a share-pack exporter backed by the given policy
// gate.
func NewExporter(gate PolicyGate) *Exporter {
	return &Exporter{
		gate:   gate,
		logger: log.WithComponent("sharepack"),
		nowFn:  time.Now,
	}
}

// Export writes a pack directory for one project: run records, their
// visibility-filtered and redacted event lines, and the artifacts the
// requester may see. The pack is staged in a sibling directory and
// renamed into place only when every file survived the redaction
// checks, so a failed export leaves nothing behind.
func (e *Exporter) Export(ctx context.Context, ws *workspace.Workspace, opts Options) (*Manifest, error) {
	if opts.ProjectID == "" {
		return nil, errdefs.Validationf("project_id is required")
	}
	if opts.Requester.ActorID == "" || opts.Requester.Role == "" {
		return nil, errdefs.Validationf("requester actor_id and actor_role are required")
	}
	if e.gate == nil {
		return nil, errdefs.Fatalf("no policy gate wired for share-pack export")
	}

	company, err := ws.LoadCompany()
	if err != nil {
		return nil, fmt.Errorf("failed to load company: %w", err)
	}
	project, err := ws.LoadProject(opts.ProjectID)
	if err != nil {
		return nil, err
	}

	packID := "pack-" + uuid.NewString()
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Join(ws.SharePacksDir(), packID)
	}
	if _, err := os.Stat(outDir); err == nil {
		return nil, errdefs.Conflictf("share pack destination %s already exists", outDir)
	}

	staging := outDir + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear pack staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pack staging dir: %w", err)
	}

	manifest, err := e.build(ctx, ws, company, project, opts, packID, staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		metrics.SharePackExportsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(outDir), 0755); err != nil {
		_ = os.RemoveAll(staging)
		metrics.SharePackExportsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to create pack parent dir: %w", err)
	}
	if err := os.Rename(staging, outDir); err != nil {
		_ = os.RemoveAll(staging)
		metrics.SharePackExportsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to move pack into place: %w", err)
	}
	manifest.PackDir = outDir

	metrics.SharePackExportsTotal.WithLabelValues("ok").Inc()
	e.logger.Info().
		Str("pack_id", packID).
		Str("project_id", opts.ProjectID).
		Str("actor_id", opts.Requester.ActorID).
		Int("events_included", manifest.Events.Included).
		Int("events_excluded", manifest.Events.Excluded).
		Int("artifacts_included", manifest.Artifacts.Included).
		Msg("Share pack exported")
	return manifest, nil
}

func (e *Exporter) build(ctx context.Context, ws *workspace.Workspace, company *types.Company, project *types.Project, opts Options, packID, staging string) (*Manifest, error) {
	manifest := &Manifest{
		SchemaVersion: 1,
		PackID:        packID,
		CompanyID:     company.CompanyID,
		ProjectID:     opts.ProjectID,
		GeneratedAt:   e.nowFn().UTC(),
		Requester:     opts.Requester,
		Runs:          []RunEntry{},
	}

	if err := workspace.WriteYAMLFile(filepath.Join(staging, "project.yaml"), project); err != nil {
		return nil, err
	}

	runIDs := opts.RunIDs
	if len(runIDs) == 0 {
		ids, err := ws.ListRunIDs(opts.ProjectID)
		if err != nil {
			return nil, err
		}
		runIDs = ids
	}

	teams := make(map[string]string)
	for _, rid := range runIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := ws.LoadRun(opts.ProjectID, rid)
		if err != nil {
			return nil, err
		}
		entry, err := e.exportRun(ws, run, opts.Requester, teams, staging, &manifest.Events)
		if err != nil {
			return nil, err
		}
		manifest.Runs = append(manifest.Runs, entry)
	}

	if err := e.exportArtifacts(ctx, ws, opts, teams, staging, &manifest.Artifacts); err != nil {
		return nil, err
	}

	if err := workspace.WriteYAMLFile(filepath.Join(staging, "pack.yaml"), manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// exportRun writes the run record and its surviving event lines.
// Malformed source lines never ship.
func (e *Exporter) exportRun(ws *workspace.Workspace, run *types.Run, req Requester, teams map[string]string, staging string, stats *EventStats) (RunEntry, error) {
	entry := RunEntry{RunID: run.RunID, Status: run.Status}

	runDir := filepath.Join(staging, "runs", run.RunID)
	if err := workspace.WriteYAMLFile(filepath.Join(runDir, "run.yaml"), run); err != nil {
		return entry, err
	}

	records, err := eventlog.ReadFile(ws.EventsPath(run.ProjectID, run.RunID))
	if err != nil && !errdefs.IsNotFound(err) {
		return entry, err
	}

	ownerTeam := e.agentTeam(ws, teams, run.AgentID)
	var lines []byte
	for _, rec := range records {
		if rec.Err != nil || rec.Event == nil {
			stats.Excluded++
			continue
		}
		if !eventVisible(rec.Event, ownerTeam, req) {
			stats.Excluded++
			continue
		}
		line, changed, err := sanitizeEventLine(rec.Event)
		if err != nil {
			return entry, err
		}
		if changed {
			stats.Redacted++
		}
		lines = append(lines, line...)
		lines = append(lines, '\n')
		stats.Included++
		entry.Events++
	}
	if len(lines) > 0 {
		if err := workspace.WriteFileAtomic(filepath.Join(runDir, "events.jsonl"), lines, 0644); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// exportArtifacts copies every artifact the policy gate allows, with
// redacted frontmatter text and body.
func (e *Exporter) exportArtifacts(ctx context.Context, ws *workspace.Workspace, opts Options, teams map[string]string, staging string, stats *ArtifactStats) error {
	ids, err := ws.ListArtifactIDs(opts.ProjectID)
	if err != nil {
		return err
	}
	req := opts.Requester
	for _, aid := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, body, err := ws.LoadArtifact(opts.ProjectID, aid)
		if err != nil {
			e.logger.Warn().Err(err).Str("artifact_id", aid).Msg("Skipping unreadable artifact")
			stats.Excluded++
			continue
		}

		_, err = e.gate.Enforce(ctx, governance.PolicyInput{
			Workspace:   ws,
			ProjectID:   opts.ProjectID,
			ActorID:     req.ActorID,
			ActorRole:   req.Role,
			ActorTeamID: req.TeamID,
			Action:      governance.ActionShare,
			Resource: governance.Resource{
				ID:          meta.ID,
				Kind:        string(meta.Type),
				Visibility:  meta.Visibility,
				TeamID:      e.agentTeam(ws, teams, trimActor(meta.ProducedBy)),
				Sensitivity: meta.Sensitivity,
				ProducedBy:  meta.ProducedBy,
			},
		})
		var denied *governance.PolicyDeniedError
		if errors.As(err, &denied) {
			stats.Excluded++
			continue
		}
		if err != nil {
			return err
		}

		clean := *meta
		clean.Title = redact.RedactSensitiveText(meta.Title)
		clean.Rationale = redact.RedactSensitiveText(meta.Rationale)
		cleanBody := redact.RedactSensitiveText(body)
		if err := redact.AssertNoSensitiveText(clean.Title+"\n"+clean.Rationale+"\n"+cleanBody, "share-pack artifact"); err != nil {
			return err
		}
		if err := workspace.WriteFrontmatterFile(filepath.Join(staging, "artifacts", meta.ID+".md"), &clean, cleanBody); err != nil {
			return err
		}
		stats.Included++
	}
	return nil
}

// agentTeam resolves an agent's team with a per-export cache. Unknown
// agents resolve to no team.
func (e *Exporter) agentTeam(ws *workspace.Workspace, cache map[string]string, agentID string) string {
	if agentID == "" {
		return ""
	}
	if team, ok := cache[agentID]; ok {
		return team
	}
	team := ""
	if agent, err := ws.LoadAgent(agentID); err == nil {
		team = agent.TeamID
	}
	cache[agentID] = team
	return team
}
