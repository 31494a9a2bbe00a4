/*
Package workspace provides the canonical file store for a Bureau company
directory.

Everything durable lives in plain files under one root: YAML entity files,
markdown documents with YAML frontmatter, and per-run JSONL event logs.
This package owns the directory layout, the atomic write discipline, and
the typed load/save/list helpers for every entity. Nothing else in Bureau
builds workspace paths by hand.

# Layout

	<root>/
	├── company/
	│   ├── company.yaml               company identity and org mode
	│   └── migrations/applied.yaml    migration ledger
	├── org/
	│   ├── teams/<team_id>/team.yaml
	│   └── agents/<agent_id>/
	│       ├── agent.yaml
	│       └── AGENTS.md              optional per-agent guidance
	├── work/projects/<pid>/
	│   ├── project.yaml
	│   ├── memory.md                  governed project memory
	│   ├── tasks/<tid>.md             frontmatter + contract body
	│   ├── artifacts/<aid>.md         frontmatter + body, plus siblings
	│   ├── runs/<rid>/
	│   │   ├── run.yaml
	│   │   ├── events.jsonl           hash-chained event log
	│   │   ├── outputs/               provider outputs, last_message.md
	│   │   └── worktree/              git worktree for coding runs
	│   ├── conversations/<cid>/
	│   │   ├── conversation.yaml
	│   │   └── msg-<seq>-<mid>.yaml
	│   └── help/<hid>.yaml
	├── inbox/reviews/<review_id>.yaml append-only decision records
	└── .local/                        machine-local, never synced
	    ├── machine.yaml
	    ├── index.db                   derived projection (rebuildable)
	    ├── billing/reconciliation_statements.json
	    └── heartbeat/{config.yaml,state.yaml}

# Write Discipline

Every file write goes through WriteFileAtomic: write to a sibling
".tmp-<pid>" file, fsync best effort, then rename over the target.
Readers therefore never observe a half-written YAML document. JSONL
event logs are the one append-in-place exception and are handled by
the eventlog package.

# Path Safety

Resolve and Rel translate between workspace-relative and absolute
paths. Absolute inputs and paths that escape the root are rejected as
validation errors, so a hostile artifact can never point the server at
/etc or a sibling workspace. ValidateID enforces the same discipline
for identifiers that become path segments.

# Usage

	ws, err := workspace.Open("/companies/acme")
	if err != nil {
	    return err
	}

	project, err := ws.LoadProject("website")
	if err != nil {
	    return err
	}

	task, body, err := ws.LoadTask(project.ProjectID, "task-001")
	if err != nil {
	    return err
	}
	if changed, _ := workspace.SetMilestoneStatus(task, "m1", types.MilestoneDone); changed {
	    err = ws.SaveTask(task, body)
	}

# Task Rules

Tasks carry their lifecycle in frontmatter. NormalizeTask fills
defaults (coding milestones always require patch and test evidence),
ValidateTask enforces the contract for non-draft tasks, and
SetMilestoneStatus applies the coupling rules: all milestones done
promotes the task to done, and pulling a milestone out of done demotes
a done task back to in_progress.

# Best Practices

1. Open one Workspace per company root and share it; the handle is
   stateless and safe for concurrent use
2. Never construct workspace paths with filepath.Join outside this
   package; add a helper here instead
3. Treat .local as disposable; everything under it can be rebuilt or
   reconfigured per machine
4. Use Init for new workspaces rather than creating directories by
   hand, so the skeleton stays consistent
*/
package workspace
