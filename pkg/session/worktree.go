package session

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/agentbureau/bureau/pkg/types"
	"github.com/agentbureau/bureau/pkg/workspace"
)

const worktreeTimeout = 60 * time.Second

// worktreePlan is the outcome of deciding whether a run gets an
// isolated git worktree.
type worktreePlan struct {
	RepoID   string
	RepoRoot string
	Branch   string
	Dir      string
}

// planWorktree decides worktree isolation for a run: task-milestone
// runs whose milestone kind is coding, when the machine config maps the
// milestone's repo to a local checkout. Everything else runs in the
// workspace root.
func planWorktree(ws *workspace.Workspace, run *types.Run, machine *types.MachineConfig) (*worktreePlan, error) {
	if run.Spec.Kind != types.RunKindTaskMilestone || run.Spec.TaskID == "" {
		return nil, nil
	}
	task, _, err := ws.LoadTask(run.ProjectID, run.Spec.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task for worktree decision: %w", err)
	}
	var milestone *types.Milestone
	for i := range task.Milestones {
		if task.Milestones[i].ID == run.Spec.MilestoneID {
			milestone = &task.Milestones[i]
			break
		}
	}
	if milestone == nil || milestone.Kind != types.MilestoneCoding {
		return nil, nil
	}
	repoID := milestone.RepoID
	if repoID == "" {
		project, err := ws.LoadProject(run.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to load project for worktree decision: %w", err)
		}
		repoID = project.DefaultRepoID
	}
	if repoID == "" || machine == nil {
		return nil, nil
	}
	repoRoot, ok := machine.RepoRoots[repoID]
	if !ok {
		return nil, nil
	}

	branch := run.Spec.WorktreeBranch
	if branch == "" {
		branch = "bureau/" + run.RunID
	}
	return &worktreePlan{
		RepoID:   repoID,
		RepoRoot: repoRoot,
		Branch:   branch,
		Dir:      ws.WorktreeDir(run.ProjectID, run.RunID),
	}, nil
}

// prepareWorktree materializes the plan with `git worktree add`. All of
// the child's mutations land in the worktree; the source checkout stays
// clean.
func prepareWorktree(ctx context.Context, plan *worktreePlan) error {
	ctx, cancel := context.WithTimeout(ctx, worktreeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", plan.RepoRoot,
		"worktree", "add", "-b", plan.Branch, plan.Dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to add git worktree: %w (%s)", err, firstLine(string(out)))
	}
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
